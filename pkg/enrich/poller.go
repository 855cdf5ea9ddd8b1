package enrich

import (
	"context"
	"time"

	"github.com/parallelweb/batchenrich/pkg/taskapi"
)

const (
	defaultTimeout      = 5 * time.Minute
	defaultPollInterval = 2 * time.Second
)

// pollGroup polls the task group until every run reaches a terminal state or
// the deadline passes. It returns the last observed status and whether the
// group finished in time. A single transient status-fetch failure is retried
// on the next tick; two consecutive failures abort the partition.
func pollGroup(ctx context.Context, client TaskClient, groupID string, timeout, interval time.Duration, onStatus func(taskapi.GroupStatus)) (taskapi.GroupStatus, bool, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	var last taskapi.GroupStatus
	consecutiveFailures := 0

	for {
		status, err := client.GetGroupStatus(ctx, groupID)
		if err != nil {
			if ctx.Err() != nil {
				return last, false, ctx.Err()
			}
			consecutiveFailures++
			if consecutiveFailures > 1 {
				return last, false, &TransportError{Op: "poll task group", Err: err}
			}
		} else {
			consecutiveFailures = 0
			last = status
			if onStatus != nil {
				onStatus(status)
			}
			if status.Done() {
				return last, true, nil
			}
		}

		if time.Now().After(deadline) {
			return last, false, nil
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return last, false, ctx.Err()
		}
	}
}
