package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parallelweb/batchenrich/pkg/taskapi"
)

// scriptedClient feeds pollGroup a fixed sequence of status responses.
type scriptedClient struct {
	statuses []func() (taskapi.GroupStatus, error)
	call     int
}

func (c *scriptedClient) CreateTaskGroup(context.Context) (string, error) {
	return "", errors.New("not scripted")
}

func (c *scriptedClient) AddRuns(context.Context, string, taskapi.TaskSpec, []taskapi.RunInput) ([]string, error) {
	return nil, errors.New("not scripted")
}

func (c *scriptedClient) StreamRuns(context.Context, string) (*taskapi.RunStream, error) {
	return nil, errors.New("not scripted")
}

func (c *scriptedClient) GetGroupStatus(context.Context, string) (taskapi.GroupStatus, error) {
	if c.call >= len(c.statuses) {
		return taskapi.GroupStatus{}, errors.New("no more scripted statuses")
	}
	fn := c.statuses[c.call]
	c.call++
	return fn()
}

func running(completed, total int) func() (taskapi.GroupStatus, error) {
	return func() (taskapi.GroupStatus, error) {
		return taskapi.GroupStatus{Completed: completed, Total: total, IsActive: true}, nil
	}
}

func done(completed, failed, total int) func() (taskapi.GroupStatus, error) {
	return func() (taskapi.GroupStatus, error) {
		return taskapi.GroupStatus{Completed: completed, Failed: failed, Total: total, IsActive: false}, nil
	}
}

func faulty(msg string) func() (taskapi.GroupStatus, error) {
	return func() (taskapi.GroupStatus, error) {
		return taskapi.GroupStatus{}, errors.New(msg)
	}
}

func TestPollGroup_RunsUntilDone(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{statuses: []func() (taskapi.GroupStatus, error){
		running(0, 3),
		running(2, 3),
		done(2, 1, 3),
	}}

	var observed []taskapi.GroupStatus
	status, finished, err := pollGroup(context.Background(), client, "g", time.Second, time.Millisecond, func(s taskapi.GroupStatus) {
		observed = append(observed, s)
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !finished {
		t.Fatal("expected finished")
	}
	if status.Completed != 2 || status.Failed != 1 {
		t.Fatalf("status = %+v", status)
	}
	if len(observed) != 3 {
		t.Fatalf("observed %d statuses", len(observed))
	}
}

func TestPollGroup_RetriesSingleFault(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{statuses: []func() (taskapi.GroupStatus, error){
		faulty("connection reset"),
		done(1, 0, 1),
	}}

	_, finished, err := pollGroup(context.Background(), client, "g", time.Second, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !finished {
		t.Fatal("expected finished after one retried fault")
	}
}

func TestPollGroup_ConsecutiveFaultsAbort(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{statuses: []func() (taskapi.GroupStatus, error){
		faulty("connection reset"),
		faulty("connection reset again"),
	}}

	_, _, err := pollGroup(context.Background(), client, "g", time.Second, time.Millisecond, nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v", err)
	}
}

func TestPollGroup_Timeout(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{statuses: []func() (taskapi.GroupStatus, error){
		running(1, 2), running(1, 2), running(1, 2), running(1, 2), running(1, 2),
		running(1, 2), running(1, 2), running(1, 2), running(1, 2), running(1, 2),
	}}

	status, finished, err := pollGroup(context.Background(), client, "g", 15*time.Millisecond, 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if finished {
		t.Fatal("expected timeout")
	}
	if status.Completed != 1 || status.Total != 2 {
		t.Fatalf("last status = %+v", status)
	}
}

func TestPollGroup_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedClient{statuses: []func() (taskapi.GroupStatus, error){
		faulty("canceled"),
	}}
	_, _, err := pollGroup(ctx, client, "g", time.Second, time.Millisecond, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
