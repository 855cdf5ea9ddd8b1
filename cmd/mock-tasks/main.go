package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/parallelweb/batchenrich/internal/mocktasks"
)

func main() {
	addr := defaultString("MOCK_TASKS_ADDR", ":8080")
	apiKey := defaultString("MOCK_TASKS_API_KEY", "")
	activePolls := defaultString("MOCK_TASKS_ACTIVE_POLLS", "0")

	fs := flag.NewFlagSet("mock-tasks", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&apiKey, "api-key", apiKey, "Require this x-api-key header; empty disables auth (env: MOCK_TASKS_API_KEY)")
	fs.StringVar(&activePolls, "active-polls", activePolls, "Report groups active for this many status checks (env: MOCK_TASKS_ACTIVE_POLLS)")
	_ = fs.Parse(os.Args[1:])

	srv := mocktasks.New()
	srv.RequireAPIKey(apiKey)
	if n := parseIntOrZero(activePolls); n > 0 {
		srv.SetActivePolls(n)
	}

	_, _ = fmt.Fprintf(os.Stdout, "mock-tasks listening on %s (auth=%t)\n", addr, apiKey != "")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func parseIntOrZero(s string) int {
	n := 0
	_, _ = fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	return n
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
