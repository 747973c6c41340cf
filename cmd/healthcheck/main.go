// Command healthcheck is the container HEALTHCHECK for credguard. It exits 0
// only when the server reports every dependency check as ok.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"slices"
	"time"

	httphandler "github.com/ericfisherdev/credguard/internal/adapter/driving/http"
)

const checkTimeout = 2 * time.Second

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	baseURL := "http://" + normalizeAddr(os.Getenv("CREDGUARD_LISTEN_ADDR"))
	os.Exit(check(ctx, &http.Client{Timeout: checkTimeout}, baseURL, os.Stderr))
}

// check queries the health endpoint under baseURL and reports each failing
// dependency on stderr.
func check(ctx context.Context, client *http.Client, baseURL string, stderr io.Writer) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/health", nil)
	if err != nil {
		fmt.Fprintf(stderr, "healthcheck: %v\n", err)
		return 1
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "healthcheck: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var body httphandler.HealthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		fmt.Fprintf(stderr, "healthcheck: status %d, unreadable body: %v\n", resp.StatusCode, err)
		return 1
	}

	failing := failingChecks(body.Checks)
	for _, name := range failing {
		fmt.Fprintf(stderr, "%s: %s\n", name, body.Checks[name])
	}

	if resp.StatusCode != http.StatusOK || len(failing) > 0 {
		fmt.Fprintf(stderr, "healthcheck: status %d (%s)\n", resp.StatusCode, body.Status)
		return 1
	}
	return 0
}

func failingChecks(checks map[string]string) []string {
	var names []string
	for name, state := range checks {
		if state != "ok" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// normalizeAddr points the check at loopback when the server binds every
// interface, since the check runs inside the same container.
func normalizeAddr(raw string) string {
	const fallback = "127.0.0.1:8080"
	if raw == "" {
		return fallback
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return fallback
	}

	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}

	return net.JoinHostPort(host, port)
}
