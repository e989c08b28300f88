package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const readyPollInterval = 200 * time.Millisecond

// WaitReady polls /health until the bridge reports status ok with the
// websocket transport present, or the timeout lapses with code
// MCP_STARTUP_FAILED.
func WaitReady(ctx context.Context, port int, timeout time.Duration) *StartupError {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: probeTimeout}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	for {
		if healthOK(ctx, client, url) {
			return nil
		}
		if time.Now().After(deadline) {
			return startupErr(CodeStartupFailed,
				"bridge not ready on port %d within %v", port, timeout)
		}
		select {
		case <-ctx.Done():
			return startupErr(CodeStartupFailed, "startup cancelled: %v", ctx.Err())
		case <-time.After(readyPollInterval):
		}
	}
}

func healthOK(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var body struct {
		Status    string `json:"status"`
		Websocket string `json:"websocket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ok" && body.Websocket != ""
}
