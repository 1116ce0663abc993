package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// controllerNotifier posts the agent status to the controller's
// heartbeat endpoint.
type controllerNotifier struct {
	url    string
	token  string
	core   *Core
	client *http.Client
}

func newControllerNotifier(url, token string, core *Core) *controllerNotifier {
	return &controllerNotifier{
		url:   url,
		token: token,
		core:  core,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Heartbeat implements heartbeat.Notifier.
func (n *controllerNotifier) Heartbeat(ctx context.Context) error {
	payload, err := json.Marshal(n.core.Status())
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("controller rejected heartbeat: %s", resp.Status)
	}
	return nil
}
