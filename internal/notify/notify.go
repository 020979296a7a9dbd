package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SendSessionLost alerts the operator that connection retries have been
// exhausted and the relay will stay offline until the next connect request.
func SendSessionLost(ctx context.Context, client *http.Client, endpoint string, attempts int, cause error) error {
	msg := fmt.Sprintf("tv_relay gave up reconnecting after %d attempts: %v", attempts, cause)
	return Send(ctx, client, endpoint, msg)
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
