package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const baseURL = "%s/v1/node"

// Client represents the network calls made against an endpoint.
type Client interface {
	Probe(ctx context.Context, host string) error
	Push(ctx context.Context, host string, snap Snapshot) error
}

// HTTPClient talks to endpoints that expose the node private API.
type HTTPClient struct {
	client http.Client
}

// NewHTTPClient constructs a client for endpoint calls. Timeouts come from
// the context of each call.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{}
}

// Probe checks the endpoint is alive and accepting snapshots.
func (c *HTTPClient) Probe(ctx context.Context, host string) error {
	url := fmt.Sprintf("%s/status", endpointURL(host))

	var status Status
	if err := send(ctx, &c.client, http.MethodGet, url, nil, &status); err != nil {
		return err
	}

	if status.Status != "ok" {
		return fmt.Errorf("endpoint status %q", status.Status)
	}

	return nil
}

// Push sends the snapshot to the endpoint.
func (c *HTTPClient) Push(ctx context.Context, host string, snap Snapshot) error {
	url := fmt.Sprintf("%s/snapshot", endpointURL(host))

	var status struct {
		Status string `json:"status"`
	}

	return send(ctx, &c.client, http.MethodPost, url, snap, &status)
}

// =============================================================================

// endpointURL forms the base url for the host, which may already carry
// a scheme.
func endpointURL(host string) string {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return fmt.Sprintf(baseURL, strings.TrimSuffix(host, "/"))
}

// send is a helper function to send an HTTP request to a node.
func send(ctx context.Context, client *http.Client, method string, url string, dataSend any, dataRecv any) error {
	var body io.Reader

	if dataSend != nil {
		data, err := json.Marshal(dataSend)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if dataSend != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("connection timeout: %w", err)
		}
		return fmt.Errorf("connection failure: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode != http.StatusOK {
		msg, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if dataRecv != nil {
		if err := json.NewDecoder(resp.Body).Decode(dataRecv); err != nil {
			return err
		}
	}

	return nil
}
