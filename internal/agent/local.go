package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const localAPIKeyHeader = "X-Api-Key"
const localMaxResponseBytes = 1 << 20

// lockClient talks to the facility's local lock controller REST API.
type lockClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type localLock struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

type localLockState struct {
	State   string `json:"state"`
	Battery int    `json:"battery"`
}

type localCommandResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func newLockClient(baseURL, apiKey string, timeout time.Duration) *lockClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &lockClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *lockClient) locksAll(ctx context.Context) ([]localLock, error) {
	var resp struct {
		Locks []localLock `json:"locks"`
	}
	if err := c.get(ctx, "/locks/all", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Locks, nil
}

func (c *lockClient) lockState(ctx context.Context, lockID string) (localLockState, error) {
	var resp localLockState
	err := c.get(ctx, "/keys/get-lock-state", url.Values{"lockId": {lockID}}, &resp)
	return resp, err
}

func (c *lockClient) sendCommand(ctx context.Context, lockID, command string, params map[string]any) (localCommandResult, error) {
	var resp localCommandResult
	err := c.send(ctx, http.MethodPost, "/locks/send-lock-command", map[string]any{
		"lockId":  lockID,
		"command": command,
		"params":  params,
	}, &resp)
	return resp, err
}

func (c *lockClient) addKey(ctx context.Context, lockID string, payload map[string]any) (map[string]any, error) {
	body := map[string]any{"lockId": lockID}
	for k, v := range payload {
		body[k] = v
	}
	var resp map[string]any
	err := c.send(ctx, http.MethodPost, "/keys/add-key", body, &resp)
	return resp, err
}

func (c *lockClient) revokeKey(ctx context.Context, lockID string, params map[string]any) (map[string]any, error) {
	body := map[string]any{"lockId": lockID}
	for k, v := range params {
		body[k] = v
	}
	var resp map[string]any
	err := c.send(ctx, http.MethodDelete, "/keys/revoke-key", body, &resp)
	return resp, err
}

func (c *lockClient) lockKeys(ctx context.Context, lockID string) ([]map[string]any, error) {
	var resp struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := c.get(ctx, "/keys/get-keys", url.Values{"lockId": {lockID}}, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *lockClient) pushSecureTime(ctx context.Context, packet string) error {
	return c.send(ctx, http.MethodPost, "/time/secure-sync", map[string]any{"packet": packet}, nil)
}

func (c *lockClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *lockClient) send(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *lockClient) do(req *http.Request, out any) error {
	req.Header.Set(localAPIKeyHeader, c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, localMaxResponseBytes))
	if err != nil {
		return fmt.Errorf("read lock controller response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("lock controller responded %d", resp.StatusCode)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
