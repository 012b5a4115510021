// Package httppoll implements the outbound polling transport for
// cloud-managed gateways. It consumes the gateway's REST surface on a
// timer and executes device commands synchronously.
package httppoll

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keynest/keynest/internal/domain"
)

const apiKeyHeader = "X-Api-Key"
const maxResponseBytes = 1 << 20
const truncatedBodyBytes = 512

type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string, timeout time.Duration, insecureSkipVerify bool) *apiClient {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if insecureSkipVerify {
		// Development-only bypass for gateways with self-signed certs.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) error {
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

func (c *apiClient) send(ctx context.Context, method, path string, body any, out any) error {
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

func (c *apiClient) do(req *http.Request, out any) error {
	req.Header.Set(apiKeyHeader, c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// Protocol error: keep a truncated body for diagnosis.
		return fmt.Errorf("unexpected gateway response shape (%s): %w", truncateBody(raw), err)
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy:
// wrong endpoint and bad credentials are configuration errors, 5xx is a
// gateway server error, anything else unexpected is transient.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return domain.ErrEndpointNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrAuthFailed
	case status >= 500:
		return fmt.Errorf("%w: status %d (%s)", domain.ErrGatewayServer, status, truncateBody(body))
	default:
		return fmt.Errorf("gateway responded %d (%s)", status, truncateBody(body))
	}
}

func classifyTransportError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", domain.ErrHostUnreachable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", domain.ErrHostUnreachable, err)
	}
	// Timeouts and the rest are transient; the failure counter absorbs them.
	return err
}

func truncateBody(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > truncatedBodyBytes {
		s = s[:truncatedBodyBytes] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}

type lockInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	State      string `json:"state"`
	Battery    int    `json:"battery"`
	KeyVersion int    `json:"keyVersion"`
}

type locksAllResponse struct {
	Locks []lockInfo `json:"locks"`
}

type lockStateResponse struct {
	State   string `json:"state"`
	Battery int    `json:"battery"`
}

type lockCommandRequest struct {
	LockID  string         `json:"lockId"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

type lockCommandResponse struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type lockKeysResponse struct {
	Keys []map[string]any `json:"keys"`
}

type gatewayIPResponse struct {
	IP string `json:"ip"`
}

func (c *apiClient) locksAll(ctx context.Context) ([]lockInfo, error) {
	var resp locksAllResponse
	if err := c.get(ctx, "/locks/all", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Locks, nil
}

func (c *apiClient) lockState(ctx context.Context, lockID string) (lockStateResponse, error) {
	var resp lockStateResponse
	err := c.get(ctx, "/keys/get-lock-state", url.Values{"lockId": {lockID}}, &resp)
	return resp, err
}

func (c *apiClient) sendLockCommand(ctx context.Context, req lockCommandRequest) (lockCommandResponse, error) {
	var resp lockCommandResponse
	err := c.send(ctx, http.MethodPost, "/locks/send-lock-command", req, &resp)
	return resp, err
}

func (c *apiClient) addKey(ctx context.Context, lockID string, payload map[string]any) (map[string]any, error) {
	body := map[string]any{"lockId": lockID}
	for k, v := range payload {
		body[k] = v
	}
	var resp map[string]any
	err := c.send(ctx, http.MethodPost, "/keys/add-key", body, &resp)
	return resp, err
}

func (c *apiClient) revokeKey(ctx context.Context, body map[string]any) (map[string]any, error) {
	var resp map[string]any
	err := c.send(ctx, http.MethodDelete, "/keys/revoke-key", body, &resp)
	return resp, err
}

func (c *apiClient) lockKeys(ctx context.Context, lockID string) ([]map[string]any, error) {
	var resp lockKeysResponse
	if err := c.get(ctx, "/keys/get-keys", url.Values{"lockId": {lockID}}, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *apiClient) gatewayIP(ctx context.Context) (string, error) {
	var resp gatewayIPResponse
	if err := c.get(ctx, "/devices/get-ip", nil, &resp); err != nil {
		return "", err
	}
	return resp.IP, nil
}
