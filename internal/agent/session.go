package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keynest/keynest/internal/gateway/wschannel"
)

const wsMessageBufferSize = 16

func (a *Agent) runSession(ctx context.Context) error {
	wsURL, err := channelURL(a.cfg.ServerURL, a.cfg.AccessToken)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("channel connect: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	a.log.Info("gateway channel connected", "server", a.cfg.ServerURL)

	sessionCtx, cancelSession := context.WithCancel(ctx)
	stopClose := make(chan struct{})
	go func() {
		select {
		case <-sessionCtx.Done():
			_ = conn.Close()
		case <-stopClose:
		}
	}()

	var requestWG sync.WaitGroup
	defer func() {
		cancelSession()
		close(stopClose)
		_ = conn.Close()
		requestWG.Wait()
	}()

	var writeMu sync.Mutex
	writeJSON := func(msg wschannel.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
		err := conn.WriteJSON(msg)
		if err != nil {
			_ = conn.Close()
		}
		return err
	}

	keepaliveErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(a.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
				writeMu.Unlock()
				if err != nil {
					select {
					case keepaliveErr <- err:
					default:
					}
					return
				}
			}
		}
	}()

	type inbound struct {
		msg wschannel.Message
		raw string
	}
	msgCh := make(chan inbound, wsMessageBufferSize)
	readErr := make(chan error, 1)
	go func() {
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				select {
				case readErr <- err:
				default:
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			in := inbound{raw: string(payload)}
			// Secure-time broadcasts arrive as bare compact tokens, not
			// JSON envelopes.
			if strings.HasPrefix(in.raw, "{") {
				if err := json.Unmarshal(payload, &in.msg); err != nil {
					a.log.Warn("malformed channel message", "err", err)
					continue
				}
			}
			select {
			case msgCh <- in:
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	requestSem := make(chan struct{}, maxConcurrentRequests)

	for {
		select {
		case <-sessionCtx.Done():
			return sessionCtx.Err()
		case err := <-keepaliveErr:
			if sessionCtx.Err() != nil {
				return sessionCtx.Err()
			}
			return err
		case err := <-readErr:
			if sessionCtx.Err() != nil {
				return sessionCtx.Err()
			}
			return err
		case in := <-msgCh:
			if !strings.HasPrefix(in.raw, "{") {
				a.applySecureTime(sessionCtx, in.raw)
				continue
			}
			msg := in.msg
			switch msg.Kind {
			case wschannel.KindRequest:
				if msg.Request == nil {
					continue
				}
				select {
				case requestSem <- struct{}{}:
				case <-sessionCtx.Done():
					return sessionCtx.Err()
				}
				requestWG.Add(1)
				req := *msg.Request
				go func() {
					defer requestWG.Done()
					defer func() { <-requestSem }()

					started := time.Now()
					resp := a.handleRequest(sessionCtx, req)
					a.log.Info("handled channel request", "op", req.Op, "device_id", req.DeviceID, "success", resp.Success, "duration", time.Since(started).String())
					if err := writeJSON(wschannel.Message{Kind: wschannel.KindResponse, Response: &resp}); err != nil && sessionCtx.Err() == nil {
						a.log.Warn("failed to send channel response", "req_id", req.ID, "err", err)
					}
				}()
			case wschannel.KindPing:
				if err := writeJSON(wschannel.Message{Kind: wschannel.KindPong}); err != nil && sessionCtx.Err() == nil {
					return err
				}
			case wschannel.KindPong:
			}
		}
	}
}

// channelURL derives the websocket endpoint from the cloud service URL.
func channelURL(serverURL, token string) (string, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return "", fmt.Errorf("missing server URL")
	}
	if !strings.Contains(serverURL, "://") {
		serverURL = "https://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("server URL must use http or https")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/gateway"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}
