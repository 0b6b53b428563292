package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is what the relay writes to a websocket subscriber.
type Frame struct {
	Cursor string          `json:"cursor"`
	Data   json.RawMessage `json:"data"`
}

// WSTransport talks to the relay server. Publish is an HTTP POST, subscribe
// is a websocket that replays from ?since= and then streams live frames.
type WSTransport struct {
	baseURL    *url.URL
	header     http.Header
	dialer     *websocket.Dialer
	httpClient *http.Client
}

// NewWSTransport creates a transport for a relay at baseURL (http or https).
func NewWSTransport(baseURL string, header http.Header) (*WSTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url must be http or https, got %q", u.Scheme)
	}
	return &WSTransport{
		baseURL: u,
		header:  header,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// PublishURL returns the relay endpoint that accepts frames for a session.
func (t *WSTransport) PublishURL(sessionID string) string {
	return t.baseURL.JoinPath("api", "signal", sessionID).String()
}

// SubscribeURL returns the websocket endpoint for a session.
func (t *WSTransport) SubscribeURL(sessionID, after string) string {
	u := t.baseURL.JoinPath("ws", "signal", sessionID)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	if after != StartCursor {
		q := u.Query()
		q.Set("since", after)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (t *WSTransport) Publish(ctx context.Context, sessionID string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.PublishURL(sessionID), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish to relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("publish to relay: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (t *WSTransport) Subscribe(ctx context.Context, sessionID, after string) (Subscription, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.SubscribeURL(sessionID, after), t.header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	sub := &wsSubscription{
		conn:   conn,
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	go sub.readPump()
	return sub, nil
}

type wsSubscription struct {
	conn      *websocket.Conn
	frames    chan Frame
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func (s *wsSubscription) readPump() {
	defer close(s.frames)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = err
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		select {
		case s.frames <- f:
		case <-s.done:
			return
		}
	}
}

func (s *wsSubscription) Next(ctx context.Context) (Envelope, error) {
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-s.done:
		return Envelope{}, ErrSubscriptionClosed
	case f, ok := <-s.frames:
		if !ok {
			select {
			case <-s.done:
				return Envelope{}, ErrSubscriptionClosed
			default:
			}
			return Envelope{}, fmt.Errorf("relay connection lost: %w", s.err)
		}
		return Envelope{Cursor: f.Cursor, Data: []byte(f.Data)}, nil
	}
}

func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
