package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 15 * time.Second
	wsReadTimeout      = 60 * time.Second
	wsHeartbeatEvery   = 25 * time.Second
	wsHeartbeatTopic   = "openhab/websocket/heartbeat"
)

// WebSocketDialer subscribes to the hub event feed over its WebSocket
// endpoint (openHAB 3.4 and later).
type WebSocketDialer struct {
	url      string
	token    string
	sourceID string
	log      *slog.Logger
}

// NewWebSocketDialer creates a dialer for the hub at baseURL. http and https
// schemes are rewritten to ws and wss. sourceID identifies this client in
// heartbeat events.
func NewWebSocketDialer(baseURL, token, sourceID string, log *slog.Logger) *WebSocketDialer {
	wsBase := baseURL
	if strings.HasPrefix(wsBase, "https://") {
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	} else if strings.HasPrefix(wsBase, "http://") {
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	return &WebSocketDialer{
		url:      strings.TrimRight(wsBase, "/") + "/ws",
		token:    token,
		sourceID: sourceID,
		log:      log,
	}
}

// URL returns the endpoint without credentials.
func (d *WebSocketDialer) URL() string { return d.url }

// Dial connects to the hub. The connection is closed when ctx is cancelled.
func (d *WebSocketDialer) Dial(ctx context.Context) (Stream, error) {
	target := d.url
	if d.token != "" {
		target += "?accessToken=" + url.QueryEscape(d.token)
	}

	d.log.Debug("dialing event websocket", "url", d.url, "auth", d.token != "")

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", d.url, &StatusError{URL: d.url, Code: resp.StatusCode})
		}
		return nil, fmt.Errorf("transport: dial %s: %w", d.url, err)
	}

	c := newWSStream(ws, d.sourceID, d.log)
	go c.watch(ctx)
	go c.keepalive()
	return c, nil
}

type wsStream struct {
	ws       *websocket.Conn
	sourceID string
	log      *slog.Logger

	mu    sync.Mutex // protects writes
	stopC chan struct{}
	once  sync.Once
}

func newWSStream(ws *websocket.Conn, sourceID string, log *slog.Logger) *wsStream {
	c := &wsStream{ws: ws, sourceID: sourceID, log: log, stopC: make(chan struct{})}
	ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	return c
}

func (c *wsStream) Recv(ctx context.Context) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	c.ws.SetReadDeadline(time.Now().Add(wsReadTimeout))

	if msgType != websocket.TextMessage {
		return nil, &DecodeError{Err: fmt.Errorf("unexpected message type %d", msgType)}
	}
	return decodeEvent(data)
}

func (c *wsStream) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stopC)
		err = c.ws.Close()
	})
	return err
}

func (c *wsStream) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		c.Close()
	case <-c.stopC:
	}
}

func (c *wsStream) keepalive() {
	ticker := time.NewTicker(wsHeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopC:
			return
		case <-ticker.C:
			if err := c.heartbeat(); err != nil {
				c.log.Warn("event websocket heartbeat failed", "error", err)
				c.Close()
				return
			}
			c.log.Debug("event websocket heartbeat sent")
		}
	}
}

func (c *wsStream) heartbeat() error {
	data, err := json.Marshal(Event{
		Type:    "WebSocketEvent",
		Topic:   wsHeartbeatTopic,
		Payload: "PING",
		Source:  c.sourceID,
	})
	if err != nil {
		return fmt.Errorf("transport: marshal heartbeat: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
}
