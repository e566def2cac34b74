// Package openhab implements the connection to an openHAB hub: item state
// writes over REST and inbound item commands over the hub's event stream.
//
// Every publish arms the active session's liveness watchdog. A publish the hub
// acknowledged makes the watchdog eligible; if no event of any kind arrives
// before it expires the session is replaced. The event stream ending on its
// own also schedules a single reconnect. A failed connect is not retried until
// the next such trigger.
package openhab

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trymwestin/sensorbridge/internal/core/connection"
	"github.com/trymwestin/sensorbridge/internal/core/transport"
	"github.com/trymwestin/sensorbridge/internal/core/watchdog"
)

// Comm keys understood by the connector.
const (
	KeyItem = "item"
)

const (
	publishTimeout        = 10 * time.Second
	defaultReconnectDelay = time.Second
)

// State is the lifecycle position of the event stream.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateStopping     State = "stopping"
	StateClosed       State = "closed"
)

// Option customizes a Connector.
type Option func(*Connector)

// WithHTTPClient sets the client used for state writes.
func WithHTTPClient(c *http.Client) Option {
	return func(conn *Connector) { conn.client = c }
}

// WithDialer replaces the event stream dialer derived from the config.
func WithDialer(d transport.Dialer) Option {
	return func(conn *Connector) { conn.dialer = d }
}

// WithWatchdogTimeout overrides watchdog.DefaultTimeout.
func WithWatchdogTimeout(d time.Duration) Option {
	return func(conn *Connector) { conn.watchdogTimeout = d }
}

// WithReconnectDelay sets the pause before reconnecting after the stream ends.
func WithReconnectDelay(d time.Duration) Option {
	return func(conn *Connector) { conn.reconnectDelay = d }
}

// Connector is the openHAB REST/SSE connection.
type Connector struct {
	*connection.Base

	cfg             Config
	client          *http.Client
	dialer          transport.Dialer
	watchdogTimeout time.Duration
	reconnectDelay  time.Duration

	// connectMu serializes connect attempts; mu guards the fields below it.
	connectMu  sync.Mutex
	connecting atomic.Bool
	reconnects atomic.Int64

	mu      sync.Mutex
	session *session
	closed  bool
}

var (
	_ connection.Connection     = (*Connector)(nil)
	_ connection.StatusReporter = (*Connector)(nil)
)

// New validates cfg, registers the refresh item to control and connects to the
// event stream. A failed connect is logged and leaves the connector usable.
func New(cfg Config, control connection.Handler, log *slog.Logger, opts ...Option) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Connector{
		Base:            connection.NewBase(control, log),
		watchdogTimeout: watchdog.DefaultTimeout,
		reconnectDelay:  defaultReconnectDelay,
	}
	c.RegisterKeys = []string{KeyItem, connection.KeyTarget}

	log.Info("initializing openHAB REST connection", "url", cfg.URL)

	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Version == 0 {
		log.Info("no openHAB version specified, falling back", "version", MinVersion)
		cfg.Version = MinVersion
	}
	if cfg.authenticated() && cfg.Token == "" {
		log.Info("no API token specified, connecting to openHAB without authentication")
	}
	c.cfg = cfg

	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: publishTimeout}
	}
	if c.dialer == nil {
		c.dialer = c.defaultDialer()
	}

	if control != nil {
		c.Registry().Store(cfg.RefreshItem, control)
	}

	c.connectMu.Lock()
	c.connect()
	c.connectMu.Unlock()

	return c, nil
}

func (c *Connector) defaultDialer() transport.Dialer {
	if c.cfg.Transport == TransportWebSocket {
		return transport.NewWebSocketDialer(c.cfg.URL, c.cfg.bearer(), "sensorbridge-"+uuid.NewString(), c.Log())
	}
	return transport.NewSSEDialer(c.cfg.URL+"/rest/events", c.cfg.bearer(), &http.Client{}, c.Log())
}

// Config returns the effective configuration.
func (c *Connector) Config() Config { return c.cfg }

// Publish writes message as the state of the configured item.
func (c *Connector) Publish(ctx context.Context, message string, comm connection.CommConfig, channel string) {
	s := c.current()
	var gen uint64
	if s != nil {
		gen = s.wd.Arm()
	}

	item, ok := comm.Resolve(channel).Lookup(connection.KeyTarget, KeyItem)
	if !ok {
		return
	}

	c.Log().Debug("publishing message", "message", message, "item", item)
	if err := c.putState(ctx, item, message); err != nil {
		c.logTransportError("publish", item, err)
		return
	}
	// Only the most recent publish decides eligibility.
	if s != nil {
		s.wd.MarkEligible(gen)
	}
}

func (c *Connector) putState(ctx context.Context, item, message string) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	target := fmt.Sprintf("%s/rest/items/%s/state", c.cfg.URL, url.PathEscape(item))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("openhab: build request: %w", err)
	}
	// openHAB 2.x needs neither header.
	if c.cfg.authenticated() {
		req.Header.Set("Content-Type", "text/plain")
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("openhab: put %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &transport.StatusError{URL: target, Code: resp.StatusCode}
	}
	return nil
}

// Disconnect stops the active session without waiting for its reader to
// finish. Later calls do nothing.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	s := c.session
	c.mu.Unlock()

	c.Log().Info("disconnecting from openHAB event stream")
	if s != nil {
		s.stop()
	}
}

// State reports where the event stream is in its lifecycle.
func (c *Connector) State() State {
	c.mu.Lock()
	s, closed := c.session, c.closed
	c.mu.Unlock()

	running := s != nil && s.running()
	switch {
	case closed && running:
		return StateStopping
	case closed:
		return StateClosed
	case c.connecting.Load():
		return StateConnecting
	case running:
		return StateStreaming
	default:
		return StateDisconnected
	}
}

// Status implements connection.StatusReporter.
func (c *Connector) Status() connection.Status {
	st := connection.Status{
		Type:         "openhab_rest",
		State:        string(c.State()),
		Reconnects:   c.reconnects.Load(),
		Destinations: c.Registry().Destinations(),
	}
	if s := c.current(); s != nil {
		st.Session = s.id
	}
	return st
}

// Wait blocks until the active session's reader exits or ctx is done.
func (c *Connector) Wait(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// connect opens a new session and makes it current. Callers hold connectMu.
// The session is installed even when the dial fails so that its watchdog can
// drive the next attempt.
func (c *Connector) connect() {
	c.connecting.Store(true)
	defer c.connecting.Store(false)

	s := newSession(c)
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.dialer.Dial(ctx)
	if err != nil {
		cancel()
		c.logTransportError("connect", "", err)
	} else {
		s.attach(ctx, cancel, stream)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.abandon()
		return
	}
	c.session = s
	c.mu.Unlock()

	if stream == nil {
		close(s.done)
		return
	}
	s.log.Info("subscribed to openHAB event stream")
	go s.run()
}

// reconnect replaces from with a fresh session. It does nothing when from is
// no longer current, so a trigger racing with another reconnect is dropped.
func (c *Connector) reconnect(reason string, from *session) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed || c.session != from {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.Log().Info("reconnecting to openHAB", "reason", reason, "session", from.id)
	c.reconnects.Add(1)
	from.stop()
	c.connect()
}

// streamEnded schedules one reconnect after the stream closed on its own.
func (c *Connector) streamEnded(s *session) {
	time.AfterFunc(c.reconnectDelay, func() { c.reconnect("stream ended", s) })
}

func (c *Connector) logTransportError(op, item string, err error) {
	attrs := []any{"op", op, "url", c.cfg.URL, "error", err}
	if item != "" {
		attrs = append(attrs, "item", item)
	}

	switch transport.Classify(err) {
	case transport.FailureTimeout:
		c.Log().Error("timed out connecting to openHAB", attrs...)
	case transport.FailureRefused:
		c.Log().Error("failed to connect to openHAB", attrs...)
	case transport.FailureStatus:
		c.Log().Error("received an unsuccessful response from openHAB", attrs...)
	default:
		c.Log().Error("openHAB request failed", attrs...)
	}
}
