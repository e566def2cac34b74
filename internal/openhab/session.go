package openhab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/trymwestin/sensorbridge/internal/core/connection"
	"github.com/trymwestin/sensorbridge/internal/core/transport"
	"github.com/trymwestin/sensorbridge/internal/core/watchdog"
)

const (
	commandEventType = "ItemCommandEvent"
	commandSuffix    = "/command"
)

// session is one lifetime of an event stream subscription. It owns the
// watchdog that decides when the subscription has gone stale.
type session struct {
	id   string
	conn *Connector
	log  *slog.Logger
	wd   *watchdog.Watchdog

	ctx    context.Context
	cancel context.CancelFunc
	stream transport.Stream

	stopped atomic.Bool
	done    chan struct{}
}

func newSession(c *Connector) *session {
	s := &session{
		id:   uuid.NewString(),
		conn: c,
		done: make(chan struct{}),
	}
	s.log = c.Log().With("session", s.id)
	s.wd = watchdog.New(c.watchdogTimeout, func() { c.reconnect("watchdog expired", s) })
	return s
}

func (s *session) attach(ctx context.Context, cancel context.CancelFunc, stream transport.Stream) {
	s.ctx = ctx
	s.cancel = cancel
	s.stream = stream
}

// stop requests the reader to exit. The flag is only ever set, and cancelling
// the stream context unblocks a pending read.
func (s *session) stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.wd.Stop()
	if s.cancel != nil {
		s.cancel()
	}
}

// abandon releases a session whose reader was never started.
func (s *session) abandon() {
	s.stop()
	if s.stream != nil {
		s.stream.Close()
	}
	close(s.done)
}

func (s *session) running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// run reads events in arrival order until the session is stopped or the
// stream ends.
func (s *session) run() {
	defer close(s.done)
	defer s.stream.Close()

	for {
		evt, err := s.stream.Recv(s.ctx)

		var decodeErr *transport.DecodeError
		if err != nil && !errors.As(err, &decodeErr) {
			if s.stopped.Load() {
				s.log.Debug("old openHAB connection closed")
				return
			}
			s.log.Warn("openHAB event stream ended", "error", err)
			s.conn.streamEnded(s)
			return
		}

		// Anything read from the stream proves the connection is alive.
		s.wd.Cancel()

		if s.stopped.Load() {
			s.log.Debug("old openHAB connection closed")
			return
		}
		if decodeErr != nil {
			s.log.Warn("dropping malformed event", "data", decodeErr.Data, "error", decodeErr.Err)
			continue
		}

		s.dispatch(evt)
	}
}

func (s *session) dispatch(evt *transport.Event) {
	if evt.Type != commandEventType {
		return
	}
	item, ok := itemFromTopic(evt.Topic, s.conn.cfg.itemPrefix())
	if !ok {
		return
	}
	handler, ok := s.conn.Registry().Get(item)
	if !ok {
		return
	}

	value, err := commandValue(evt.Payload)
	if err != nil {
		s.log.Warn("dropping command with malformed payload", "item", item, "payload", evt.Payload, "error", err)
		return
	}

	s.log.Info("received command", "item", item, "value", value)
	s.call(item, handler, value)
}

// call runs handler, keeping the reader alive if it panics.
func (s *session) call(item string, handler connection.Handler, value string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("command handler panicked", "item", item, "panic", r)
		}
	}()
	handler(value)
}

// itemFromTopic extracts the item name from a command topic such as
// "openhab/items/Light1/command".
func itemFromTopic(topic, prefix string) (string, bool) {
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, commandSuffix) {
		return "", false
	}
	item := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), commandSuffix)
	return item, item != ""
}

// commandValue decodes the JSON payload of a command event and returns its
// value. String values are unquoted, a null value becomes the empty string and
// anything else is returned as raw JSON.
func commandValue(payload string) (string, error) {
	var p struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", fmt.Errorf("openhab: decode payload: %w", err)
	}
	if len(p.Value) == 0 {
		return "", errors.New("openhab: payload has no value")
	}
	if string(p.Value) == "null" {
		return "", nil
	}

	var str string
	if err := json.Unmarshal(p.Value, &str); err == nil {
		return str, nil
	}
	return string(p.Value), nil
}
