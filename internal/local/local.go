// Package local links sensors to actuators running in the same process.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/trymwestin/sensorbridge/internal/core/connection"
)

const (
	on     = "ON"
	off    = "OFF"
	toggle = "TOGGLE"
)

// Config selects how a published message is translated before it reaches the
// local handler. At most one comparison applies; OnEq wins over OnGT, which
// wins over OnLT. With none set the message is forwarded as is.
type Config struct {
	OnEq *string  `yaml:"on_eq"`
	OnGT *float64 `yaml:"on_gt"`
	OnLT *float64 `yaml:"on_lt"`
}

// Connection forwards published messages to handlers registered under the
// publisher's state_dest.
type Connection struct {
	*connection.Base
	cfg Config
}

var _ connection.Connection = (*Connection)(nil)

// New creates a local connection. The control handler is kept but never
// called: nothing local can request a refresh.
func New(cfg Config, control connection.Handler, log *slog.Logger) *Connection {
	c := &Connection{Base: connection.NewBase(control, log), cfg: cfg}
	if cfg.OnEq != nil {
		c.cfg.OnGT, c.cfg.OnLT = nil, nil
	} else if cfg.OnGT != nil {
		c.cfg.OnLT = nil
	}
	return c
}

// Publish hands message, translated, to the handler registered for the
// configured state_dest.
func (c *Connection) Publish(_ context.Context, message string, comm connection.CommConfig, channel string) {
	dest, ok := comm.Resolve(channel).Lookup(connection.KeyStateDest)
	if !ok {
		return
	}
	handler, ok := c.Registry().Get(dest)
	if !ok {
		c.Log().Debug("no handler registered", "destination", dest)
		return
	}

	send, err := c.translate(message)
	if err != nil {
		c.Log().Error("cannot compare message", "message", message, "error", err)
		return
	}
	c.Log().Info("forwarding message", "message", message, "send", send, "destination", dest)
	handler(send)
}

func (c *Connection) translate(msg string) (string, error) {
	if isToggle(msg) {
		return toggle, nil
	}
	switch {
	case c.cfg.OnEq != nil:
		return onOff(msg == *c.cfg.OnEq), nil
	case c.cfg.OnGT != nil:
		v, err := parseFloat(msg)
		if err != nil {
			return "", err
		}
		return onOff(v > *c.cfg.OnGT), nil
	case c.cfg.OnLT != nil:
		v, err := parseFloat(msg)
		if err != nil {
			return "", err
		}
		return onOff(v < *c.cfg.OnLT), nil
	}
	return msg, nil
}

// isToggle reports whether msg requests a toggle: the literal TOGGLE or an ISO
// 8601 timestamp as sent by button sensors, with or without a zone offset.
func isToggle(msg string) bool {
	if msg == toggle {
		return true
	}
	return (len(msg) == 26 || len(msg) == 31) && msg[10] == 'T'
}

func parseFloat(msg string) (float64, error) {
	v, err := strconv.ParseFloat(msg, 64)
	if err != nil {
		return 0, fmt.Errorf("local: %q is not a number", msg)
	}
	return v, nil
}

func onOff(b bool) string {
	if b {
		return on
	}
	return off
}
