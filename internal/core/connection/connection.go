// Package connection defines the contract every hub connector implements and
// the pieces connectors share: the destination handler registry, the
// per-target communication config and an embeddable default implementation.
package connection

import (
	"context"
	"log/slog"
)

// Handler receives the value of an inbound command addressed to a destination.
type Handler func(msg string)

// Connection is the whole surface sensors, actuators and the startup wiring
// may depend on.
type Connection interface {
	// Publish sends message to the destination configured in comm, optionally
	// under the nested channel block. It never reports transport failures to
	// the caller; they are logged and dropped.
	Publish(ctx context.Context, message string, comm CommConfig, channel string)
	// Register installs handler for the destination configured in comm. A nil
	// handler registers an output-only target and leaves the registry as is.
	Register(comm CommConfig, handler Handler)
	// Disconnect releases stream resources. Safe to call more than once.
	Disconnect()
	// AnnounceCapabilities publishes auto-discovery data where the hub
	// supports it.
	AnnounceCapabilities()
}

// Comm keys shared by more than one connector.
const (
	KeyTarget     = "target"
	KeyCommandSrc = "command_src"
	KeyStateDest  = "state_dest"
	KeyRetain     = "retain"
)

// Base is the default Connection behaviour. Concrete connectors embed it and
// override what they need; Publish has no sensible default and is left out.
type Base struct {
	log      *slog.Logger
	registry *Registry
	control  Handler

	// RegisterKeys are the comm keys consulted, in order, for the
	// destination id on Register.
	RegisterKeys []string
}

// NewBase creates the shared connector state. control handles connection level
// requests such as "republish every sensor".
func NewBase(control Handler, log *slog.Logger) *Base {
	if log == nil {
		log = slog.Default()
	}
	return &Base{
		log:          log,
		registry:     NewRegistry(),
		control:      control,
		RegisterKeys: []string{KeyCommandSrc},
	}
}

// Log returns the connector logger.
func (b *Base) Log() *slog.Logger { return b.log }

// Registry returns the destination handler registry.
func (b *Base) Registry() *Registry { return b.registry }

// Control returns the control handler installed at construction.
func (b *Base) Control() Handler { return b.control }

// Register stores handler under the destination id found in comm.
func (b *Base) Register(comm CommConfig, handler Handler) {
	if handler == nil {
		return
	}
	dest, ok := comm.Lookup(b.RegisterKeys...)
	if !ok {
		b.log.Warn("cannot register handler, no destination configured", "keys", b.RegisterKeys)
		return
	}
	b.log.Info("registering destination", "destination", dest)
	b.registry.Store(dest, handler)
}

// Disconnect is a no-op.
func (b *Base) Disconnect() {}

// AnnounceCapabilities is a no-op.
func (b *Base) AnnounceCapabilities() {}

// Status is a point-in-time view of a connection for diagnostics.
type Status struct {
	Type         string   `json:"type"`
	State        string   `json:"state"`
	Session      string   `json:"session,omitempty"`
	Reconnects   int64    `json:"reconnects"`
	Destinations []string `json:"destinations"`
}

// StatusReporter is implemented by connections that expose Status.
type StatusReporter interface {
	Status() Status
}
