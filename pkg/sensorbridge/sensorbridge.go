// Package sensorbridge provides a public facade re-exporting core types
// for external consumers of this module.
package sensorbridge

import (
	"github.com/trymwestin/sensorbridge/internal/core/connection"
	"github.com/trymwestin/sensorbridge/internal/core/state"
	"github.com/trymwestin/sensorbridge/internal/core/transport"
	"github.com/trymwestin/sensorbridge/internal/core/watchdog"
	"github.com/trymwestin/sensorbridge/internal/openhab"
)

// Re-export core types for external use.
type (
	// Connection is the contract every hub connection implements.
	Connection = connection.Connection
	// Handler receives inbound command values.
	Handler = connection.Handler
	// CommConfig is the per-target block for one connection.
	CommConfig = connection.CommConfig
	// Status is a point-in-time view of a connection.
	Status = connection.Status
	// Reading is the last value a sensor reported.
	Reading = state.Reading
	// Command is the last command an actuator received.
	Command = state.Command
	// State is a snapshot of all readings and commands.
	State = state.State
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// OpenHABConfig holds the openHAB connector settings.
	OpenHABConfig = openhab.Config
	// OpenHABConnector is the openHAB REST connection.
	OpenHABConnector = openhab.Connector
	// Dialer opens hub event streams.
	Dialer = transport.Dialer
	// Stream is an open hub event stream.
	Stream = transport.Stream
	// Watchdog detects a stale event stream.
	Watchdog = watchdog.Watchdog
)

// Event type constants.
const (
	EventReading = state.EventReading
	EventCommand = state.EventCommand
	EventRefresh = state.EventRefresh
)

// NewOpenHAB creates an openHAB connector and connects to its event stream.
var NewOpenHAB = openhab.New
