package openhab

import (
	"errors"
	"strings"
)

// Supported protocol versions.
const (
	// MinVersion is assumed when no version is configured.
	MinVersion = 2.0
	// AuthVersion is the first version that accepts bearer tokens and
	// requires a content type on state writes.
	AuthVersion = 3.0
)

// Event stream transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

var (
	ErrMissingURL         = errors.New("openhab: url is required")
	ErrMissingRefreshItem = errors.New("openhab: refresh_item is required")
	ErrUnknownTransport   = errors.New("openhab: transport must be sse or websocket")
)

// Config holds the connector settings.
type Config struct {
	URL         string  `yaml:"url"`
	RefreshItem string  `yaml:"refresh_item"`
	Version     float64 `yaml:"version"`
	Token       string  `yaml:"token"`
	Transport   string  `yaml:"transport"`
}

// Validate reports every missing or invalid field.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.URL) == "" {
		errs = append(errs, ErrMissingURL)
	}
	if strings.TrimSpace(c.RefreshItem) == "" {
		errs = append(errs, ErrMissingRefreshItem)
	}
	switch c.Transport {
	case "", TransportSSE, TransportWebSocket:
	default:
		errs = append(errs, ErrUnknownTransport)
	}
	return errors.Join(errs...)
}

// authenticated reports whether the configured version supports tokens.
func (c Config) authenticated() bool {
	return c.Version >= AuthVersion
}

// bearer returns the token to send, empty when the version predates auth.
func (c Config) bearer() string {
	if !c.authenticated() {
		return ""
	}
	return c.Token
}

// itemPrefix is the topic prefix command events carry for items.
func (c Config) itemPrefix() string {
	if c.authenticated() {
		return "openhab/items/"
	}
	return "smarthome/items/"
}
