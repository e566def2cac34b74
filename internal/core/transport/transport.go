// Package transport provides the hub event feed: the Stream and Dialer
// abstractions plus server-sent events and WebSocket implementations.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Event is one record pushed by the hub event feed.
type Event struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload string `json:"payload,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Stream is an open subscription to the hub event feed.
type Stream interface {
	// Recv blocks until the next event arrives, the stream ends or ctx is
	// cancelled. A malformed record yields a *DecodeError; the stream stays
	// usable.
	Recv(ctx context.Context) (*Event, error)
	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}

// Dialer opens event streams.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// ErrTimeout is returned when the hub does not answer in time.
var ErrTimeout = errors.New("transport: timed out")

// StatusError reports an unsuccessful HTTP status from the hub.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s: HTTP %d", e.URL, e.Code)
}

// DecodeError reports a record that could not be decoded.
type DecodeError struct {
	Data string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("transport: decode event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Failure kinds reported by Classify.
const (
	FailureOther   = "other"
	FailureTimeout = "timeout"
	FailureRefused = "refused"
	FailureStatus  = "status"
)

// Classify names the kind of transport failure err represents.
func Classify(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return FailureStatus
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureRefused
	}
	return FailureOther
}

func decodeEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, &DecodeError{Data: string(data), Err: err}
	}
	return &evt, nil
}
