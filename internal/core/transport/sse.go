package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultConnectTimeout bounds the wait for the event feed response headers.
	DefaultConnectTimeout = 10 * time.Second
	// MaxEventSize bounds a single line and the joined data of one event.
	MaxEventSize = 1 << 20
)

// ErrEventTooLarge ends a stream whose hub sent more than MaxEventSize bytes
// without completing a line or an event.
var ErrEventTooLarge = errors.New("transport: event exceeds size limit")

// SSEDialer subscribes to the hub's server-sent event feed over HTTP.
type SSEDialer struct {
	url            string
	token          string
	client         *http.Client
	connectTimeout time.Duration
	log            *slog.Logger
}

// NewSSEDialer creates a dialer for the feed at url. A non-empty token is sent
// as a bearer Authorization header. client must not carry an overall Timeout,
// the response body stays open for the life of the stream.
func NewSSEDialer(url, token string, client *http.Client, log *slog.Logger) *SSEDialer {
	if client == nil {
		client = &http.Client{}
	}
	return &SSEDialer{
		url:            url,
		token:          token,
		client:         client,
		connectTimeout: DefaultConnectTimeout,
		log:            log,
	}
}

// SetConnectTimeout overrides DefaultConnectTimeout.
func (d *SSEDialer) SetConnectTimeout(t time.Duration) {
	d.connectTimeout = t
}

// Dial opens the feed. The stream lives until ctx is cancelled or Close is
// called.
func (d *SSEDialer) Dial(ctx context.Context) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, d.url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: build request %s: %w", d.url, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	d.log.Debug("opening event stream", "url", d.url, "auth", d.token != "")

	timedOut := make(chan struct{})
	timer := time.AfterFunc(d.connectTimeout, func() {
		close(timedOut)
		cancel()
	})

	resp, err := d.client.Do(req)
	if !timer.Stop() {
		<-timedOut
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("transport: dial %s: %w", d.url, ErrTimeout)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: dial %s: %w", d.url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, &StatusError{URL: d.url, Code: resp.StatusCode}
	}

	return newSSEStream(resp.Body, cancel), nil
}

// sseStream decodes text/event-stream framing: data lines are joined with a
// newline and the event is dispatched on a blank line.
type sseStream struct {
	body   io.ReadCloser
	sc     *bufio.Scanner
	cancel context.CancelFunc
	once   sync.Once
}

func newSSEStream(body io.ReadCloser, cancel context.CancelFunc) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 4096), MaxEventSize)
	return &sseStream{body: body, sc: sc, cancel: cancel}
}

func (s *sseStream) Recv(ctx context.Context) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.next()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return decodeEvent(data)
}

func (s *sseStream) next() ([]byte, error) {
	var data bytes.Buffer
	hasData := false

	for {
		if !s.sc.Scan() {
			err := s.sc.Err()
			switch {
			case err == nil:
				// An event not closed by a blank line is incomplete, drop it.
				return nil, io.EOF
			case errors.Is(err, bufio.ErrTooLong):
				return nil, ErrEventTooLarge
			default:
				return nil, fmt.Errorf("transport: read stream: %w", err)
			}
		}
		line := s.sc.Text()

		if line == "" {
			if hasData {
				return data.Bytes(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field != "data" {
			// event, id and retry carry nothing the hub feed needs.
			continue
		}
		if data.Len()+len(value)+1 > MaxEventSize {
			return nil, ErrEventTooLarge
		}
		if hasData {
			data.WriteByte('\n')
		}
		data.WriteString(value)
		hasData = true
	}
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
