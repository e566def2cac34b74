package openhab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trymwestin/sensorbridge/internal/core/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordedPut is one state write received by fakeHub.
type recordedPut struct {
	Item   string
	Body   string
	Header http.Header
}

// fakeHub serves the two openHAB endpoints the connector uses.
type fakeHub struct {
	srv *httptest.Server

	events    chan string
	puts      chan recordedPut
	putStatus atomic.Int32
	connects  atomic.Int32

	mu          sync.Mutex
	eventHeader http.Header
	replies     map[string]putReply
}

// putReply overrides the answer to state writes for one item.
type putReply struct {
	delay  time.Duration
	status int
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{
		events: make(chan string, 16),
		puts:   make(chan recordedPut, 16),
	}
	h.putStatus.Store(http.StatusAccepted)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/events", h.serveEvents)
	mux.HandleFunc("PUT /rest/items/{item}/state", h.servePut)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) URL() string { return h.srv.URL }

func (h *fakeHub) serveEvents(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.eventHeader = r.Header.Clone()
	h.mu.Unlock()
	h.connects.Add(1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-h.events:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *fakeHub) servePut(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	item := r.PathValue("item")
	h.puts <- recordedPut{Item: item, Body: string(body), Header: r.Header.Clone()}

	h.mu.Lock()
	reply, ok := h.replies[item]
	h.mu.Unlock()
	if !ok {
		w.WriteHeader(int(h.putStatus.Load()))
		return
	}
	time.Sleep(reply.delay)
	w.WriteHeader(reply.status)
}

func (h *fakeHub) reply(item string, delay time.Duration, status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.replies == nil {
		h.replies = make(map[string]putReply)
	}
	h.replies[item] = putReply{delay: delay, status: status}
}

func (h *fakeHub) lastEventHeader() http.Header {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eventHeader
}

func (h *fakeHub) send(data string) { h.events <- data }

// fakeDialer hands out fakeStreams, or errors while failNext is positive.
type fakeDialer struct {
	mu       sync.Mutex
	streams  []*fakeStream
	failNext int
	dials    atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Stream, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext > 0 {
		d.failNext--
		return nil, fmt.Errorf("transport: dial: %w", transport.ErrTimeout)
	}
	s := &fakeStream{items: make(chan any, 16), closed: make(chan struct{})}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.streams) {
		return nil
	}
	return d.streams[i]
}

// fakeStream yields queued events or errors; closing items ends the stream.
type fakeStream struct {
	items     chan any
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeStream) Recv(ctx context.Context) (*transport.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("use of closed stream")
	case item, ok := <-s.items:
		if !ok {
			return nil, io.EOF
		}
		switch v := item.(type) {
		case *transport.Event:
			return v, nil
		case error:
			return nil, v
		}
		return nil, fmt.Errorf("unexpected item %T", item)
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func commandEvent(topic, value string) *transport.Event {
	return &transport.Event{
		Type:    commandEventType,
		Topic:   topic,
		Payload: fmt.Sprintf(`{"type":"OnOff","value":%q}`, value),
	}
}
