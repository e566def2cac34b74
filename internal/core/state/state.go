package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Reading is the last value a sensor reported on one output channel. The
// default output has an empty Channel.
type Reading struct {
	Sensor    string    `json:"sensor"`
	Channel   string    `json:"channel,omitempty"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Command is the last command an actuator received from any connection.
type Command struct {
	Actuator   string    `json:"actuator"`
	Value      string    `json:"value"`
	ReceivedAt time.Time `json:"received_at"`
}

// State is a snapshot of everything the store knows.
type State struct {
	Readings []Reading `json:"readings"`
	Commands []Command `json:"commands"`
}

// EventType identifies event categories.
type EventType string

const (
	EventReading EventType = "reading"
	EventCommand EventType = "command"
	EventRefresh EventType = "refresh"
)

// Event represents a state change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// StateReader provides read-only access to state.
type StateReader interface {
	Snapshot() State
	Reading(sensor, channel string) (Reading, bool)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers. A subscriber whose buffer is full
// misses the event.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed by unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// --- StateStore ---

type readingKey struct {
	sensor  string
	channel string
}

// StateStore holds the last sensor readings and actuator commands with
// thread-safe access. Every change is published on the bus.
type StateStore struct {
	mu       sync.RWMutex
	readings map[readingKey]Reading
	commands map[string]Command
	bus      *EventBus
	log      *slog.Logger
}

var _ StateReader = (*StateStore)(nil)

// NewStateStore creates a new store wired to the event bus.
func NewStateStore(bus *EventBus, log *slog.Logger) *StateStore {
	if log == nil {
		log = slog.Default()
	}
	return &StateStore{
		readings: make(map[readingKey]Reading),
		commands: make(map[string]Command),
		bus:      bus,
		log:      log,
	}
}

// Snapshot returns a copy of all state ordered by sensor and actuator name.
func (s *StateStore) Snapshot() State {
	return State{Readings: s.Readings(), Commands: s.Commands()}
}

// Reading returns the last value of one sensor output.
func (s *StateStore) Reading(sensor, channel string) (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readings[readingKey{sensor, channel}]
	return r, ok
}

// Readings returns every stored reading.
func (s *StateStore) Readings() []Reading {
	s.mu.RLock()
	out := make([]Reading, 0, len(s.readings))
	for _, r := range s.readings {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Sensor != out[j].Sensor {
			return out[i].Sensor < out[j].Sensor
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// Commands returns the last command of every actuator.
func (s *StateStore) Commands() []Command {
	s.mu.RLock()
	out := make([]Command, 0, len(s.commands))
	for _, c := range s.commands {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Actuator < out[j].Actuator })
	return out
}

// Update records a sensor value and publishes an EventReading.
func (s *StateStore) Update(sensor, channel, value string) Reading {
	r := Reading{Sensor: sensor, Channel: channel, Value: value, UpdatedAt: time.Now()}

	s.mu.Lock()
	s.readings[readingKey{sensor, channel}] = r
	s.mu.Unlock()

	s.log.Debug("sensor reading updated", "sensor", sensor, "channel", channel, "value", value)
	s.bus.Publish(Event{Type: EventReading, Timestamp: r.UpdatedAt, Data: r})
	return r
}

// RecordCommand records an actuator command and publishes an EventCommand.
func (s *StateStore) RecordCommand(actuator, value string) Command {
	c := Command{Actuator: actuator, Value: value, ReceivedAt: time.Now()}

	s.mu.Lock()
	s.commands[actuator] = c
	s.mu.Unlock()

	s.log.Debug("actuator command recorded", "actuator", actuator, "value", value)
	s.bus.Publish(Event{Type: EventCommand, Timestamp: c.ReceivedAt, Data: c})
	return c
}

// RequestRefresh asks subscribers to republish everything the store holds.
func (s *StateStore) RequestRefresh() {
	s.bus.Publish(Event{Type: EventRefresh})
}
