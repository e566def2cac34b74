// Package reporter connects sensors and actuators to the configured
// connections. Sensor readings recorded in the state store are published to
// every bound connection; commands received by an actuator are recorded and
// echoed back as the actuator's state.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/trymwestin/sensorbridge/internal/core/connection"
	"github.com/trymwestin/sensorbridge/internal/core/state"
)

// Bindings maps a connection name to the comm block for that connection.
type Bindings map[string]connection.CommConfig

var (
	ErrUnknownConnection = errors.New("reporter: unknown connection")
	ErrUnknownSensor     = errors.New("reporter: unknown sensor")
	ErrDuplicate         = errors.New("reporter: duplicate name")
)

// Reporter routes state between the store and the connections.
type Reporter struct {
	store *state.StateStore
	bus   *state.EventBus
	log   *slog.Logger

	mu        sync.RWMutex
	conns     map[string]connection.Connection
	sensors   map[string]Bindings
	actuators map[string]Bindings

	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup
}

// New creates a reporter without connections.
func New(store *state.StateStore, bus *state.EventBus, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		store:     store,
		bus:       bus,
		log:       log,
		conns:     make(map[string]connection.Connection),
		sensors:   make(map[string]Bindings),
		actuators: make(map[string]Bindings),
	}
}

// Control is the handler connections call when the hub asks for every value
// to be republished.
func (r *Reporter) Control(msg string) {
	r.log.Info("refresh requested", "message", msg)
	r.store.RequestRefresh()
}

// AddConnection makes c available to sensors and actuators under name.
func (r *Reporter) AddConnection(name string, c connection.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[name] = c
}

// Connections returns the registered connections by name.
func (r *Reporter) Connections() map[string]connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]connection.Connection, len(r.conns))
	for k, v := range r.conns {
		out[k] = v
	}
	return out
}

// AddSensor binds a sensor to connections. Each connection sees an
// output-only registration so it can announce the sensor.
func (r *Reporter) AddSensor(name string, b Bindings) error {
	conns, err := r.bind(name, b, r.sensors)
	if err != nil {
		return err
	}
	for connName, comm := range b {
		conns[connName].Register(comm, nil)
	}
	r.log.Info("sensor added", "sensor", name, "connections", names(b))
	return nil
}

// AddActuator binds an actuator to connections. Commands arriving on any of
// them are recorded in the store.
func (r *Reporter) AddActuator(name string, b Bindings) error {
	conns, err := r.bind(name, b, r.actuators)
	if err != nil {
		return err
	}
	for connName, comm := range b {
		conns[connName].Register(comm, func(msg string) {
			r.store.RecordCommand(name, msg)
		})
	}
	r.log.Info("actuator added", "actuator", name, "connections", names(b))
	return nil
}

func (r *Reporter) bind(name string, b Bindings, into map[string]Bindings) (map[string]connection.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sensors[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	if _, ok := r.actuators[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	conns := make(map[string]connection.Connection, len(b))
	for connName := range b {
		c, ok := r.conns[connName]
		if !ok {
			return nil, fmt.Errorf("%w: %s (used by %s)", ErrUnknownConnection, connName, name)
		}
		conns[connName] = c
	}
	into[name] = b
	return conns, nil
}

// Report records a sensor value. Publishing happens on the reporter loop.
func (r *Reporter) Report(sensor, channel, value string) error {
	r.mu.RLock()
	_, ok := r.sensors[sensor]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSensor, sensor)
	}
	r.store.Update(sensor, channel, value)
	return nil
}

// Sensors returns the bound sensor names.
func (r *Reporter) Sensors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sensors))
	for k := range r.sensors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Start subscribes to the event bus and publishes until Stop.
func (r *Reporter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	evtCh, unsub := r.bus.Subscribe(128)
	r.unsub = unsub

	r.wg.Add(1)
	go r.eventLoop(ctx, evtCh)

	r.log.Info("reporter started")
	return nil
}

// Stop ends the event loop. Connections are left to the caller.
func (r *Reporter) Stop(_ context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.unsub != nil {
		r.unsub()
	}
	r.wg.Wait()
	r.log.Info("reporter stopped")
	return nil
}

func (r *Reporter) eventLoop(ctx context.Context, ch <-chan state.Event) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			r.handleEvent(ctx, evt)
		}
	}
}

func (r *Reporter) handleEvent(ctx context.Context, evt state.Event) {
	switch evt.Type {
	case state.EventReading:
		rd, ok := evt.Data.(state.Reading)
		if !ok {
			r.log.Warn("unexpected data type for reading")
			return
		}
		r.publishReading(ctx, rd)

	case state.EventCommand:
		cmd, ok := evt.Data.(state.Command)
		if !ok {
			r.log.Warn("unexpected data type for command")
			return
		}
		r.publishCommand(ctx, cmd)

	case state.EventRefresh:
		for _, rd := range r.store.Readings() {
			r.publishReading(ctx, rd)
		}
		for _, cmd := range r.store.Commands() {
			r.publishCommand(ctx, cmd)
		}
	}
}

func (r *Reporter) publishReading(ctx context.Context, rd state.Reading) {
	r.publish(ctx, r.sensors, rd.Sensor, rd.Value, rd.Channel)
}

// publishCommand reports the actuator's new state on every connection it is
// bound to.
func (r *Reporter) publishCommand(ctx context.Context, cmd state.Command) {
	r.publish(ctx, r.actuators, cmd.Actuator, cmd.Value, "")
}

func (r *Reporter) publish(ctx context.Context, from map[string]Bindings, name, value, channel string) {
	r.mu.RLock()
	b := from[name]
	targets := make(map[string]connection.Connection, len(b))
	for connName := range b {
		targets[connName] = r.conns[connName]
	}
	r.mu.RUnlock()

	for _, connName := range names(b) {
		targets[connName].Publish(ctx, value, b[connName], channel)
	}
}

func names(b Bindings) []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
