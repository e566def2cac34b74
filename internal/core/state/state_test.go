package state

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(discardLogger())
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubA()
	defer unsubB()

	bus.Publish(Event{Type: EventRefresh})

	evtA := recv(t, a)
	evtB := recv(t, b)
	assert.Equal(t, EventRefresh, evtA.Type)
	assert.Equal(t, EventRefresh, evtB.Type)
	assert.False(t, evtA.Timestamp.IsZero())
}

func TestEventBus_FullBufferDrops(t *testing.T) {
	bus := NewEventBus(discardLogger())
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventReading})
	bus.Publish(Event{Type: EventCommand})

	assert.Equal(t, EventReading, recv(t, ch).Type)
	assert.Empty(t, ch)
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(discardLogger())
	ch, unsub := bus.Subscribe(1)

	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { bus.Publish(Event{Type: EventRefresh}) })
}

func TestStateStore_Update(t *testing.T) {
	bus := NewEventBus(discardLogger())
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	store := NewStateStore(bus, discardLogger())

	store.Update("temp", "", "21.5")

	evt := recv(t, ch)
	require.Equal(t, EventReading, evt.Type)
	r, ok := evt.Data.(Reading)
	require.True(t, ok)
	assert.Equal(t, "temp", r.Sensor)
	assert.Equal(t, "21.5", r.Value)

	got, ok := store.Reading("temp", "")
	require.True(t, ok)
	assert.Equal(t, "21.5", got.Value)

	_, ok = store.Reading("temp", "humidity")
	assert.False(t, ok)
}

func TestStateStore_SnapshotIsOrdered(t *testing.T) {
	store := NewStateStore(NewEventBus(discardLogger()), discardLogger())

	store.Update("b", "", "2")
	store.Update("a", "y", "1")
	store.Update("a", "x", "0")
	store.RecordCommand("light", "ON")
	store.RecordCommand("fan", "OFF")
	store.RecordCommand("light", "OFF")

	snap := store.Snapshot()
	require.Len(t, snap.Readings, 3)
	assert.Equal(t, []string{"a/x", "a/y", "b/"}, []string{
		snap.Readings[0].Sensor + "/" + snap.Readings[0].Channel,
		snap.Readings[1].Sensor + "/" + snap.Readings[1].Channel,
		snap.Readings[2].Sensor + "/" + snap.Readings[2].Channel,
	})
	require.Len(t, snap.Commands, 2)
	assert.Equal(t, "fan", snap.Commands[0].Actuator)
	assert.Equal(t, "OFF", snap.Commands[1].Value)
}

func TestStateStore_RequestRefresh(t *testing.T) {
	bus := NewEventBus(discardLogger())
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	NewStateStore(bus, discardLogger()).RequestRefresh()

	assert.Equal(t, EventRefresh, recv(t, ch).Type)
}
