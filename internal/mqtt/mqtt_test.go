package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/sensorbridge/internal/core/connection"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// doneToken is an already completed pahomqtt.Token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	Topic    string
	Payload  string
	Retained bool
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return qos }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeClient records traffic and calls the configured OnConnect on Connect.
type fakeClient struct {
	opts       *pahomqtt.ClientOptions
	connectErr error

	mu           sync.Mutex
	connected    bool
	published    []published
	subs         map[string]pahomqtt.MessageHandler
	disconnected bool
}

func (f *fakeClient) Connect() pahomqtt.Token {
	if f.connectErr != nil {
		return doneToken{err: f.connectErr}
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.opts.OnConnect != nil {
		f.opts.OnConnect(nil)
	}
	return doneToken{}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{Topic: topic, Payload: payload.(string), Retained: retained})
	return doneToken{}
}

func (f *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string]pahomqtt.MessageHandler)
	}
	f.subs[topic] = cb
	return doneToken{}
}

func (f *fakeClient) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	f.mu.Lock()
	cb, ok := f.subs[topic]
	f.mu.Unlock()
	require.True(t, ok, "no subscription for %s", topic)
	cb(nil, fakeMessage{topic: topic, payload: []byte(payload)})
}

func (f *fakeClient) messages(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func newTestConnection(t *testing.T, cfg Config, control connection.Handler) (*Connection, *fakeClient) {
	t.Helper()
	fc := &fakeClient{}
	c, err := New(cfg, control, discardLogger(), withClientFactory(func(o *pahomqtt.ClientOptions) client {
		fc.opts = o
		return fc
	}))
	require.NoError(t, err)
	return c, fc
}

func TestNew_RequiresBroker(t *testing.T) {
	_, err := New(Config{}, nil, discardLogger())
	assert.ErrorIs(t, err, ErrMissingBroker)
}

func TestNew_ConnectError(t *testing.T) {
	_, err := New(Config{Broker: "tcp://broker:1883"}, nil, discardLogger(),
		withClientFactory(func(*pahomqtt.ClientOptions) client {
			return &fakeClient{connectErr: errors.New("not authorized")}
		}))
	assert.ErrorContains(t, err, "not authorized")
}

func TestNew_OptionsAndOnlineStatus(t *testing.T) {
	c, fc := newTestConnection(t, Config{Broker: "tcp://broker:1883", ClientID: "bridge", RootTopic: "/home/"}, nil)

	assert.Equal(t, "bridge", fc.opts.ClientID)
	assert.Equal(t, "home/status", fc.opts.WillTopic)
	assert.Equal(t, []byte("offline"), fc.opts.WillPayload)
	assert.True(t, fc.opts.WillRetained)
	assert.Equal(t, []published{{Topic: "home/status", Payload: "online", Retained: true}}, fc.messages("home/status"))
	assert.Equal(t, "connected", c.Status().State)
}

func TestPublish(t *testing.T) {
	c, fc := newTestConnection(t, Config{Broker: "tcp://b:1883", RootTopic: "sr"}, nil)

	comm := connection.CommConfig{
		connection.KeyStateDest: "temp",
		"humidity":              map[string]any{connection.KeyStateDest: "hum", connection.KeyRetain: true},
	}
	c.Publish(context.Background(), "21.5", comm, "")
	c.Publish(context.Background(), "40", comm, "humidity")
	c.Publish(context.Background(), "x", connection.CommConfig{}, "")

	assert.Equal(t, []published{{Topic: "sr/temp", Payload: "21.5"}}, fc.messages("sr/temp"))
	assert.Equal(t, []published{{Topic: "sr/hum", Payload: "40", Retained: true}}, fc.messages("sr/hum"))
}

func TestPublish_NotConnectedIsDropped(t *testing.T) {
	c, fc := newTestConnection(t, Config{Broker: "tcp://b:1883", RootTopic: "sr"}, nil)
	fc.Disconnect(0)

	c.Publish(context.Background(), "1", connection.CommConfig{connection.KeyStateDest: "temp"}, "")

	assert.Empty(t, fc.messages("sr/temp"))
}

func TestRegister_CommandAndResubscribe(t *testing.T) {
	c, fc := newTestConnection(t, Config{Broker: "tcp://b:1883", RootTopic: "sr"}, nil)

	var got []string
	c.Register(connection.CommConfig{connection.KeyCommandSrc: "light/set"}, func(msg string) { got = append(got, msg) })
	fc.deliver(t, "sr/light/set", "ON")
	assert.Equal(t, []string{"ON"}, got)
	assert.Equal(t, []string{"light/set"}, c.Status().Destinations)

	// A reconnect starts a clean session; subscriptions are renewed.
	fc.mu.Lock()
	fc.subs = nil
	fc.mu.Unlock()
	fc.opts.OnConnect(nil)
	fc.deliver(t, "sr/light/set", "OFF")
	assert.Equal(t, []string{"ON", "OFF"}, got)
}

func TestRegister_MissingCommandSrc(t *testing.T) {
	c, fc := newTestConnection(t, Config{Broker: "tcp://b:1883"}, nil)

	c.Register(connection.CommConfig{"item": "x"}, func(string) {})

	assert.Empty(t, fc.subs)
	assert.Empty(t, c.Status().Destinations)
}

func TestRefreshTopicCallsControl(t *testing.T) {
	var got []string
	_, fc := newTestConnection(t, Config{Broker: "tcp://b:1883", RootTopic: "sr"}, func(msg string) { got = append(got, msg) })

	fc.deliver(t, "sr/refresh", "now")

	assert.Equal(t, []string{"now"}, got)
}

func TestAnnounceCapabilities(t *testing.T) {
	c, fc := newTestConnection(t, Config{Broker: "tcp://b:1883", RootTopic: "sr", Discovery: true, ClientID: "bridge"}, nil)

	c.Register(connection.CommConfig{
		connection.KeyStateDest: "temp",
		"humidity":              map[string]any{connection.KeyStateDest: "hum"},
	}, nil)
	c.Register(connection.CommConfig{connection.KeyCommandSrc: "light/set", connection.KeyStateDest: "light/state"}, func(string) {})
	c.AnnounceCapabilities()

	sensor := fc.messages("homeassistant/sensor/sr_temp/config")
	require.Len(t, sensor, 1)
	assert.True(t, sensor[0].Retained)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(sensor[0].Payload), &cfg))
	assert.Equal(t, "sr/temp", cfg["state_topic"])
	assert.Equal(t, "sr_temp", cfg["unique_id"])
	assert.Equal(t, map[string]any{"topic": "sr/status"}, cfg["availability"])

	assert.Len(t, fc.messages("homeassistant/sensor/sr_hum/config"), 1)

	sw := fc.messages("homeassistant/switch/sr_light_set/config")
	require.Len(t, sw, 1)
	require.NoError(t, json.Unmarshal([]byte(sw[0].Payload), &cfg))
	assert.Equal(t, "sr/light/set", cfg["command_topic"])
	assert.Equal(t, "sr/light/state", cfg["state_topic"])
}

func TestAnnounceCapabilities_Disabled(t *testing.T) {
	c, fc := newTestConnection(t, Config{Broker: "tcp://b:1883", RootTopic: "sr"}, nil)
	c.Register(connection.CommConfig{connection.KeyStateDest: "temp"}, nil)

	c.AnnounceCapabilities()

	assert.Empty(t, fc.messages("homeassistant/sensor/sr_temp/config"))
}

func TestDisconnect(t *testing.T) {
	c, fc := newTestConnection(t, Config{Broker: "tcp://b:1883", RootTopic: "sr"}, nil)

	c.Disconnect()
	c.Disconnect()

	status := fc.messages("sr/status")
	require.Len(t, status, 2)
	assert.Equal(t, "offline", status[1].Payload)
	assert.True(t, fc.disconnected)
	assert.Equal(t, "closed", c.Status().State)
}
