// Package mqtt implements a connection to an MQTT broker. Sensor values are
// published below a root topic, actuators subscribe to command topics below
// the same root, and a refresh topic lets the broker side ask for every sensor
// to be republished. Registered sensors and actuators can be announced to Home
// Assistant through MQTT discovery.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/trymwestin/sensorbridge/internal/core/connection"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

const (
	defaultRootTopic       = "sensor_reporter"
	defaultRefreshTopic    = "refresh"
	defaultDiscoveryPrefix = "homeassistant"
	defaultDeviceName      = "sensorbridge"

	statusTopic    = "status"
	qos            = 1
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

var ErrMissingBroker = errors.New("mqtt: broker is required")

// Config holds MQTT connection configuration.
type Config struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	RootTopic       string `yaml:"root_topic"`
	RefreshTopic    string `yaml:"refresh_topic"`
	Discovery       bool   `yaml:"discovery"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.Broker == "" {
		return ErrMissingBroker
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "sensorbridge-" + uuid.NewString()
	}
	if c.RootTopic == "" {
		c.RootTopic = defaultRootTopic
	}
	c.RootTopic = strings.Trim(c.RootTopic, "/")
	if c.RefreshTopic == "" {
		c.RefreshTopic = defaultRefreshTopic
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = defaultDiscoveryPrefix
	}
	if c.DeviceName == "" {
		c.DeviceName = defaultDeviceName
	}
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// client is the part of pahomqtt.Client the connection uses.
type client interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
}

// Option customizes a Connection.
type Option func(*Connection)

// withClientFactory replaces the paho client constructor.
func withClientFactory(f func(*pahomqtt.ClientOptions) client) Option {
	return func(c *Connection) { c.newClient = f }
}

// entity is one registered sensor output or actuator, announced through
// Home Assistant discovery.
type entity struct {
	component    string
	objectID     string
	stateTopic   string
	commandTopic string
}

// Connection is the MQTT connection.
type Connection struct {
	*connection.Base

	cfg       Config
	newClient func(*pahomqtt.ClientOptions) client
	client    client

	mu       sync.Mutex
	subs     map[string]pahomqtt.MessageHandler
	entities map[string]entity
	closed   bool
}

var (
	_ connection.Connection     = (*Connection)(nil)
	_ connection.StatusReporter = (*Connection)(nil)
)

// New connects to the broker. A broker that is down is retried in the
// background; only a rejected connection is returned as an error.
func New(cfg Config, control connection.Handler, log *slog.Logger, opts ...Option) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	c := &Connection{
		Base:     connection.NewBase(control, log),
		cfg:      cfg,
		subs:     make(map[string]pahomqtt.MessageHandler),
		entities: make(map[string]entity),
		newClient: func(o *pahomqtt.ClientOptions) client {
			return pahomqtt.NewClient(o)
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	if control != nil {
		c.subs[c.topic(cfg.RefreshTopic)] = func(_ pahomqtt.Client, msg pahomqtt.Message) {
			c.Log().Info("refresh requested", "topic", msg.Topic())
			control(string(msg.Payload()))
		}
	}

	availTopic := c.topic(statusTopic)
	o := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", qos, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			c.Log().Info("MQTT connected", "broker", cfg.Broker)
			c.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.Log().Warn("MQTT connection lost", "error", err)
		})

	c.Log().Info("connecting to MQTT broker", "broker", cfg.Broker, "client_id", cfg.ClientID)
	c.client = c.newClient(o)

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.Log().Warn("MQTT broker not reachable yet, retrying in the background", "broker", cfg.Broker)
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	return c, nil
}

// onConnect runs on every (re)connect. The session is clean, so every
// subscription is renewed here.
func (c *Connection) onConnect() {
	c.publish(c.topic(statusTopic), "online", true)

	c.mu.Lock()
	subs := make(map[string]pahomqtt.MessageHandler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()

	for t, h := range subs {
		c.subscribe(t, h)
	}

	if c.cfg.Discovery {
		c.publishDiscovery()
	}
}

// Register subscribes handler to root_topic/command_src. A nil handler marks
// the comm block as a sensor output; it is only used for discovery.
func (c *Connection) Register(comm connection.CommConfig, handler connection.Handler) {
	if handler == nil {
		c.addSensor(comm)
		return
	}

	src, ok := comm.Lookup(connection.KeyCommandSrc)
	if !ok {
		c.Log().Warn("cannot register handler, no command topic configured")
		return
	}
	c.Base.Register(comm, handler)

	t := c.topic(src)
	h := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.Log().Info("received command", "topic", msg.Topic(), "payload", string(msg.Payload()))
		handler(string(msg.Payload()))
	}

	e := entity{component: "switch", objectID: objectID(src), commandTopic: t}
	if dest, ok := comm.Lookup(connection.KeyStateDest); ok {
		e.stateTopic = c.topic(dest)
	}

	c.mu.Lock()
	c.subs[t] = h
	c.entities[e.objectID] = e
	c.mu.Unlock()

	if c.client != nil && c.client.IsConnected() {
		c.subscribe(t, h)
	}
}

func (c *Connection) addSensor(comm connection.CommConfig) {
	blocks := []connection.CommConfig{comm}
	for _, ch := range comm.Channels() {
		blocks = append(blocks, comm.Resolve(ch))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range blocks {
		dest, ok := b.Lookup(connection.KeyStateDest)
		if !ok {
			continue
		}
		e := entity{component: "sensor", objectID: objectID(dest), stateTopic: c.topic(dest)}
		c.entities[e.objectID] = e
	}
}

// Publish sends message to root_topic/state_dest, retained when the comm block
// sets retain.
func (c *Connection) Publish(_ context.Context, message string, comm connection.CommConfig, channel string) {
	comm = comm.Resolve(channel)
	dest, ok := comm.Lookup(connection.KeyStateDest)
	if !ok {
		return
	}
	c.publish(c.topic(dest), message, comm.Bool(connection.KeyRetain))
}

// Disconnect publishes the offline status and closes the client.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Log().Info("disconnecting from the MQTT broker")
	if c.client == nil {
		return
	}
	c.publish(c.topic(statusTopic), "offline", true)
	c.client.Disconnect(250)
}

// AnnounceCapabilities publishes Home Assistant discovery configs for every
// registered sensor output and actuator when discovery is enabled.
func (c *Connection) AnnounceCapabilities() {
	if !c.cfg.Discovery {
		return
	}
	c.publishDiscovery()
}

// Status implements connection.StatusReporter.
func (c *Connection) Status() connection.Status {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	st := connection.Status{Type: "mqtt", Destinations: c.Registry().Destinations()}
	switch {
	case closed:
		st.State = "closed"
	case c.client != nil && c.client.IsConnected():
		st.State = "connected"
	default:
		st.State = "disconnected"
	}
	return st
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

func (c *Connection) deviceInfo() map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{c.cfg.ClientID},
		"name":         c.cfg.DeviceName,
		"manufacturer": "sensorbridge",
	}
}

// discoveryTopic builds the HA auto-discovery topic.
func (c *Connection) discoveryTopic(component, id string) string {
	return fmt.Sprintf("%s/%s/%s_%s/config", c.cfg.DiscoveryPrefix, component, objectID(c.cfg.RootTopic), id)
}

func (c *Connection) publishDiscovery() {
	c.mu.Lock()
	entities := make([]entity, 0, len(c.entities))
	for _, e := range c.entities {
		entities = append(entities, e)
	}
	c.mu.Unlock()
	sort.Slice(entities, func(i, j int) bool { return entities[i].objectID < entities[j].objectID })

	dev := c.deviceInfo()
	avail := map[string]interface{}{"topic": c.topic(statusTopic)}
	for _, e := range entities {
		payload := map[string]interface{}{
			"name":         e.objectID,
			"unique_id":    fmt.Sprintf("%s_%s", objectID(c.cfg.RootTopic), e.objectID),
			"device":       dev,
			"availability": avail,
		}
		if e.stateTopic != "" {
			payload["state_topic"] = e.stateTopic
		}
		if e.commandTopic != "" {
			payload["command_topic"] = e.commandTopic
			payload["payload_on"] = "ON"
			payload["payload_off"] = "OFF"
		}
		c.publishDiscoveryConfig(e.component, e.objectID, payload)
	}
}

func (c *Connection) publishDiscoveryConfig(component, id string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.Log().Error("failed to marshal discovery config", "component", component, "object_id", id, "error", err)
		return
	}
	c.publish(c.discoveryTopic(component, id), string(data), true)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {root_topic}/{suffix}.
func (c *Connection) topic(suffix string) string {
	return c.cfg.RootTopic + "/" + strings.TrimLeft(suffix, "/")
}

func (c *Connection) subscribe(topic string, h pahomqtt.MessageHandler) {
	token := c.client.Subscribe(topic, qos, h)
	if !token.WaitTimeout(publishTimeout) {
		c.Log().Error("timed out subscribing", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		c.Log().Error("failed to subscribe", "topic", topic, "error", err)
		return
	}
	c.Log().Debug("subscribed", "topic", topic)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (c *Connection) publish(topic, payload string, retained bool) {
	if c.client == nil || !c.client.IsConnected() {
		c.Log().Warn("not connected to the MQTT broker, dropping message", "topic", topic)
		return
	}
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		c.Log().Error("mqtt publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		c.Log().Error("mqtt publish failed", "topic", topic, "error", err)
		return
	}
	c.Log().Debug("published message", "topic", topic, "payload", payload, "retained", retained)
}

var objectIDReplacer = strings.NewReplacer("/", "_", " ", "_", "#", "", "+", "")

func objectID(s string) string {
	return objectIDReplacer.Replace(strings.Trim(s, "/"))
}
