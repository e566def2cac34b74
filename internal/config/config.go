package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/trymwestin/sensorbridge/internal/core/connection"
	"github.com/trymwestin/sensorbridge/internal/local"
	"github.com/trymwestin/sensorbridge/internal/mqtt"
	"github.com/trymwestin/sensorbridge/internal/openhab"
)

// Connection types.
const (
	TypeOpenHAB = "openhab_rest"
	TypeMQTT    = "mqtt"
	TypeLocal   = "local"
)

const envPrefix = "SENSORBRIDGE_"

// Config holds all application configuration.
type Config struct {
	Log         LogConfig                   `yaml:"log"`
	HTTP        HTTPConfig                  `yaml:"http"`
	Connections map[string]ConnectionConfig `yaml:"connections"`
	Sensors     []DeviceConfig              `yaml:"sensors"`
	Actuators   []DeviceConfig              `yaml:"actuators"`
}

// ConnectionConfig is one named connection. The settings of every type share
// one YAML block; Type selects which of them apply.
type ConnectionConfig struct {
	Type  string `yaml:"type"`
	Level string `yaml:"level"`

	OpenHAB openhab.Config `yaml:",inline"`
	MQTT    mqtt.Config    `yaml:",inline"`
	Local   local.Config   `yaml:",inline"`
}

// DeviceConfig binds a sensor or actuator to connections by name.
type DeviceConfig struct {
	Name        string                           `yaml:"name"`
	Connections map[string]connection.CommConfig `yaml:"connections"`
}

// HTTPConfig holds status API configuration. An empty Addr disables it.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Error lists every problem Validate found.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "config: " + strings.Join(e.Problems, "; ")
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then a .env file next to
// the working directory, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return cfg, fmt.Errorf("config: load .env: %w", err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

// loadDotEnv loads environment variables from path. Missing files are ignored
// and variables already set win.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values. Connection settings are addressed
// as SENSORBRIDGE_<CONNECTION>_<FIELD>, e.g. SENSORBRIDGE_OPENHAB_TOKEN.
func applyEnv(cfg *Config) {
	if v := os.Getenv(envPrefix + "HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv(envPrefix + "CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	for name, cc := range cfg.Connections {
		p := envPrefix + envName(name) + "_"
		if v := os.Getenv(p + "LEVEL"); v != "" {
			cc.Level = v
		}
		switch cc.Type {
		case TypeOpenHAB:
			if v := os.Getenv(p + "URL"); v != "" {
				cc.OpenHAB.URL = v
			}
			if v := os.Getenv(p + "TOKEN"); v != "" {
				cc.OpenHAB.Token = v
			}
			if v := os.Getenv(p + "VERSION"); v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					cc.OpenHAB.Version = f
				}
			}
		case TypeMQTT:
			if v := os.Getenv(p + "BROKER"); v != "" {
				cc.MQTT.Broker = v
			}
			if v := os.Getenv(p + "USERNAME"); v != "" {
				cc.MQTT.Username = v
			}
			if v := os.Getenv(p + "PASSWORD"); v != "" {
				cc.MQTT.Password = v
			}
		}
		cfg.Connections[name] = cc
	}
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

// Validate checks connection settings and that every sensor and actuator
// refers to a configured connection. It returns a *Error listing all problems.
func (c Config) Validate() error {
	var problems []string

	for _, name := range sortedKeys(c.Connections) {
		cc := c.Connections[name]
		var err error
		switch cc.Type {
		case TypeOpenHAB:
			err = cc.OpenHAB.Validate()
		case TypeMQTT:
			err = cc.MQTT.Validate()
		case TypeLocal:
		case "":
			err = errors.New("type is required")
		default:
			err = fmt.Errorf("unknown type %q", cc.Type)
		}
		if err != nil {
			for _, line := range strings.Split(err.Error(), "\n") {
				problems = append(problems, fmt.Sprintf("connection %s: %s", name, line))
			}
		}
	}

	seen := make(map[string]bool)
	check := func(kind string, devices []DeviceConfig) {
		for i, d := range devices {
			if d.Name == "" {
				problems = append(problems, fmt.Sprintf("%s[%d]: name is required", kind, i))
				continue
			}
			if seen[d.Name] {
				problems = append(problems, fmt.Sprintf("%s %s: duplicate name", kind, d.Name))
			}
			seen[d.Name] = true
			if len(d.Connections) == 0 {
				problems = append(problems, fmt.Sprintf("%s %s: no connections", kind, d.Name))
			}
			for _, conn := range sortedKeys(d.Connections) {
				if _, ok := c.Connections[conn]; !ok {
					problems = append(problems, fmt.Sprintf("%s %s: unknown connection %s", kind, d.Name, conn))
				}
			}
		}
	}
	check("sensor", c.Sensors)
	check("actuator", c.Actuators)

	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
