package connection

import (
	"fmt"
	"strconv"
)

// CommConfig is the per-target block a sensor or actuator carries for one
// connection, as decoded from YAML. Nested maps are output channels.
type CommConfig map[string]any

// Resolve returns the nested block for channel when it exists, otherwise c.
func (c CommConfig) Resolve(channel string) CommConfig {
	if channel == "" {
		return c
	}
	switch v := c[channel].(type) {
	case CommConfig:
		return v
	case map[string]any:
		return CommConfig(v)
	}
	return c
}

// Lookup returns the first non-empty value found under keys, rendered as a
// string.
func (c CommConfig) Lookup(keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := c[k]
		if !ok || v == nil {
			continue
		}
		s := stringify(v)
		if s != "" {
			return s, true
		}
	}
	return "", false
}

// Bool reads a boolean flag, accepting YAML booleans and strings.
func (c CommConfig) Bool(key string) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Channels returns the names of the nested channel blocks.
func (c CommConfig) Channels() []string {
	var out []string
	for k, v := range c {
		switch v.(type) {
		case CommConfig, map[string]any:
			out = append(out, k)
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
