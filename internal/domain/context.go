package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is the caller-supplied snapshot rules are evaluated against.
// The engine only reads it through dot paths (environment.device.type).
//
// Timestamps decode from RFC 3339 strings or from Unix milliseconds.
type Context struct {
	Timestamp   time.Time      `json:"timestamp" yaml:"timestamp"`
	Environment map[string]any `json:"environment" yaml:"environment"`
	User        map[string]any `json:"user" yaml:"user"`
	System      map[string]any `json:"system" yaml:"system"`
	History     []HistoryEntry `json:"history" yaml:"history"`
}

// HistoryEntry is a past observation carried along with the context.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Data      map[string]any `json:"data" yaml:"data"`
}

// Document renders the context as a plain nested map. Timestamps become Unix
// milliseconds so they compare as numbers.
func (c *Context) Document() map[string]any {
	if c == nil {
		return map[string]any{}
	}

	history := make([]any, 0, len(c.History))
	for _, h := range c.History {
		history = append(history, map[string]any{
			"timestamp": h.Timestamp.UnixMilli(),
			"data":      orEmpty(h.Data),
		})
	}

	var ts int64
	if !c.Timestamp.IsZero() {
		ts = c.Timestamp.UnixMilli()
	}

	return map[string]any{
		"timestamp":   ts,
		"environment": orEmpty(c.Environment),
		"user":        orEmpty(c.User),
		"system":      orEmpty(c.System),
		"history":     history,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

type contextWire struct {
	Timestamp   json.RawMessage `json:"timestamp"`
	Environment map[string]any  `json:"environment"`
	User        map[string]any  `json:"user"`
	System      map[string]any  `json:"system"`
	History     []HistoryEntry  `json:"history"`
}

// UnmarshalJSON accepts a numeric or string timestamp.
func (c *Context) UnmarshalJSON(data []byte) error {
	var w contextWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := decodeJSONTime(w.Timestamp)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*c = Context{
		Timestamp:   ts,
		Environment: w.Environment,
		User:        w.User,
		System:      w.System,
		History:     w.History,
	}
	return nil
}

type contextYAML struct {
	Timestamp   yaml.Node      `yaml:"timestamp"`
	Environment map[string]any `yaml:"environment"`
	User        map[string]any `yaml:"user"`
	System      map[string]any `yaml:"system"`
	History     []HistoryEntry `yaml:"history"`
}

// UnmarshalYAML accepts a numeric, string or YAML timestamp.
func (c *Context) UnmarshalYAML(value *yaml.Node) error {
	var w contextYAML
	if err := value.Decode(&w); err != nil {
		return err
	}
	ts, err := decodeYAMLTime(&w.Timestamp)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*c = Context{
		Timestamp:   ts,
		Environment: w.Environment,
		User:        w.User,
		System:      w.System,
		History:     w.History,
	}
	return nil
}

// UnmarshalJSON accepts a numeric or string timestamp.
func (h *HistoryEntry) UnmarshalJSON(data []byte) error {
	var w struct {
		Timestamp json.RawMessage `json:"timestamp"`
		Data      map[string]any  `json:"data"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := decodeJSONTime(w.Timestamp)
	if err != nil {
		return fmt.Errorf("history timestamp: %w", err)
	}
	*h = HistoryEntry{Timestamp: ts, Data: w.Data}
	return nil
}

// UnmarshalYAML accepts a numeric, string or YAML timestamp.
func (h *HistoryEntry) UnmarshalYAML(value *yaml.Node) error {
	var w struct {
		Timestamp yaml.Node      `yaml:"timestamp"`
		Data      map[string]any `yaml:"data"`
	}
	if err := value.Decode(&w); err != nil {
		return err
	}
	ts, err := decodeYAMLTime(&w.Timestamp)
	if err != nil {
		return fmt.Errorf("history timestamp: %w", err)
	}
	*h = HistoryEntry{Timestamp: ts, Data: w.Data}
	return nil
}

// decodeJSONTime reads null, Unix milliseconds or an RFC 3339 string.
func decodeJSONTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		return parseTime(s)
	}
	return parseMillis(string(raw))
}

func decodeYAMLTime(n *yaml.Node) (time.Time, error) {
	if n.Kind == 0 || n.ShortTag() == "!!null" {
		return time.Time{}, nil
	}
	if n.Kind != yaml.ScalarNode {
		return time.Time{}, fmt.Errorf("expected a scalar, got %s", n.ShortTag())
	}
	switch n.ShortTag() {
	case "!!int", "!!float":
		return parseMillis(n.Value)
	default:
		return parseTime(n.Value)
	}
}

func parseMillis(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid unix milliseconds %q", s)
	}
	return time.UnixMilli(0).Add(time.Duration(ms * float64(time.Millisecond))), nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	// Numeric strings are Unix milliseconds
	if t, err := parseMillis(s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
