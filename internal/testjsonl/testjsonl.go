// Package testjsonl provides shared JSONL fixture builders for
// session event test data. Used by the ingest and cmd packages.
package testjsonl

import (
	"encoding/json"
	"maps"
	"strings"
)

// Fixture defaults, matching the crash-free fixture used across
// the tests.
const (
	DefaultOrg        = 10
	DefaultProject    = 1
	DefaultDistinctID = "39887d89-13b2-4c84-8c23-5d13d2102666"
)

// Event is one session event line under construction.
type Event map[string]any

// NewEvent returns a prod event with every field set. started is
// in unix seconds and is reused for received.
func NewEvent(
	sessionID, release, status string, started int64,
) Event {
	return Event{
		"session_id":     sessionID,
		"distinct_id":    DefaultDistinctID,
		"status":         status,
		"seq":            0,
		"release":        release,
		"environment":    "prod",
		"retention_days": 90,
		"org_id":         DefaultOrg,
		"project_id":     DefaultProject,
		"duration":       nil,
		"errors":         0,
		"started":        started,
		"received":       started,
	}
}

// With returns a copy of e with key set to v.
func (e Event) With(key string, v any) Event {
	out := maps.Clone(e)
	out[key] = v
	return out
}

// Without returns a copy of e without key.
func (e Event) Without(key string) Event {
	out := maps.Clone(e)
	delete(out, key)
	return out
}

// JSON returns the event as a single JSON line.
func (e Event) JSON() string {
	return mustMarshal(map[string]any(e))
}

// FixtureEvents returns the four events of the standard fixture:
// two exited sessions (one updated from ok) on foo@1.0.0 and one
// crashed session on foo@2.0.0, all started at started.
func FixtureEvents(started int64) []Event {
	return []Event{
		NewEvent("5d52fd05-fcc9-4bf3-9dc9-267783670341",
			"foo@1.0.0", "exited", started).With("duration", 60.0),
		NewEvent("5e910c1a-6941-460e-9843-24103fb6a63c",
			"foo@1.0.0", "ok", started),
		NewEvent("5e910c1a-6941-460e-9843-24103fb6a63c",
			"foo@1.0.0", "exited", started).
			With("seq", 1).With("duration", 30.0),
		NewEvent("a148c0c5-06a2-423b-8901-6b43b812cf82",
			"foo@2.0.0", "crashed", started).With("duration", 60.0),
	}
}

// JoinJSONL joins JSON lines with newlines and appends a
// trailing newline.
func JoinJSONL(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

// Builder constructs JSONL content using a fluent API.
type Builder struct {
	lines []string
}

// NewBuilder returns a new empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends event lines.
func (b *Builder) Add(events ...Event) *Builder {
	for _, e := range events {
		b.lines = append(b.lines, e.JSON())
	}
	return b
}

// AddRaw appends an arbitrary raw line.
func (b *Builder) AddRaw(line string) *Builder {
	b.lines = append(b.lines, line)
	return b
}

// String returns the JSONL content with a trailing newline.
func (b *Builder) String() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// StringNoTrailingNewline returns the JSONL content without a
// trailing newline.
func (b *Builder) StringNoTrailingNewline() string {
	return strings.Join(b.lines, "\n")
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
