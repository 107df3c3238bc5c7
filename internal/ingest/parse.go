// Package ingest loads session events from JSONL files into the
// session store.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/wesm/releasehealth/internal/db"
	"github.com/wesm/releasehealth/internal/health"
	"github.com/wesm/releasehealth/internal/timeutil"
)

// ParseError describes a rejected input line.
type ParseError struct {
	Line int
	Err  error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e ParseError) Unwrap() error { return e.Err }

// ParseEvents decodes one session event per line. Lines that fail
// validation are reported and skipped; the returned error is
// non-nil only when reading r fails.
func ParseEvents(r io.Reader) ([]db.SessionEvent, []ParseError, error) {
	var (
		events []db.SessionEvent
		bad    []ParseError
	)
	lr := newLineReader(r, maxLineSize)
	for {
		line, n, err := lr.next()
		if errors.Is(err, io.EOF) {
			return events, bad, nil
		}
		if errors.Is(err, errLineTooLong) {
			bad = append(bad, ParseError{Line: n, Err: err})
			continue
		}
		if err != nil {
			return events, bad, fmt.Errorf("reading line %d: %w", n+1, err)
		}
		e, err := parseEvent(line)
		if err != nil {
			bad = append(bad, ParseError{Line: n, Err: err})
			continue
		}
		events = append(events, e)
	}
}

// parseEvent validates and converts one JSON object.
func parseEvent(line string) (db.SessionEvent, error) {
	if !gjson.Valid(line) {
		return db.SessionEvent{}, errors.New("invalid JSON")
	}
	root := gjson.Parse(line)
	if !root.IsObject() {
		return db.SessionEvent{}, errors.New("not a JSON object")
	}

	var e db.SessionEvent

	sid, err := uuidField(root, "session_id")
	if err != nil {
		return e, err
	}
	e.SessionID = sid

	e.DistinctID = uuid.Nil.String()
	if v := root.Get("distinct_id"); v.Exists() && v.Type != gjson.Null {
		if v.Type != gjson.String || v.Str == "" {
			return e, errors.New("distinct_id: want non-empty string")
		}
		e.DistinctID = v.Str
	}

	status := root.Get("status")
	if status.Type != gjson.String {
		return e, errors.New("status: missing")
	}
	if e.Status, err = health.ParseStatus(status.Str); err != nil {
		return e, fmt.Errorf("status: %w", err)
	}

	release := root.Get("release")
	if release.Type != gjson.String || release.Str == "" {
		return e, errors.New("release: missing")
	}
	e.Release = release.Str

	if v := root.Get("environment"); v.Exists() && v.Type != gjson.Null {
		if v.Type != gjson.String {
			return e, errors.New("environment: want string")
		}
		e.Environment = v.Str
	}

	if e.OrgID, err = requiredID(root, "org_id"); err != nil {
		return e, err
	}
	if e.ProjectID, err = requiredID(root, "project_id"); err != nil {
		return e, err
	}
	if e.Seq, err = optionalInt(root, "seq", 0); err != nil {
		return e, err
	}
	errs, err := optionalInt(root, "errors", 0)
	if err != nil {
		return e, err
	}
	e.Errors = int(errs)
	retention, err := optionalInt(root, "retention_days",
		db.DefaultRetentionDays)
	if err != nil {
		return e, err
	}
	e.RetentionDays = int(retention)

	if v := root.Get("duration"); v.Exists() && v.Type != gjson.Null {
		d := v.Float()
		if v.Type != gjson.Number || d < 0 ||
			math.IsNaN(d) || math.IsInf(d, 0) {
			return e, errors.New("duration: want non-negative number")
		}
		e.Duration = &d
	}

	if e.Started, err = timeField(root, "started"); err != nil {
		return e, err
	}
	e.Received = e.Started
	if v := root.Get("received"); v.Exists() && v.Type != gjson.Null {
		if e.Received, err = timeField(root, "received"); err != nil {
			return e, err
		}
	}
	return e, nil
}

func uuidField(root gjson.Result, name string) (string, error) {
	v := root.Get(name)
	if v.Type != gjson.String {
		return "", fmt.Errorf("%s: missing", name)
	}
	id, err := uuid.Parse(v.Str)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return id.String(), nil
}

func requiredID(root gjson.Result, name string) (int64, error) {
	v := root.Get(name)
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("%s: missing", name)
	}
	if float64(v.Int()) != v.Num || v.Int() <= 0 {
		return 0, fmt.Errorf("%s: want positive integer", name)
	}
	return v.Int(), nil
}

func optionalInt(root gjson.Result, name string, def int64) (int64, error) {
	v := root.Get(name)
	if !v.Exists() || v.Type == gjson.Null {
		return def, nil
	}
	if v.Type != gjson.Number || float64(v.Int()) != v.Num || v.Int() < 0 {
		return 0, fmt.Errorf("%s: want non-negative integer", name)
	}
	return v.Int(), nil
}

// timeField accepts unix seconds (fractions allowed) or an RFC
// 3339 string.
func timeField(root gjson.Result, name string) (time.Time, error) {
	v := root.Get(name)
	switch v.Type {
	case gjson.Number:
		sec, frac := math.Modf(v.Num)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case gjson.String:
		t, err := timeutil.ParseInstant(v.Str)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", name, err)
		}
		return t, nil
	case gjson.Null:
		if v.Exists() {
			return time.Time{}, fmt.Errorf("%s: is null", name)
		}
	}
	return time.Time{}, fmt.Errorf("%s: missing", name)
}
