package timeutil

import "time"

// InstantLayout is the wire format for instants: ISO-8601 UTC
// with an explicit +00:00 offset and second precision.
const InstantLayout = "2006-01-02T15:04:05+00:00"

// FloorTo truncates t to a multiple of width counted from the
// Unix epoch, in UTC. Widths under a second fall back to
// time.Truncate.
func FloorTo(t time.Time, width time.Duration) time.Time {
	secs := int64(width / time.Second)
	if secs <= 0 {
		return t.UTC().Truncate(width)
	}
	u := t.Unix()
	q := u / secs
	if u%secs < 0 {
		q--
	}
	return time.Unix(q*secs, 0).UTC()
}

// FloorHour truncates t to the start of its UTC hour.
func FloorHour(t time.Time) time.Time {
	return FloorTo(t, time.Hour)
}

// FormatInstant returns t in InstantLayout, or "" for the zero
// time.
func FormatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(InstantLayout)
}

// FormatPtr returns a pointer to the formatted instant, or nil
// for the zero time.
func FormatPtr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := FormatInstant(t)
	return &s
}

// ParseInstant accepts RFC3339 (any offset) and returns the
// instant in UTC.
func ParseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
