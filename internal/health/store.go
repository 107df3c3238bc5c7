package health

import (
	"context"
	"fmt"
	"time"
)

// Status is the terminal or current state of a session.
type Status string

const (
	StatusOK       Status = "ok"
	StatusExited   Status = "exited"
	StatusCrashed  Status = "crashed"
	StatusErrored  Status = "errored"
	StatusAbnormal Status = "abnormal"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOK, StatusExited, StatusCrashed,
		StatusErrored, StatusAbnormal:
		return st, nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// durationStatuses are the statuses whose durations feed the
// percentile reducer. Only a cleanly ended session has a final
// duration.
var durationStatuses = []Status{StatusExited}

// Stat selects the dimension of a bucketed series.
type Stat string

const (
	StatSessions Stat = "sessions"
	StatUsers    Stat = "users"
)

// ParseStat validates a stat name. Empty means sessions.
func ParseStat(s string) (Stat, error) {
	switch Stat(s) {
	case "", StatSessions:
		return StatSessions, nil
	case StatUsers:
		return StatUsers, nil
	}
	return "", fmt.Errorf("unknown stat %q: want sessions or users", s)
}

// GroupBy is a bit set of the columns a count is grouped by.
type GroupBy uint8

const (
	GroupProject GroupBy = 1 << iota
	GroupRelease

	GroupProjectRelease = GroupProject | GroupRelease
)

// Filter restricts the session events a store query considers.
// Empty slices mean "no restriction".
type Filter struct {
	OrgID        *int64
	ProjectIDs   []int64
	Releases     []string
	Environments []string
	Statuses     []Status
	// Errored keeps only sessions that reported errors or ended
	// in an errored, crashed or abnormal state.
	Errored bool
}

// Window is a time range, inclusive at both ends.
type Window struct {
	Start time.Time
	End   time.Time
}

// trailing returns the window of length d ending at now.
func trailing(now time.Time, d time.Duration) Window {
	return Window{Start: now.Add(-d), End: now}
}

// Row is one grouped count. Fields not covered by the GroupBy of
// the query are zero.
type Row struct {
	Key   ReleaseKey
	Value int64
}

// BoundsRow holds the earliest and latest session start for a
// group.
type BoundsRow struct {
	Key      ReleaseKey
	Earliest time.Time
	Latest   time.Time
}

// Observation is one non-empty bucket reported by the store.
type Observation struct {
	Start time.Time
	Value int64
}

// Store is the aggregate query interface the engine needs from
// the session store. Implementations return rows in their natural
// order; the engine never relies on that order except to keep it
// for ties.
type Store interface {
	// CountSessions counts distinct sessions per group.
	CountSessions(ctx context.Context, f Filter, w Window, g GroupBy) ([]Row, error)
	// CountUsers counts distinct users per group.
	CountUsers(ctx context.Context, f Filter, w Window, g GroupBy) ([]Row, error)
	// StartedBounds returns min and max session start per group.
	// Groups without sessions are absent.
	StartedBounds(ctx context.Context, f Filter, w Window, g GroupBy) ([]BoundsRow, error)
	// DurationSamples returns one duration, in seconds, per
	// session, grouped by project and release. A session delivered
	// more than once contributes the duration of its latest
	// matching update.
	DurationSamples(ctx context.Context, f Filter, w Window) (map[ReleaseKey][]float64, error)
	// BucketedCount returns per project and release the non-empty
	// buckets of the given width, counting sessions or users.
	// Bucket starts are multiples of width since the Unix epoch.
	BucketedCount(ctx context.Context, f Filter, w Window, width time.Duration, stat Stat) (map[ReleaseKey][]Observation, error)
	// ReleasesWithSessions lists the project and release pairs
	// with at least one session.
	ReleasesWithSessions(ctx context.Context, f Filter, w Window) ([]ReleaseKey, error)
}
