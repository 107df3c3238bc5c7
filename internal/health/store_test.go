package health

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/wesm/releasehealth/internal/timeutil"
)

// event is one session update held by fakeStore.
type event struct {
	org         int64
	project     int64
	sessionID   string
	distinctID  string
	status      Status
	release     string
	environment string
	duration    *float64
	errors      int
	started     time.Time
}

// fakeStore answers Store queries from an in-memory event list.
// Rows come back in first-seen order so tie handling is
// deterministic. Setting fail makes every query return it.
type fakeStore struct {
	mu     sync.Mutex
	events []event
	fail   error
	calls  int
}

var _ Store = (*fakeStore)(nil)

func (s *fakeStore) record() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.fail
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (f Filter) matches(e event) bool {
	if f.OrgID != nil && *f.OrgID != e.org {
		return false
	}
	if len(f.ProjectIDs) > 0 && !slices.Contains(f.ProjectIDs, e.project) {
		return false
	}
	if len(f.Releases) > 0 && !slices.Contains(f.Releases, e.release) {
		return false
	}
	if len(f.Environments) > 0 && !slices.Contains(f.Environments, e.environment) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.status) {
		return false
	}
	if f.Errored && e.errors == 0 && e.status != StatusErrored &&
		e.status != StatusCrashed && e.status != StatusAbnormal {
		return false
	}
	return true
}

func (w Window) contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func groupKey(e event, g GroupBy) ReleaseKey {
	var k ReleaseKey
	if g&GroupProject != 0 {
		k.ProjectID = e.project
	}
	if g&GroupRelease != 0 {
		k.Release = e.release
	}
	return k
}

// distinct counts distinct values of field per group.
func (s *fakeStore) distinct(
	f Filter, w Window, g GroupBy, field func(event) string,
) []Row {
	var order []ReleaseKey
	seen := make(map[ReleaseKey]map[string]bool)
	for _, e := range s.events {
		if !f.matches(e) || !w.contains(e.started) {
			continue
		}
		k := groupKey(e, g)
		if seen[k] == nil {
			seen[k] = make(map[string]bool)
			order = append(order, k)
		}
		seen[k][field(e)] = true
	}
	rows := make([]Row, len(order))
	for i, k := range order {
		rows[i] = Row{Key: k, Value: int64(len(seen[k]))}
	}
	return rows
}

func (s *fakeStore) CountSessions(
	_ context.Context, f Filter, w Window, g GroupBy,
) ([]Row, error) {
	if err := s.record(); err != nil {
		return nil, err
	}
	return s.distinct(f, w, g, func(e event) string { return e.sessionID }), nil
}

func (s *fakeStore) CountUsers(
	_ context.Context, f Filter, w Window, g GroupBy,
) ([]Row, error) {
	if err := s.record(); err != nil {
		return nil, err
	}
	return s.distinct(f, w, g, func(e event) string { return e.distinctID }), nil
}

func (s *fakeStore) StartedBounds(
	_ context.Context, f Filter, w Window, g GroupBy,
) ([]BoundsRow, error) {
	if err := s.record(); err != nil {
		return nil, err
	}
	var order []ReleaseKey
	bounds := make(map[ReleaseKey]*BoundsRow)
	for _, e := range s.events {
		if !f.matches(e) || !w.contains(e.started) {
			continue
		}
		k := groupKey(e, g)
		b, ok := bounds[k]
		if !ok {
			b = &BoundsRow{Key: k, Earliest: e.started, Latest: e.started}
			bounds[k] = b
			order = append(order, k)
		}
		if e.started.Before(b.Earliest) {
			b.Earliest = e.started
		}
		if e.started.After(b.Latest) {
			b.Latest = e.started
		}
	}
	rows := make([]BoundsRow, len(order))
	for i, k := range order {
		rows[i] = *bounds[k]
	}
	return rows, nil
}

func (s *fakeStore) DurationSamples(
	_ context.Context, f Filter, w Window,
) (map[ReleaseKey][]float64, error) {
	if err := s.record(); err != nil {
		return nil, err
	}
	type sessionKey struct {
		key     ReleaseKey
		session string
	}
	// Later updates of a session overwrite its sample in place.
	slot := make(map[sessionKey]int)
	out := make(map[ReleaseKey][]float64)
	for _, e := range s.events {
		if e.duration == nil || !f.matches(e) || !w.contains(e.started) {
			continue
		}
		k := groupKey(e, GroupProjectRelease)
		sk := sessionKey{k, e.sessionID}
		if i, ok := slot[sk]; ok {
			out[k][i] = *e.duration
			continue
		}
		slot[sk] = len(out[k])
		out[k] = append(out[k], *e.duration)
	}
	return out, nil
}

func (s *fakeStore) BucketedCount(
	_ context.Context, f Filter, w Window,
	width time.Duration, stat Stat,
) (map[ReleaseKey][]Observation, error) {
	if err := s.record(); err != nil {
		return nil, err
	}
	type bucketKey struct {
		key   ReleaseKey
		start time.Time
	}
	var order []bucketKey
	seen := make(map[bucketKey]map[string]bool)
	for _, e := range s.events {
		if !f.matches(e) || !w.contains(e.started) {
			continue
		}
		bk := bucketKey{
			key:   groupKey(e, GroupProjectRelease),
			start: timeutil.FloorTo(e.started, width),
		}
		if seen[bk] == nil {
			seen[bk] = make(map[string]bool)
			order = append(order, bk)
		}
		id := e.sessionID
		if stat == StatUsers {
			id = e.distinctID
		}
		seen[bk][id] = true
	}
	out := make(map[ReleaseKey][]Observation)
	for _, bk := range order {
		out[bk.key] = append(out[bk.key], Observation{
			Start: bk.start, Value: int64(len(seen[bk])),
		})
	}
	return out, nil
}

func (s *fakeStore) ReleasesWithSessions(
	_ context.Context, f Filter, w Window,
) ([]ReleaseKey, error) {
	if err := s.record(); err != nil {
		return nil, err
	}
	var out []ReleaseKey
	seen := make(map[ReleaseKey]bool)
	for _, e := range s.events {
		if !f.matches(e) || !w.contains(e.started) {
			continue
		}
		k := groupKey(e, GroupProjectRelease)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}
