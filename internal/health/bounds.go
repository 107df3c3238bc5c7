package health

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wesm/releasehealth/internal/timeutil"
)

// OldestHealthData returns, per key, the hour-floored start of the
// earliest session within the retention window. Keys without
// sessions are absent from the result.
func (e *Engine) OldestHealthData(
	ctx context.Context, now time.Time, keys []ReleaseKey,
) (_ map[ReleaseKey]string, err error) {
	out := make(map[ReleaseKey]string)
	if len(keys) == 0 {
		return out, nil
	}
	ctx, span := e.startSpan(ctx, "OldestHealthData",
		attribute.Int("selectors", len(keys)))
	defer func() { endSpan(span, err) }()

	f, keep := selectorFilter(keys)
	rows, err := e.startedBounds(ctx, "oldest started", f,
		trailing(now, RetentionPeriod), GroupProjectRelease)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if !keep.Has(r.Key) || r.Earliest.IsZero() {
			continue
		}
		out[r.Key] = timeutil.FormatInstant(
			timeutil.FloorHour(r.Earliest),
		)
	}
	return out, nil
}

// HasHealthData returns the subset of keys with at least one
// session in the retention window.
func (e *Engine) HasHealthData(
	ctx context.Context, now time.Time, keys []ReleaseKey,
) (_ KeySet, err error) {
	if len(keys) == 0 {
		return KeySet{}, nil
	}
	ctx, span := e.startSpan(ctx, "HasHealthData",
		attribute.Int("selectors", len(keys)))
	defer func() { endSpan(span, err) }()

	return e.hasHealthData(ctx, now, keys)
}

func (e *Engine) hasHealthData(
	ctx context.Context, now time.Time, keys []ReleaseKey,
) (KeySet, error) {
	f, keep := selectorFilter(keys)
	w := trailing(now, RetentionPeriod)
	start := time.Now()
	found, err := e.store.ReleasesWithSessions(ctx, f, w)
	if err != nil {
		return nil, storeErr("releases with sessions", err)
	}
	e.logQuery(ctx, "releases with sessions", w, start)

	out := make(KeySet)
	for _, k := range found {
		if keep.Has(k) {
			out[k] = struct{}{}
		}
	}
	return out, nil
}

// BoundsQuery selects the sessions of one release.
type BoundsQuery struct {
	ProjectID    int64
	Release      string
	OrgID        int64
	Environments []string
}

// TimeBounds is the hour-floored range of session starts of a
// release. Both bounds are nil when the release has no sessions.
type TimeBounds struct {
	LowerBound *string `json:"sessions_lower_bound"`
	UpperBound *string `json:"sessions_upper_bound"`
}

// ReleaseSessionsTimeBounds returns the earliest and latest
// session start of a release within the retention window.
func (e *Engine) ReleaseSessionsTimeBounds(
	ctx context.Context, now time.Time, q BoundsQuery,
) (_ TimeBounds, err error) {
	ctx, span := e.startSpan(ctx, "ReleaseSessionsTimeBounds",
		attribute.Int64("project", q.ProjectID),
		attribute.String("release", q.Release))
	defer func() { endSpan(span, err) }()

	org := q.OrgID
	f := Filter{
		OrgID:        &org,
		ProjectIDs:   []int64{q.ProjectID},
		Releases:     []string{q.Release},
		Environments: q.Environments,
	}
	rows, err := e.startedBounds(ctx, "release time bounds", f,
		trailing(now, RetentionPeriod), GroupProjectRelease)
	if err != nil {
		return TimeBounds{}, err
	}

	key := ReleaseKey{ProjectID: q.ProjectID, Release: q.Release}
	for _, r := range rows {
		if r.Key != key || r.Earliest.IsZero() {
			continue
		}
		return TimeBounds{
			LowerBound: timeutil.FormatPtr(timeutil.FloorHour(r.Earliest)),
			UpperBound: timeutil.FormatPtr(timeutil.FloorHour(r.Latest)),
		}, nil
	}
	return TimeBounds{}, nil
}
