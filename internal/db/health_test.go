package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/releasehealth/internal/health"
)

var (
	releaseOK      = health.ReleaseKey{ProjectID: testProject, Release: "foo@1.0.0"}
	releaseCrashed = health.ReleaseKey{ProjectID: testProject, Release: "foo@2.0.0"}
	releaseDummy   = health.ReleaseKey{ProjectID: testProject, Release: "dummy-release"}
)

// fixtureDB holds two exited sessions (one updated from ok) on
// releaseOK and one crashed session on releaseCrashed.
func fixtureDB(t *testing.T) *DB {
	t.Helper()
	d := testDB(t)
	mustInsertEvents(t, d,
		newEvent("5d52fd05-fcc9-4bf3-9dc9-267783670341",
			releaseOK.Release, health.StatusExited, withDuration(60)),
		newEvent("5e910c1a-6941-460e-9843-24103fb6a63c",
			releaseOK.Release, health.StatusOK),
		newEvent("5e910c1a-6941-460e-9843-24103fb6a63c",
			releaseOK.Release, health.StatusExited, withDuration(30),
			func(e *SessionEvent) { e.Seq = 1 }),
		newEvent("a148c0c5-06a2-423b-8901-6b43b812cf82",
			releaseCrashed.Release, health.StatusCrashed, withDuration(60)),
	)
	return d
}

func dayWindow() health.Window {
	return health.Window{Start: testNow.Add(-24 * time.Hour), End: testNow}
}

func TestCountSessionsGrouping(t *testing.T) {
	d := fixtureDB(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		group health.GroupBy
		want  []health.Row
	}{
		{
			"project and release", health.GroupProjectRelease,
			[]health.Row{
				{Key: releaseOK, Value: 2},
				{Key: releaseCrashed, Value: 1},
			},
		},
		{
			"project", health.GroupProject,
			[]health.Row{{Key: health.ReleaseKey{ProjectID: testProject}, Value: 3}},
		},
		{
			"release", health.GroupRelease,
			[]health.Row{
				{Key: health.ReleaseKey{Release: releaseOK.Release}, Value: 2},
				{Key: health.ReleaseKey{Release: releaseCrashed.Release}, Value: 1},
			},
		},
		{
			"ungrouped", 0,
			[]health.Row{{Value: 3}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.CountSessions(ctx, health.Filter{}, dayWindow(), tt.group)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountUsers(t *testing.T) {
	d := fixtureDB(t)
	mustInsertEvents(t, d, newEvent("extra", releaseOK.Release,
		health.StatusOK, func(e *SessionEvent) { e.DistinctID = userB }))

	got, err := d.CountUsers(context.Background(), health.Filter{},
		dayWindow(), health.GroupProjectRelease)
	require.NoError(t, err)
	assert.Equal(t, []health.Row{
		{Key: releaseOK, Value: 2},
		{Key: releaseCrashed, Value: 1},
	}, got)
}

func TestFilterPredicates(t *testing.T) {
	d := fixtureDB(t)
	mustInsertEvents(t, d,
		newEvent("errs", releaseOK.Release, health.StatusOK,
			func(e *SessionEvent) { e.Errors = 2 }),
		newEvent("abn", releaseOK.Release, health.StatusAbnormal),
		newEvent("stage", releaseOK.Release, health.StatusOK,
			func(e *SessionEvent) { e.Environment = "staging" }),
		newEvent("org", releaseOK.Release, health.StatusOK,
			func(e *SessionEvent) { e.OrgID = 99 }),
		newEvent("other", "bar@1.0.0", health.StatusOK,
			func(e *SessionEvent) { e.ProjectID = 2 }),
	)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter health.Filter
		want   int64
	}{
		{"none", health.Filter{}, 8},
		{"org", health.Filter{OrgID: Ptr(testOrg)}, 7},
		{"project", health.Filter{ProjectIDs: []int64{2}}, 1},
		{"release", health.Filter{Releases: []string{releaseCrashed.Release}}, 1},
		{"environment", health.Filter{Environments: []string{"staging"}}, 1},
		{"status", health.Filter{
			Statuses: []health.Status{health.StatusCrashed, health.StatusAbnormal},
		}, 2},
		{"errored", health.Filter{Errored: true}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := d.CountSessions(ctx, tt.filter, dayWindow(), 0)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, tt.want, rows[0].Value)
		})
	}
}

func TestWindowIsInclusive(t *testing.T) {
	d := testDB(t)
	mustInsertEvents(t, d,
		newEvent("at-start", "r", health.StatusOK,
			func(e *SessionEvent) { e.Started = testNow.Add(-time.Hour) }),
		newEvent("at-end", "r", health.StatusOK,
			func(e *SessionEvent) { e.Started = testNow }),
		newEvent("after", "r", health.StatusOK,
			func(e *SessionEvent) { e.Started = testNow.Add(time.Second) }),
	)
	rows, err := d.CountSessions(context.Background(), health.Filter{},
		health.Window{Start: testNow.Add(-time.Hour), End: testNow}, 0)
	require.NoError(t, err)
	assert.Equal(t, []health.Row{{Value: 2}}, rows)
}

func TestStartedBounds(t *testing.T) {
	d := fixtureDB(t)
	mustInsertEvents(t, d, newEvent("early", releaseOK.Release,
		health.StatusOK, func(e *SessionEvent) {
			e.Started = testStarted.Add(-2 * time.Hour)
		}))
	ctx := context.Background()

	got, err := d.StartedBounds(ctx, health.Filter{}, dayWindow(),
		health.GroupProjectRelease)
	require.NoError(t, err)
	assert.Equal(t, []health.BoundsRow{
		{Key: releaseOK, Earliest: testStarted.Add(-2 * time.Hour), Latest: testStarted},
		{Key: releaseCrashed, Earliest: testStarted, Latest: testStarted},
	}, got)

	t.Run("ungrouped empty", func(t *testing.T) {
		got, err := d.StartedBounds(ctx,
			health.Filter{Releases: []string{"missing"}}, dayWindow(), 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestDurationSamples(t *testing.T) {
	d := fixtureDB(t)
	exited := health.Filter{Statuses: []health.Status{health.StatusExited}}
	got, err := d.DurationSamples(context.Background(), exited, dayWindow())
	require.NoError(t, err)
	assert.Equal(t, map[health.ReleaseKey][]float64{
		releaseOK: {60, 30},
	}, got)

	t.Run("one sample per session", func(t *testing.T) {
		d := testDB(t)
		mustInsertEvents(t, d,
			newEvent("s1", releaseOK.Release, health.StatusOK, withDuration(10)),
			newEvent("s1", releaseOK.Release, health.StatusExited, withDuration(30),
				func(e *SessionEvent) { e.Seq = 1 }),
			newEvent("s2", releaseOK.Release, health.StatusExited, withDuration(100)),
			newEvent("s2", releaseOK.Release, health.StatusExited, withDuration(100)),
		)
		got, err := d.DurationSamples(context.Background(), exited, dayWindow())
		require.NoError(t, err)
		assert.Equal(t, map[health.ReleaseKey][]float64{
			releaseOK: {30, 100},
		}, got)
	})
}

func TestBucketedCount(t *testing.T) {
	d := fixtureDB(t)
	mustInsertEvents(t, d, newEvent("earlier", releaseOK.Release,
		health.StatusOK, func(e *SessionEvent) {
			e.Started = testStarted.Add(-3 * time.Hour)
			e.DistinctID = userB
		}))
	ctx := context.Background()
	hour := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	got, err := d.BucketedCount(ctx, health.Filter{}, dayWindow(),
		time.Hour, health.StatSessions)
	require.NoError(t, err)
	assert.Equal(t, map[health.ReleaseKey][]health.Observation{
		releaseOK: {
			{Start: hour.Add(-3 * time.Hour), Value: 1},
			{Start: hour, Value: 2},
		},
		releaseCrashed: {{Start: hour, Value: 1}},
	}, got)

	got, err = d.BucketedCount(ctx, health.Filter{}, dayWindow(),
		24*time.Hour, health.StatUsers)
	require.NoError(t, err)
	day := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, []health.Observation{{Start: day, Value: 2}},
		got[releaseOK])

	t.Run("rejects sub-second width", func(t *testing.T) {
		_, err := d.BucketedCount(ctx, health.Filter{}, dayWindow(),
			time.Millisecond, health.StatSessions)
		assert.Error(t, err)
	})
}

func TestReleasesWithSessions(t *testing.T) {
	d := fixtureDB(t)
	got, err := d.ReleasesWithSessions(context.Background(),
		health.Filter{Releases: []string{releaseCrashed.Release, releaseDummy.Release}},
		dayWindow())
	require.NoError(t, err)
	assert.Equal(t, []health.ReleaseKey{releaseCrashed}, got)
}

func TestQueriesChunkManyReleases(t *testing.T) {
	d := testDB(t)
	var (
		events   []SessionEvent
		releases []string
	)
	for i := range 2*maxSQLVars + 7 {
		r := fmt.Sprintf("app@1.0.%d", i)
		releases = append(releases, r)
		events = append(events, newEvent(fmt.Sprintf("s%d", i), r,
			health.StatusOK))
	}
	mustInsertEvents(t, d, events...)

	f := health.Filter{Releases: releases}
	rows, err := d.CountSessions(context.Background(), f, dayWindow(),
		health.GroupProjectRelease)
	require.NoError(t, err)
	assert.Len(t, rows, len(releases))

	keys, err := d.ReleasesWithSessions(context.Background(), f, dayWindow())
	require.NoError(t, err)
	assert.Len(t, keys, len(releases))
}

// The engine against the real store must produce the same overview
// as against the in-memory fake.
func TestEngineOverviewEndToEnd(t *testing.T) {
	e := health.New(fixtureDB(t))
	ctx := context.Background()

	got, err := e.ReleaseHealthOverview(ctx, testNow,
		[]health.ReleaseKey{releaseOK, releaseCrashed, releaseDummy},
		health.OverviewOptions{
			SummaryStatsPeriod: "24h",
			HealthStatsPeriod:  "24h",
		})
	require.NoError(t, err)

	series := func(last int64) map[string]health.Series {
		s, err := health.BuildSeries(testNow, time.Hour, 24)
		require.NoError(t, err)
		s.Buckets[23].Value = last
		return map[string]health.Series{"24h": s}
	}
	want := map[health.ReleaseKey]health.Summary{
		releaseCrashed: {
			TotalSessions:           1,
			TotalUsers:              1,
			SessionsCrashed:         1,
			TotalSessions24h:        Ptr(int64(1)),
			TotalUsers24h:           Ptr(int64(1)),
			CrashFreeSessions:       Ptr(0.0),
			CrashFreeUsers:          Ptr(0.0),
			Adoption:                Ptr(100.0),
			SessionsAdoption:        Ptr(33.33333333333333),
			TotalProjectSessions24h: Ptr(int64(3)),
			TotalProjectUsers24h:    Ptr(int64(1)),
			HasHealthData:           true,
			Stats:                   series(1),
		},
		releaseOK: {
			TotalSessions:           2,
			TotalUsers:              1,
			TotalSessions24h:        Ptr(int64(2)),
			TotalUsers24h:           Ptr(int64(1)),
			DurationP50:             Ptr(45.0),
			DurationP90:             Ptr(57.0),
			CrashFreeSessions:       Ptr(100.0),
			CrashFreeUsers:          Ptr(100.0),
			Adoption:                Ptr(100.0),
			SessionsAdoption:        Ptr(66.66666666666666),
			TotalProjectSessions24h: Ptr(int64(3)),
			TotalProjectUsers24h:    Ptr(int64(1)),
			HasHealthData:           true,
			Stats:                   series(2),
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("overview mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineTimeBoundsEndToEnd(t *testing.T) {
	d := fixtureDB(t)
	earlier := func(e *SessionEvent) { e.Started = testStarted.Add(-2 * time.Hour) }
	mustInsertEvents(t, d,
		newEvent("5e910c1a-6941-460e-9843-24103fb6a63c", releaseOK.Release,
			health.StatusExited, withDuration(30), earlier,
			func(e *SessionEvent) { e.Seq = 1 }),
		newEvent("a148c0c5-06a2-423b-8901-6b43b812cf82", releaseCrashed.Release,
			health.StatusCrashed, withDuration(60), earlier),
	)
	e := health.New(d)

	for _, key := range []health.ReleaseKey{releaseOK, releaseCrashed} {
		got, err := e.ReleaseSessionsTimeBounds(context.Background(), testNow,
			health.BoundsQuery{
				ProjectID:    key.ProjectID,
				Release:      key.Release,
				OrgID:        testOrg,
				Environments: []string{"prod"},
			})
		require.NoError(t, err)
		assert.Equal(t, health.TimeBounds{
			LowerBound: Ptr("2024-06-15T10:00:00+00:00"),
			UpperBound: Ptr("2024-06-15T12:00:00+00:00"),
		}, got, key.String())
	}
}

func TestEngineStabilityEndToEnd(t *testing.T) {
	e := health.New(fixtureDB(t))
	got, err := e.ReleasesByStability(context.Background(), testNow,
		health.StabilityQuery{
			ProjectIDs: []int64{testProject},
			Scope:      health.ScopeCrashFreeSessions,
		})
	require.NoError(t, err)
	assert.Equal(t, []health.ReleaseKey{releaseOK, releaseCrashed}, got)
}
