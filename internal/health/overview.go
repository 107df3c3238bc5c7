package health

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// OverviewOptions configures ReleaseHealthOverview.
type OverviewOptions struct {
	// SummaryStatsPeriod scopes the summary counts. Empty means
	// the whole retention window.
	SummaryStatsPeriod string
	// HealthStatsPeriod names the bucketed series to attach, such
	// as "24h". Empty skips the series.
	HealthStatsPeriod string
	// Stat is the series dimension. Empty means sessions.
	Stat         Stat
	Environments []string
}

// Summary is the health overview of one release.
//
// Counts cover the summary window. HasHealthData covers the
// retention window, so a release whose sessions all predate a
// shorter summary window reports HasHealthData with zero
// TotalSessions. With the default lifetime summary window,
// HasHealthData holds exactly when TotalSessions > 0.
type Summary struct {
	TotalSessions           int64             `json:"total_sessions"`
	TotalUsers              int64             `json:"total_users"`
	SessionsErrored         int64             `json:"sessions_errored"`
	SessionsCrashed         int64             `json:"sessions_crashed"`
	TotalSessions24h        *int64            `json:"total_sessions_24h"`
	TotalUsers24h           *int64            `json:"total_users_24h"`
	DurationP50             *float64          `json:"duration_p50"`
	DurationP90             *float64          `json:"duration_p90"`
	CrashFreeSessions       *float64          `json:"crash_free_sessions"`
	CrashFreeUsers          *float64          `json:"crash_free_users"`
	Adoption                *float64          `json:"adoption"`
	SessionsAdoption        *float64          `json:"sessions_adoption"`
	TotalProjectSessions24h *int64            `json:"total_project_sessions_24h"`
	TotalProjectUsers24h    *int64            `json:"total_project_users_24h"`
	HasHealthData           bool              `json:"has_health_data"`
	Stats                   map[string]Series `json:"stats,omitempty"`
}

// overviewPlan is the validated form of OverviewOptions.
type overviewPlan struct {
	summary  Window
	lifetime bool
	health   *Period
	stat     Stat
	envs     []string
}

func planOverview(now time.Time, opts OverviewOptions) (overviewPlan, error) {
	p := overviewPlan{
		summary:  trailing(now, RetentionPeriod),
		lifetime: true,
		envs:     opts.Environments,
	}
	if opts.SummaryStatsPeriod != "" {
		sp, err := ParsePeriod(opts.SummaryStatsPeriod)
		if err != nil {
			return p, err
		}
		p.summary = trailing(now, sp.Duration())
		p.lifetime = sp.Duration() >= RetentionPeriod
	}
	if opts.HealthStatsPeriod != "" {
		hp, err := ParsePeriod(opts.HealthStatsPeriod)
		if err != nil {
			return p, err
		}
		p.health = &hp
	}
	stat, err := ParseStat(string(opts.Stat))
	if err != nil {
		return p, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
	}
	p.stat = stat
	return p, nil
}

// overviewCounts holds the raw answers of the overview queries.
type overviewCounts struct {
	sessions, users       map[ReleaseKey]int64
	crashed, crashedUsers map[ReleaseKey]int64
	abnormal, errored     map[ReleaseKey]int64
	durations             map[ReleaseKey][]float64
	adoption              map[ReleaseKey]Adoption
	buckets               map[ReleaseKey][]Observation
}

// ReleaseHealthOverview returns the health summary of each key.
// Keys without any session in the retention window are absent.
func (e *Engine) ReleaseHealthOverview(
	ctx context.Context, now time.Time,
	keys []ReleaseKey, opts OverviewOptions,
) (_ map[ReleaseKey]Summary, err error) {
	plan, err := planOverview(now, opts)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[ReleaseKey]Summary{}, nil
	}
	ctx, span := e.startSpan(ctx, "ReleaseHealthOverview",
		attribute.Int("selectors", len(keys)),
		attribute.String("summary_period", opts.SummaryStatsPeriod),
		attribute.String("health_period", opts.HealthStatsPeriod),
		attribute.String("stat", string(plan.stat)))
	defer func() { endSpan(span, err) }()

	f, keep := selectorFilter(keys)
	f.Environments = plan.envs

	var seriesWindow Window
	if plan.health != nil {
		tmpl, err := BuildSeries(now,
			plan.health.Width, plan.health.Count)
		if err != nil {
			return nil, err
		}
		seriesWindow = Window{Start: tmpl.Start(), End: now}
	}

	c, err := e.fetchOverview(ctx, now, keys, f, plan, seriesWindow)
	if err != nil {
		return nil, err
	}

	out := make(map[ReleaseKey]Summary)
	for key := range keep {
		total := c.sessions[key]
		if total == 0 {
			continue
		}
		users := c.users[key]
		out[key] = Summary{
			TotalSessions:     total,
			TotalUsers:        users,
			SessionsCrashed:   c.crashed[key],
			SessionsErrored:   erroredOnly(c.errored[key], c.crashed[key], c.abnormal[key]),
			DurationP50:       percentilePtr(c.durations[key], 50),
			DurationP90:       percentilePtr(c.durations[key], 90),
			CrashFreeSessions: CrashFreeRate(c.crashed[key], total),
			CrashFreeUsers:    CrashFreeRate(c.crashedUsers[key], users),
			HasHealthData:     true,
		}
	}

	if !plan.lifetime {
		var missing []ReleaseKey
		for key := range keep {
			if _, ok := out[key]; !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			has, err := e.hasHealthData(ctx, now, missing)
			if err != nil {
				return nil, err
			}
			for key := range has {
				out[key] = Summary{HasHealthData: true}
			}
		}
	}

	for key, s := range out {
		if a, ok := c.adoption[key]; ok {
			s.Adoption = a.Adoption
			s.SessionsAdoption = a.SessionsAdoption
			s.TotalSessions24h = &a.Sessions24h
			s.TotalUsers24h = &a.Users24h
			s.TotalProjectSessions24h = &a.ProjectSessions24h
			s.TotalProjectUsers24h = &a.ProjectUsers24h
		}
		if plan.health != nil {
			series, err := BuildSeries(now,
				plan.health.Width, plan.health.Count)
			if err != nil {
				return nil, err
			}
			if err := series.Merge(c.buckets[key]); err != nil {
				return nil, fmt.Errorf("merging %s series for %s: %w",
					plan.health.Name, key, err)
			}
			s.Stats = map[string]Series{plan.health.Name: series}
		}
		out[key] = s
	}
	return out, nil
}

// fetchOverview runs the independent overview queries
// concurrently and returns once all of them have answered.
func (e *Engine) fetchOverview(
	ctx context.Context, now time.Time, keys []ReleaseKey,
	f Filter, plan overviewPlan, seriesWindow Window,
) (overviewCounts, error) {
	var (
		c overviewCounts

		sessions, users       []Row
		crashed, crashedUsers []Row
		abnormal, errored     []Row
	)
	w := plan.summary
	withStatus := func(st ...Status) Filter {
		sf := f
		sf.Statuses = st
		return sf
	}
	erroredFilter := f
	erroredFilter.Errored = true

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		sessions, err = e.countSessions(gctx, "sessions", f, w, GroupProjectRelease)
		return err
	})
	g.Go(func() (err error) {
		users, err = e.countUsers(gctx, "users", f, w, GroupProjectRelease)
		return err
	})
	g.Go(func() (err error) {
		crashed, err = e.countSessions(gctx, "crashed sessions",
			withStatus(StatusCrashed), w, GroupProjectRelease)
		return err
	})
	g.Go(func() (err error) {
		crashedUsers, err = e.countUsers(gctx, "crashed users",
			withStatus(StatusCrashed), w, GroupProjectRelease)
		return err
	})
	g.Go(func() (err error) {
		abnormal, err = e.countSessions(gctx, "abnormal sessions",
			withStatus(StatusAbnormal), w, GroupProjectRelease)
		return err
	})
	g.Go(func() (err error) {
		errored, err = e.countSessions(gctx, "errored sessions",
			erroredFilter, w, GroupProjectRelease)
		return err
	})
	g.Go(func() error {
		start := time.Now()
		d, err := e.store.DurationSamples(gctx,
			withStatus(durationStatuses...), w)
		if err != nil {
			return storeErr("duration samples", err)
		}
		e.logQuery(gctx, "duration samples", w, start)
		c.durations = d
		return nil
	})
	g.Go(func() (err error) {
		c.adoption, err = e.releaseAdoption(gctx, now, keys, plan.envs)
		return err
	})
	if plan.health != nil {
		g.Go(func() error {
			start := time.Now()
			b, err := e.store.BucketedCount(gctx, f, seriesWindow,
				plan.health.Width, plan.stat)
			if err != nil {
				return storeErr("bucketed "+string(plan.stat), err)
			}
			e.logQuery(gctx, "bucketed "+string(plan.stat), seriesWindow, start)
			c.buckets = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return overviewCounts{}, err
	}

	c.sessions = countMap(sessions, nil)
	c.users = countMap(users, nil)
	c.crashed = countMap(crashed, nil)
	c.crashedUsers = countMap(crashedUsers, nil)
	c.abnormal = countMap(abnormal, nil)
	c.errored = countMap(errored, nil)
	return c, nil
}
