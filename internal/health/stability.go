package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Scope is the popularity measure releases are ranked by.
type Scope string

const (
	ScopeSessions          Scope = "sessions"
	ScopeUsers             Scope = "users"
	ScopeCrashFreeSessions Scope = "crash_free_sessions"
	ScopeCrashFreeUsers    Scope = "crash_free_users"
)

// ParseScope validates a scope name. Empty means sessions.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case "":
		return ScopeSessions, nil
	case ScopeSessions, ScopeUsers,
		ScopeCrashFreeSessions, ScopeCrashFreeUsers:
		return sc, nil
	}
	return "", fmt.Errorf("unknown stability scope %q", s)
}

// StabilityQuery selects and pages the releases to rank.
type StabilityQuery struct {
	ProjectIDs []int64
	Offset     int
	Limit      int
	Scope      Scope
	// StatsPeriod is the trailing window counted. Empty means 24h.
	StatsPeriod  string
	Environments []string
}

// ranked pairs a release with the values it is ordered by.
type ranked struct {
	key     ReleaseKey
	total   int64
	crashed int64
}

// ReleasesByStability returns one page of the releases of the
// given projects, most popular first for the sessions and users
// scopes, and least crash-prone first for the crash-free scopes.
// Releases that compare equal keep the order the store returned
// them in.
func (e *Engine) ReleasesByStability(
	ctx context.Context, now time.Time, q StabilityQuery,
) (_ []ReleaseKey, err error) {
	if q.Offset < 0 || q.Limit < 0 {
		return nil, fmt.Errorf("%w: offset %d, limit %d",
			ErrInvalidWindow, q.Offset, q.Limit)
	}
	scope, err := ParseScope(string(q.Scope))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
	}
	periodName := q.StatsPeriod
	if periodName == "" {
		periodName = "24h"
	}
	period, err := ParsePeriod(periodName)
	if err != nil {
		return nil, err
	}
	if len(q.ProjectIDs) == 0 {
		return []ReleaseKey{}, nil
	}

	ctx, span := e.startSpan(ctx, "ReleasesByStability",
		attribute.Int("projects", len(q.ProjectIDs)),
		attribute.String("scope", string(scope)),
		attribute.String("period", period.Name))
	defer func() { endSpan(span, err) }()

	rows, err := e.fetchStability(ctx, q, scope,
		trailing(now, period.Duration()))
	if err != nil {
		return nil, err
	}
	rankReleases(rows, scope)
	return page(rows, q.Offset, q.Limit), nil
}

func (e *Engine) fetchStability(
	ctx context.Context, q StabilityQuery, scope Scope, w Window,
) ([]ranked, error) {
	f := Filter{ProjectIDs: q.ProjectIDs, Environments: q.Environments}
	count := e.countSessions
	if scope == ScopeUsers || scope == ScopeCrashFreeUsers {
		count = e.countUsers
	}

	var totals, crashes []Row
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		totals, err = count(gctx, "stability totals", f, w, GroupProjectRelease)
		return err
	})
	if scope == ScopeCrashFreeSessions || scope == ScopeCrashFreeUsers {
		cf := f
		cf.Statuses = []Status{StatusCrashed}
		g.Go(func() (err error) {
			crashes, err = count(gctx, "stability crashes", cf, w, GroupProjectRelease)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	crashed := countMap(crashes, nil)
	out := make([]ranked, 0, len(totals))
	for _, r := range totals {
		if r.Value == 0 {
			continue
		}
		out = append(out, ranked{
			key: r.Key, total: r.Value, crashed: crashed[r.Key],
		})
	}
	return out, nil
}

// rankReleases sorts rows in place for scope. The sort is stable
// so ties keep the store's order.
func rankReleases(rows []ranked, scope Scope) {
	switch scope {
	case ScopeCrashFreeSessions, ScopeCrashFreeUsers:
		sort.SliceStable(rows, func(i, j int) bool {
			// crashed_i/total_i < crashed_j/total_j, without division.
			return rows[i].crashed*rows[j].total <
				rows[j].crashed*rows[i].total
		})
	default:
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].total > rows[j].total
		})
	}
}

// page applies an offset/limit window. A zero limit means no
// limit.
func page(rows []ranked, offset, limit int) []ReleaseKey {
	if offset >= len(rows) {
		return []ReleaseKey{}
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	out := make([]ReleaseKey, len(rows))
	for i, r := range rows {
		out[i] = r.key
	}
	return out
}
