package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/wesm/releasehealth/internal/health"
)

// maxSQLVars is the maximum bind variables per IN clause to stay
// within SQLite's default SQLITE_MAX_VARIABLE_NUMBER (999).
const maxSQLVars = 500

var _ health.Store = (*DB)(nil)

// inPlaceholders returns a "(?,?,...)" string and []any args for
// a slice of values.
func inPlaceholders[T any](vals []T) (string, []any) {
	ph := make([]string, len(vals))
	args := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = "?"
		args[i] = v
	}
	return "(" + strings.Join(ph, ",") + ")", args
}

// queryChunked executes a callback for each chunk of vals,
// splitting at maxSQLVars to avoid SQLite bind-variable limits.
// An empty vals runs fn once with nil.
func queryChunked[T any](vals []T, fn func(chunk []T) error) error {
	if len(vals) == 0 {
		return fn(nil)
	}
	for i := 0; i < len(vals); i += maxSQLVars {
		end := min(i+maxSQLVars, len(vals))
		if err := fn(vals[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// windowBounds converts w to inclusive unix-second bounds. A start
// with a fractional second excludes the whole second.
func windowBounds(w health.Window) (int64, int64) {
	lo := w.Start.Unix()
	if w.Start.Nanosecond() != 0 {
		lo++
	}
	return lo, w.End.Unix()
}

// buildWhere translates a filter and window into a WHERE clause
// and its args.
func buildWhere(f health.Filter, w health.Window) (string, []any) {
	lo, hi := windowBounds(w)
	preds := []string{"started >= ?", "started <= ?"}
	args := []any{lo, hi}

	if f.OrgID != nil {
		preds = append(preds, "org_id = ?")
		args = append(args, *f.OrgID)
	}
	if len(f.ProjectIDs) > 0 {
		ph, a := inPlaceholders(f.ProjectIDs)
		preds = append(preds, "project_id IN "+ph)
		args = append(args, a...)
	}
	if len(f.Releases) > 0 {
		ph, a := inPlaceholders(f.Releases)
		preds = append(preds, "release IN "+ph)
		args = append(args, a...)
	}
	if len(f.Environments) > 0 {
		ph, a := inPlaceholders(f.Environments)
		preds = append(preds, "environment IN "+ph)
		args = append(args, a...)
	}
	if len(f.Statuses) > 0 {
		st := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			st[i] = string(s)
		}
		ph, a := inPlaceholders(st)
		preds = append(preds, "status IN "+ph)
		args = append(args, a...)
	}
	if f.Errored {
		preds = append(preds,
			"(errors > 0 OR status IN ('errored','crashed','abnormal'))")
	}
	return strings.Join(preds, " AND "), args
}

// groupColumns returns the select expressions for project and
// release and the GROUP BY clause for g. Columns not grouped on
// select as zero values.
func groupColumns(g health.GroupBy) (string, string) {
	project, release := "0", "''"
	var cols []string
	if g&health.GroupProject != 0 {
		project = "project_id"
		cols = append(cols, "project_id")
	}
	if g&health.GroupRelease != 0 {
		release = "release"
		cols = append(cols, "release")
	}
	sel := project + ", " + release
	if len(cols) == 0 {
		return sel, ""
	}
	return sel, " GROUP BY " + strings.Join(cols, ", ")
}

// chunkReleases runs fn over release chunks of f. Distinct counts
// can only be split by release when release is a grouping column,
// so other queries run unchunked.
func chunkReleases(
	f health.Filter, byRelease bool, fn func(health.Filter) error,
) error {
	if !byRelease {
		return fn(f)
	}
	return queryChunked(f.Releases, func(chunk []string) error {
		cf := f
		if chunk != nil {
			cf.Releases = chunk
		}
		return fn(cf)
	})
}

func (db *DB) countDistinct(
	ctx context.Context, column string,
	f health.Filter, w health.Window, g health.GroupBy,
) ([]health.Row, error) {
	sel, groupBy := groupColumns(g)
	var out []health.Row
	err := chunkReleases(f, g&health.GroupRelease != 0,
		func(cf health.Filter) error {
			where, args := buildWhere(cf, w)
			query := "SELECT " + sel + ", COUNT(DISTINCT " + column + ")" +
				" FROM session_events WHERE " + where + groupBy +
				" ORDER BY MIN(id)"
			rows, err := db.Reader().QueryContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("counting %s: %w", column, err)
			}
			defer rows.Close()
			for rows.Next() {
				var r health.Row
				if err := rows.Scan(
					&r.Key.ProjectID, &r.Key.Release, &r.Value,
				); err != nil {
					return fmt.Errorf("scanning %s count: %w", column, err)
				}
				out = append(out, r)
			}
			return rows.Err()
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountSessions counts distinct session ids per group.
func (db *DB) CountSessions(
	ctx context.Context, f health.Filter, w health.Window,
	g health.GroupBy,
) ([]health.Row, error) {
	return db.countDistinct(ctx, "session_id", f, w, g)
}

// CountUsers counts distinct user ids per group.
func (db *DB) CountUsers(
	ctx context.Context, f health.Filter, w health.Window,
	g health.GroupBy,
) ([]health.Row, error) {
	return db.countDistinct(ctx, "distinct_id", f, w, g)
}

// StartedBounds returns the earliest and latest session start per
// group.
func (db *DB) StartedBounds(
	ctx context.Context, f health.Filter, w health.Window,
	g health.GroupBy,
) ([]health.BoundsRow, error) {
	sel, groupBy := groupColumns(g)
	var out []health.BoundsRow
	err := chunkReleases(f, g&health.GroupRelease != 0,
		func(cf health.Filter) error {
			where, args := buildWhere(cf, w)
			query := "SELECT " + sel + ", MIN(started), MAX(started)" +
				" FROM session_events WHERE " + where + groupBy +
				" ORDER BY MIN(id)"
			rows, err := db.Reader().QueryContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("querying started bounds: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var (
					r      health.BoundsRow
					lo, hi sql.NullInt64
				)
				if err := rows.Scan(
					&r.Key.ProjectID, &r.Key.Release, &lo, &hi,
				); err != nil {
					return fmt.Errorf("scanning started bounds: %w", err)
				}
				// An ungrouped aggregate over no rows yields NULLs.
				if !lo.Valid || !hi.Valid {
					continue
				}
				r.Earliest = time.Unix(lo.Int64, 0).UTC()
				r.Latest = time.Unix(hi.Int64, 0).UTC()
				out = append(out, r)
			}
			return rows.Err()
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DurationSamples returns the duration of the latest matching
// update of each session, per project and release.
func (db *DB) DurationSamples(
	ctx context.Context, f health.Filter, w health.Window,
) (map[health.ReleaseKey][]float64, error) {
	out := make(map[health.ReleaseKey][]float64)
	err := chunkReleases(f, true, func(cf health.Filter) error {
		where, args := buildWhere(cf, w)
		rows, err := db.Reader().QueryContext(ctx,
			"SELECT project_id, release, duration"+
				" FROM session_events WHERE id IN ("+
				"SELECT MAX(id) FROM session_events WHERE "+where+
				" AND duration IS NOT NULL"+
				" GROUP BY project_id, release, session_id)"+
				" ORDER BY id",
			args...)
		if err != nil {
			return fmt.Errorf("querying durations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				k health.ReleaseKey
				d float64
			)
			if err := rows.Scan(&k.ProjectID, &k.Release, &d); err != nil {
				return fmt.Errorf("scanning duration: %w", err)
			}
			out[k] = append(out[k], d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BucketedCount counts distinct sessions or users per project,
// release and epoch-aligned bucket of the given width.
func (db *DB) BucketedCount(
	ctx context.Context, f health.Filter, w health.Window,
	width time.Duration, stat health.Stat,
) (map[health.ReleaseKey][]health.Observation, error) {
	secs := int64(width / time.Second)
	if secs <= 0 || width%time.Second != 0 {
		return nil, fmt.Errorf(
			"bucket width %s is not a whole number of seconds", width,
		)
	}
	column := "session_id"
	if stat == health.StatUsers {
		column = "distinct_id"
	}

	out := make(map[health.ReleaseKey][]health.Observation)
	err := chunkReleases(f, true, func(cf health.Filter) error {
		where, args := buildWhere(cf, w)
		query := "SELECT project_id, release, (started / ?) * ? AS bucket," +
			" COUNT(DISTINCT " + column + ")" +
			" FROM session_events WHERE " + where +
			" GROUP BY project_id, release, bucket ORDER BY bucket"
		rows, err := db.Reader().QueryContext(ctx, query,
			append([]any{secs, secs}, args...)...)
		if err != nil {
			return fmt.Errorf("querying bucketed %s: %w", stat, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				k      health.ReleaseKey
				bucket int64
				n      int64
			)
			if err := rows.Scan(&k.ProjectID, &k.Release, &bucket, &n); err != nil {
				return fmt.Errorf("scanning bucket: %w", err)
			}
			out[k] = append(out[k], health.Observation{
				Start: time.Unix(bucket, 0).UTC(), Value: n,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleasesWithSessions lists project and release pairs with at
// least one session, in order of first appearance.
func (db *DB) ReleasesWithSessions(
	ctx context.Context, f health.Filter, w health.Window,
) ([]health.ReleaseKey, error) {
	var out []health.ReleaseKey
	err := chunkReleases(f, true, func(cf health.Filter) error {
		where, args := buildWhere(cf, w)
		rows, err := db.Reader().QueryContext(ctx,
			"SELECT project_id, release FROM session_events WHERE "+
				where+" GROUP BY project_id, release ORDER BY MIN(id)",
			args...)
		if err != nil {
			return fmt.Errorf("querying releases: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var k health.ReleaseKey
			if err := rows.Scan(&k.ProjectID, &k.Release); err != nil {
				return fmt.Errorf("scanning release: %w", err)
			}
			out = append(out, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
