package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/wesm/releasehealth/internal/config"
	"github.com/wesm/releasehealth/internal/health"
	"github.com/wesm/releasehealth/internal/release"
)

// releaseRow is a per-release output row.
type releaseRow struct {
	ProjectID int64  `json:"project_id"`
	Release   string `json:"release"`
	Version   string `json:"version"`
}

func newReleaseRow(k health.ReleaseKey) releaseRow {
	return releaseRow{
		ProjectID: k.ProjectID,
		Release:   k.Release,
		Version:   release.Format(k.Release),
	}
}

// sortedKeys orders keys by project, then by release version.
func sortedKeys[V any](m map[health.ReleaseKey]V) []health.ReleaseKey {
	keys := make([]health.ReleaseKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

func compareKeys(a, b health.ReleaseKey) int {
	if a.ProjectID != b.ProjectID {
		if a.ProjectID < b.ProjectID {
			return -1
		}
		return 1
	}
	return release.Compare(a.Release, b.Release)
}

// overviewRow is one release of the overview output.
type overviewRow struct {
	releaseRow
	health.Summary
}

func (s *session) runOverview(args []string) error {
	fs := s.newFlagSet("overview", "[flags] <project>:<release>...")
	config.RegisterQueryFlags(fs)
	qf := registerQueryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	keys, err := parseSelectors(fs.Args())
	if err != nil {
		return err
	}
	env, done, err := s.prepare(fs, qf)
	if err != nil {
		return err
	}
	defer done()

	summaries, err := env.engine.ReleaseHealthOverview(env.ctx, env.now,
		keys, health.OverviewOptions{
			SummaryStatsPeriod: env.cfg.SummaryStatsPeriod,
			HealthStatsPeriod:  env.cfg.HealthStatsPeriod,
			Stat:               health.Stat(env.cfg.Stat),
			Environments:       env.cfg.Environments,
		})
	if err != nil {
		return fmt.Errorf("overview: %w", err)
	}
	rows := make([]overviewRow, 0, len(summaries))
	for _, k := range sortedKeys(summaries) {
		rows = append(rows, overviewRow{
			releaseRow: newReleaseRow(k),
			Summary:    summaries[k],
		})
	}
	return writeJSON(s.out, rows)
}

// adoptionRow is one release of the adoption output.
type adoptionRow struct {
	releaseRow
	health.Adoption
}

func (s *session) runAdoption(args []string) error {
	fs := s.newFlagSet("adoption", "[flags] <project>:<release>...")
	config.RegisterCommonFlags(fs)
	qf := registerQueryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	keys, err := parseSelectors(fs.Args())
	if err != nil {
		return err
	}
	env, done, err := s.prepare(fs, qf)
	if err != nil {
		return err
	}
	defer done()

	adoption, err := env.engine.ReleaseAdoption(env.ctx, env.now,
		keys, env.cfg.Environments)
	if err != nil {
		return fmt.Errorf("adoption: %w", err)
	}
	rows := make([]adoptionRow, 0, len(adoption))
	for _, k := range sortedKeys(adoption) {
		rows = append(rows, adoptionRow{
			releaseRow: newReleaseRow(k),
			Adoption:   adoption[k],
		})
	}
	return writeJSON(s.out, rows)
}

type oldestRow struct {
	releaseRow
	Oldest string `json:"oldest"`
}

func (s *session) runOldest(args []string) error {
	fs := s.newFlagSet("oldest", "[flags] <project>:<release>...")
	config.RegisterBaseFlags(fs)
	qf := registerQueryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	keys, err := parseSelectors(fs.Args())
	if err != nil {
		return err
	}
	env, done, err := s.prepare(fs, qf)
	if err != nil {
		return err
	}
	defer done()

	oldest, err := env.engine.OldestHealthData(env.ctx, env.now, keys)
	if err != nil {
		return fmt.Errorf("oldest: %w", err)
	}
	rows := make([]oldestRow, 0, len(oldest))
	for _, k := range sortedKeys(oldest) {
		rows = append(rows, oldestRow{
			releaseRow: newReleaseRow(k),
			Oldest:     oldest[k],
		})
	}
	return writeJSON(s.out, rows)
}

func (s *session) runHasData(args []string) error {
	fs := s.newFlagSet("has-data", "[flags] <project>:<release>...")
	config.RegisterBaseFlags(fs)
	qf := registerQueryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	keys, err := parseSelectors(fs.Args())
	if err != nil {
		return err
	}
	env, done, err := s.prepare(fs, qf)
	if err != nil {
		return err
	}
	defer done()

	found, err := env.engine.HasHealthData(env.ctx, env.now, keys)
	if err != nil {
		return fmt.Errorf("has-data: %w", err)
	}
	rows := make([]releaseRow, 0, len(found))
	for _, k := range sortedKeys(found) {
		rows = append(rows, newReleaseRow(k))
	}
	return writeJSON(s.out, rows)
}

func (s *session) runBounds(args []string) error {
	fs := s.newFlagSet("bounds", "-project N -release R -org N [flags]")
	config.RegisterCommonFlags(fs)
	qf := registerQueryFlags(fs)
	project := fs.Int64("project", 0, "Project id")
	rel := fs.String("release", "", "Release name")
	org := fs.Int64("org", 0, "Organization id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project <= 0 || *rel == "" || *org <= 0 {
		return errors.New("-project, -release and -org are required")
	}
	env, done, err := s.prepare(fs, qf)
	if err != nil {
		return err
	}
	defer done()

	bounds, err := env.engine.ReleaseSessionsTimeBounds(env.ctx, env.now,
		health.BoundsQuery{
			ProjectID:    *project,
			Release:      *rel,
			OrgID:        *org,
			Environments: env.cfg.Environments,
		})
	if err != nil {
		return fmt.Errorf("bounds: %w", err)
	}
	return writeJSON(s.out, bounds)
}

func (s *session) runStability(args []string) error {
	fs := s.newFlagSet("stability", "-project N[,N...] [flags]")
	config.RegisterCommonFlags(fs)
	qf := registerQueryFlags(fs)
	projects := fs.String("project", "", "Comma-separated project ids")
	scope := fs.String("scope", string(health.ScopeSessions),
		"sessions, users, crash_free_sessions or crash_free_users")
	period := fs.String("period", "24h", "Trailing period counted")
	offset := fs.Int("offset", 0, "Releases to skip")
	limit := fs.Int("limit", 0, "Maximum releases to return; 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids, err := parseProjectIDs(*projects)
	if err != nil {
		return err
	}
	env, done, err := s.prepare(fs, qf)
	if err != nil {
		return err
	}
	defer done()

	keys, err := env.engine.ReleasesByStability(env.ctx, env.now,
		health.StabilityQuery{
			ProjectIDs:   ids,
			Offset:       *offset,
			Limit:        *limit,
			Scope:        health.Scope(*scope),
			StatsPeriod:  *period,
			Environments: env.cfg.Environments,
		})
	if err != nil {
		return fmt.Errorf("stability: %w", err)
	}
	rows := make([]releaseRow, len(keys))
	for i, k := range keys {
		rows[i] = newReleaseRow(k)
	}
	return writeJSON(s.out, rows)
}

func parseProjectIDs(s string) ([]int64, error) {
	parts := config.SplitList(s)
	if len(parts) == 0 {
		return nil, errors.New("-project is required")
	}
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid project id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *session) runStats(args []string) error {
	fs := s.newFlagSet("stats", "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := s.loadConfig(fs)
	if err != nil {
		return err
	}
	database, err := s.openDB(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, cfg.QueryTimeout)
	defer cancel()
	stats, err := database.GetStats(ctx)
	if err != nil {
		return err
	}
	return writeJSON(s.out, stats)
}
