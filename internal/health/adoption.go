package health

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// adoptionWindow is the trailing span adoption is measured over.
const adoptionWindow = 24 * time.Hour

// Adoption describes how much of a project's last-24h traffic a
// release accounts for.
type Adoption struct {
	Sessions24h        int64    `json:"sessions_24h"`
	Users24h           int64    `json:"users_24h"`
	ProjectSessions24h int64    `json:"project_sessions_24h"`
	ProjectUsers24h    int64    `json:"project_users_24h"`
	Adoption           *float64 `json:"adoption"`
	SessionsAdoption   *float64 `json:"sessions_adoption"`
}

// ReleaseAdoption computes user and session adoption for each key
// over the 24 hours ending at now. Keys without sessions in that
// window are absent from the result.
func (e *Engine) ReleaseAdoption(
	ctx context.Context, now time.Time,
	keys []ReleaseKey, environments []string,
) (_ map[ReleaseKey]Adoption, err error) {
	if len(keys) == 0 {
		return map[ReleaseKey]Adoption{}, nil
	}
	ctx, span := e.startSpan(ctx, "ReleaseAdoption",
		attribute.Int("selectors", len(keys)))
	defer func() { endSpan(span, err) }()

	return e.releaseAdoption(ctx, now, keys, environments)
}

func (e *Engine) releaseAdoption(
	ctx context.Context, now time.Time,
	keys []ReleaseKey, environments []string,
) (map[ReleaseKey]Adoption, error) {
	f, keep := selectorFilter(keys)
	f.Environments = environments
	projectFilter := Filter{
		ProjectIDs:   f.ProjectIDs,
		Environments: environments,
	}
	w := trailing(now, adoptionWindow)

	var (
		projectSessions, projectUsers []Row
		releaseSessions, releaseUsers []Row
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		projectSessions, err = e.countSessions(gctx,
			"project sessions 24h", projectFilter, w, GroupProject)
		return err
	})
	g.Go(func() (err error) {
		projectUsers, err = e.countUsers(gctx,
			"project users 24h", projectFilter, w, GroupProject)
		return err
	})
	g.Go(func() (err error) {
		releaseSessions, err = e.countSessions(gctx,
			"release sessions 24h", f, w, GroupProjectRelease)
		return err
	})
	g.Go(func() (err error) {
		releaseUsers, err = e.countUsers(gctx,
			"release users 24h", f, w, GroupProjectRelease)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	totalSessions := projectMap(projectSessions)
	totalUsers := projectMap(projectUsers)
	users := countMap(releaseUsers, keep)

	out := make(map[ReleaseKey]Adoption)
	for key, sessions := range countMap(releaseSessions, keep) {
		if sessions == 0 {
			continue
		}
		pSessions := totalSessions[key.ProjectID]
		pUsers := totalUsers[key.ProjectID]
		out[key] = Adoption{
			Sessions24h:        sessions,
			Users24h:           users[key],
			ProjectSessions24h: pSessions,
			ProjectUsers24h:    pUsers,
			Adoption:           AdoptionRate(users[key], pUsers),
			SessionsAdoption:   AdoptionRate(sessions, pSessions),
		}
	}
	return out, nil
}
