package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/releasehealth/internal/db"
	"github.com/wesm/releasehealth/internal/health"
)

type releaseSpec struct {
	project  int64
	release  string
	sessions int
	users    int
	// crashEvery marks every n-th session crashed; 0 for none.
	crashEvery int
	// ageHours is how long before now the first session started.
	ageHours int
}

var specs = []releaseSpec{
	{1, "frontend@1.0.0", 40, 12, 0, 72},
	{1, "frontend@1.1.0-beta.1", 25, 8, 5, 30},
	{1, "frontend@1.1.0", 120, 30, 20, 20},
	{2, "backend@2.3.4", 60, 10, 3, 48},
	{2, "backend@0f1e2d3c4b5a69788796a5b4c3d2e1f0a9b8c7d6", 15, 4, 0, 6},
}

// fixtureNamespace seeds deterministic session and user ids.
var fixtureNamespace = uuid.MustParse("6ba7b814-9dad-11d1-80b4-00c04fd430c8")

func main() {
	out := flag.String("out", "", "output database path")
	nowFlag := flag.String("now", "", "reference instant (RFC3339); default current hour")
	flag.Parse()
	if *out == "" {
		fmt.Fprintln(os.Stderr, "usage: testfixture -out <path> [-now RFC3339]")
		os.Exit(1)
	}

	now := time.Now().UTC().Truncate(time.Hour)
	if *nowFlag != "" {
		t, err := time.Parse(time.RFC3339, *nowFlag)
		if err != nil {
			log.Fatalf("invalid -now: %v", err)
		}
		now = t.UTC()
	}

	if err := os.Remove(*out); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		log.Fatalf("removing existing db: %v", err)
	}

	database, err := db.Open(*out)
	if err != nil {
		log.Fatalf("opening db: %v", err)
	}
	defer database.Close()

	for _, spec := range specs {
		events := generateEvents(spec, now)
		if err := database.InsertEvents(events); err != nil {
			log.Fatalf("inserting %s: %v", spec.release, err)
		}
		fmt.Printf("  %d:%s: %d events\n",
			spec.project, spec.release, len(events))
	}

	fmt.Printf("Fixture DB written to %s\n", *out)
}

func fixtureID(parts ...any) string {
	return uuid.NewSHA1(fixtureNamespace,
		[]byte(fmt.Sprint(parts...))).String()
}

// generateEvents spreads a release's sessions evenly between its
// first start and now. Each session gets an ok update followed by
// its final status.
func generateEvents(spec releaseSpec, now time.Time) []db.SessionEvent {
	first := now.Add(-time.Duration(spec.ageHours) * time.Hour)
	step := time.Duration(spec.ageHours) * time.Hour /
		time.Duration(spec.sessions)

	events := make([]db.SessionEvent, 0, 2*spec.sessions)
	for i := range spec.sessions {
		started := first.Add(time.Duration(i) * step)
		base := db.SessionEvent{
			SessionID:   fixtureID(spec.project, spec.release, i),
			OrgID:       1,
			ProjectID:   spec.project,
			DistinctID:  fixtureID("user", spec.project, i%spec.users),
			Status:      health.StatusOK,
			Release:     spec.release,
			Environment: "production",
			Started:     started,
			Received:    started,
		}
		if i%7 == 3 {
			base.Environment = "staging"
		}

		final := base
		final.Seq = 1
		final.Status = health.StatusExited
		final.Received = started.Add(time.Minute)
		duration := float64(30 + (i*37)%600)
		final.Duration = &duration
		if spec.crashEvery > 0 && i%spec.crashEvery == spec.crashEvery-1 {
			final.Status = health.StatusCrashed
			final.Errors = 1
		}
		events = append(events, base, final)
	}
	return events
}
