package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wesm/releasehealth/internal/health"
)

// DefaultRetentionDays is the retention recorded for events that
// don't carry their own.
const DefaultRetentionDays = 90

// SessionEvent is one session update as stored. Several events
// may share a session id; counts are distinct over it.
type SessionEvent struct {
	SessionID     string
	Seq           int64
	OrgID         int64
	ProjectID     int64
	DistinctID    string
	Status        health.Status
	Release       string
	Environment   string
	Duration      *float64 // seconds, nil when unknown
	Errors        int
	Started       time.Time
	Received      time.Time
	RetentionDays int
}

// InsertEvents appends events in a single transaction. Events are
// never merged: a repeated (session_id, seq) is stored again.
func (db *DB) InsertEvents(events []SessionEvent) error {
	if len(events) == 0 {
		return nil
	}
	return db.Update(func(tx *sql.Tx) error {
		return insertEvents(tx, events)
	})
}

func insertEvents(tx *sql.Tx, events []SessionEvent) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO session_events (
			session_id, seq, org_id, project_id,
			distinct_id, status, release, environment,
			duration, errors, started, received,
			retention_days
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		retention := e.RetentionDays
		if retention <= 0 {
			retention = DefaultRetentionDays
		}
		received := e.Received
		if received.IsZero() {
			received = e.Started
		}
		var duration sql.NullFloat64
		if e.Duration != nil {
			duration = sql.NullFloat64{
				Float64: *e.Duration, Valid: true,
			}
		}
		_, err := stmt.Exec(
			e.SessionID, e.Seq, e.OrgID, e.ProjectID,
			e.DistinctID, string(e.Status), e.Release,
			e.Environment, duration, e.Errors,
			e.Started.Unix(), received.Unix(), retention,
		)
		if err != nil {
			return fmt.Errorf(
				"inserting event %s/%d: %w",
				e.SessionID, e.Seq, err,
			)
		}
	}
	return nil
}

// DeleteBefore removes events that started before cutoff and
// returns how many were deleted.
func (db *DB) DeleteBefore(cutoff time.Time) (int64, error) {
	var n int64
	err := db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM session_events WHERE started < ?",
			cutoff.Unix(),
		)
		if err != nil {
			return fmt.Errorf("deleting events: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// DeleteExpired removes events whose own retention has elapsed at
// now.
func (db *DB) DeleteExpired(now time.Time) (int64, error) {
	var n int64
	err := db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`DELETE FROM session_events
			WHERE started + retention_days * 86400 < ?`,
			now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("deleting expired events: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// CountBefore returns how many events DeleteBefore would remove.
func (db *DB) CountBefore(cutoff time.Time) (int64, error) {
	var n int64
	err := db.Reader().QueryRow(
		"SELECT COUNT(*) FROM session_events WHERE started < ?",
		cutoff.Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// CountExpired returns how many events DeleteExpired would
// remove at now.
func (db *DB) CountExpired(now time.Time) (int64, error) {
	var n int64
	err := db.Reader().QueryRow(
		`SELECT COUNT(*) FROM session_events
		WHERE started + retention_days * 86400 < ?`,
		now.Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting expired events: %w", err)
	}
	return n, nil
}

// Stats summarizes the stored events.
type Stats struct {
	EventCount   int `json:"event_count"`
	SessionCount int `json:"session_count"`
	ProjectCount int `json:"project_count"`
	ReleaseCount int `json:"release_count"`
}

// GetStats counts stored events, sessions, projects and
// releases.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	const query = `
		SELECT
			COUNT(*),
			COUNT(DISTINCT project_id || ':' || session_id),
			COUNT(DISTINCT project_id),
			COUNT(DISTINCT project_id || ':' || release)
		FROM session_events`

	var s Stats
	err := db.Reader().QueryRowContext(ctx, query).Scan(
		&s.EventCount,
		&s.SessionCount,
		&s.ProjectCount,
		&s.ReleaseCount,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("fetching stats: %w", err)
	}
	return s, nil
}
