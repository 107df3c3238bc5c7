package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// FileState records how far a source file has been ingested.
type FileState struct {
	Offset int64 // bytes consumed
	Lines  int   // lines consumed
	Mtime  int64 // unix nanoseconds at ingest
}

// GetFileState returns the ingest state of path, or ok=false when
// the file has never been ingested.
func (db *DB) GetFileState(path string) (FileState, bool, error) {
	var s FileState
	err := db.reader.QueryRow(
		"SELECT file_offset, file_lines, file_mtime"+
			" FROM ingested_files WHERE file_path = ?",
		path,
	).Scan(&s.Offset, &s.Lines, &s.Mtime)
	if errors.Is(err, sql.ErrNoRows) {
		return FileState{}, false, nil
	}
	if err != nil {
		return FileState{}, false, fmt.Errorf(
			"loading file state %s: %w", path, err,
		)
	}
	return s, true, nil
}

// IngestFile appends events read from path and advances its
// recorded state in one transaction, so a crash never records an
// offset past events that were not stored.
func (db *DB) IngestFile(
	path string, state FileState, events []SessionEvent,
) error {
	return db.Update(func(tx *sql.Tx) error {
		if err := insertEvents(tx, events); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO ingested_files
				(file_path, file_offset, file_lines, file_mtime)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(file_path) DO UPDATE SET
				file_offset = excluded.file_offset,
				file_lines = excluded.file_lines,
				file_mtime = excluded.file_mtime`,
			path, state.Offset, state.Lines, state.Mtime,
		)
		if err != nil {
			return fmt.Errorf("recording file state %s: %w", path, err)
		}
		return nil
	})
}

// ForgetFiles removes all recorded file states so the next ingest
// rereads every file from the start.
func (db *DB) ForgetFiles() error {
	return db.Update(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM ingested_files"); err != nil {
			return fmt.Errorf("clearing file states: %w", err)
		}
		return nil
	})
}
