package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wesm/releasehealth/internal/db"
)

// Store is the part of the session store the loader writes to.
type Store interface {
	GetFileState(path string) (db.FileState, bool, error)
	IngestFile(path string, state db.FileState, events []db.SessionEvent) error
}

// FileResult describes the outcome of loading one file.
type FileResult struct {
	Path     string   `json:"path"`
	Events   int      `json:"events"`
	Rejected int      `json:"rejected"`
	Skipped  bool     `json:"skipped,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Result summarizes a LoadFiles run. Failed counts files that
// could not be read or stored at all.
type Result struct {
	Files    []FileResult `json:"files"`
	Events   int          `json:"events"`
	Rejected int          `json:"rejected"`
	Failed   int          `json:"failed"`
}

// maxReportedErrors caps the line errors kept per file.
const maxReportedErrors = 20

// Loader appends new lines of JSONL files to a Store. Each file
// is read from where the previous load stopped, so files that
// only grow can be loaded repeatedly.
type Loader struct {
	store  Store
	logger *slog.Logger
}

// NewLoader returns a Loader writing to store. A nil logger
// discards output.
func NewLoader(store Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loader{store: store, logger: logger}
}

// ExpandPaths replaces directories in paths with the .jsonl files
// beneath them. The result is sorted and free of duplicates.
func ExpandPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		err = filepath.WalkDir(p,
			func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil // skip inaccessible dirs
				}
				if !d.IsDir() && IsEventFile(path) {
					out = append(out, path)
				}
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", p, err)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// IsEventFile reports whether path names a JSONL event file.
func IsEventFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".jsonl")
}

// LoadFiles loads every path, continuing past failed files. The
// returned error joins the per-file failures.
func (l *Loader) LoadFiles(paths []string) (Result, error) {
	var (
		res  Result
		errs []error
	)
	for _, p := range paths {
		fr, err := l.LoadFile(p)
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			l.logger.Error("loading file failed",
				"path", p, "error", err)
			continue
		}
		res.Files = append(res.Files, fr)
		res.Events += fr.Events
		res.Rejected += fr.Rejected
	}
	return res, errors.Join(errs...)
}

// LoadFile ingests the complete lines appended to path since its
// last load. A file that shrank is reread from the start.
func (l *Loader) LoadFile(path string) (FileResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return FileResult{}, fmt.Errorf("resolving %s: %w", path, err)
	}
	fr := FileResult{Path: abs}

	f, err := os.Open(abs)
	if err != nil {
		return fr, fmt.Errorf("opening %s: %w", abs, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fr, fmt.Errorf("stat %s: %w", abs, err)
	}
	size, mtime := info.Size(), info.ModTime().UnixNano()

	state, ok, err := l.store.GetFileState(abs)
	if err != nil {
		return fr, err
	}
	if ok && state.Offset > size {
		l.logger.Warn("file shrank, rereading from start",
			"path", abs, "offset", state.Offset, "size", size)
		state = db.FileState{}
	}
	if ok && state.Offset == size && state.Mtime == mtime {
		fr.Skipped = true
		return fr, nil
	}

	data, err := io.ReadAll(io.NewSectionReader(f, state.Offset, size-state.Offset))
	if err != nil {
		return fr, fmt.Errorf("reading %s: %w", abs, err)
	}
	data = completeLines(data)
	if len(data) == 0 {
		fr.Skipped = true
		return fr, nil
	}

	events, bad, err := ParseEvents(bytes.NewReader(data))
	if err != nil {
		return fr, fmt.Errorf("parsing %s: %w", abs, err)
	}
	for _, pe := range bad {
		if len(fr.Errors) < maxReportedErrors {
			pe.Line += state.Lines
			fr.Errors = append(fr.Errors, pe.Error())
		}
	}
	fr.Events = len(events)
	fr.Rejected = len(bad)

	next := db.FileState{
		Offset: state.Offset + int64(len(data)),
		Lines:  state.Lines + lineCount(data),
		Mtime:  mtime,
	}
	if err := l.store.IngestFile(abs, next, events); err != nil {
		return fr, fmt.Errorf("storing %s: %w", abs, err)
	}
	l.logger.Info("ingested file",
		"path", abs, "events", fr.Events, "rejected", fr.Rejected)
	if fr.Rejected > 0 {
		l.logger.Warn("rejected lines",
			"path", abs, "count", fr.Rejected, "first", fr.Errors[0])
	}
	return fr, nil
}

// completeLines trims a trailing partial line that may still be
// being written. A final line without newline is kept when it is
// already a complete JSON value.
func completeLines(data []byte) []byte {
	cut := bytes.LastIndexByte(data, '\n') + 1
	rest := bytes.TrimSpace(data[cut:])
	if len(rest) > 0 && gjson.ValidBytes(rest) {
		return data
	}
	return data[:cut]
}

// lineCount counts the terminated lines in data. An unterminated
// final line is counted once its newline arrives in a later load.
func lineCount(data []byte) int {
	return bytes.Count(data, []byte{'\n'})
}
