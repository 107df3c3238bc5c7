package ingest

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

// startTestWatcherNoCleanup sets up a watcher without registering
// t.Cleanup(w.Stop), for tests that explicitly exercise Stop().
func startTestWatcherNoCleanup(
	t *testing.T, onChange func([]string),
) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWatcher(50*time.Millisecond, nil, onChange)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if _, _, err := w.Watch([]string{dir}); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	w.Start()
	return w, dir
}

// startTestWatcher encapsulates watcher setup and lifecycle.
func startTestWatcher(
	t *testing.T, onChange func([]string),
) (*Watcher, string) {
	t.Helper()
	w, dir := startTestWatcherNoCleanup(t, onChange)
	t.Cleanup(func() { w.Stop() })
	return w, dir
}

// waitWithTimeout waits for a channel signal or fails the test.
func waitWithTimeout(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatal(msg)
	}
}

// pollUntil polls fn with the given interval until it returns true
// or the timeout expires.
func pollUntil(
	t *testing.T,
	timeout, interval time.Duration,
	msg string,
	fn func() bool,
) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(interval)
	}
	if fn() {
		return
	}
	t.Fatal(msg)
}

// newMockWatcher creates a Watcher struct for internal unit tests.
func newMockWatcher(
	debounce time.Duration, onChange func([]string),
) *Watcher {
	return &Watcher{
		debounce: debounce,
		accept:   IsEventFile,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending:  make(map[string]time.Time),
		onChange: onChange,
		now:      time.Now,
	}
}

func setPending(w *Watcher, path string, t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = t
}

func getPendingCount(w *Watcher) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func pendingContains(w *Watcher, path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[path]
	return ok
}

func TestWatcherCallsOnChange(t *testing.T) {
	var once sync.Once
	var mu sync.Mutex
	var gotPaths []string
	done := make(chan struct{})

	_, dir := startTestWatcher(t, func(paths []string) {
		mu.Lock()
		gotPaths = append(gotPaths, paths...)
		mu.Unlock()
		once.Do(func() { close(done) })
	})

	path := filepath.Join(dir, "events.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitWithTimeout(t, done, 5*time.Second, "timed out waiting for onChange callback")

	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(gotPaths, path) {
		t.Fatalf("onChange did not contain expected path %s, got %v", path, gotPaths)
	}
}

func TestWatcherWatchesFileParent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, err := NewWatcher(time.Second, nil, func([]string) {})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	w.Start()

	watched, unwatched, err := w.Watch([]string{path})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if watched != 1 || unwatched != 0 {
		t.Fatalf("watched %d, unwatched %d, want 1, 0", watched, unwatched)
	}
	if !slices.Contains(w.watcher.WatchList(), dir) {
		t.Fatalf("watch list %v does not contain %s", w.watcher.WatchList(), dir)
	}

	if _, _, err := w.Watch([]string{filepath.Join(dir, "missing.jsonl")}); err == nil {
		t.Fatal("Watch of a missing path should fail")
	}
}

func TestWatcherAutoWatchesNewDirs(t *testing.T) {
	var mu sync.Mutex
	var allPaths []string

	w, dir := startTestWatcher(t, func(paths []string) {
		mu.Lock()
		allPaths = append(allPaths, paths...)
		mu.Unlock()
	})

	subdir := filepath.Join(dir, "newdir")
	if err := os.Mkdir(subdir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	pollUntil(t, 5*time.Second, 10*time.Millisecond,
		"timed out waiting for watcher to add new directory",
		func() bool {
			return slices.Contains(w.watcher.WatchList(), subdir)
		},
	)

	nestedPath := filepath.Join(subdir, "nested.jsonl")
	if err := os.WriteFile(nestedPath, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pollUntil(t, 5*time.Second, 50*time.Millisecond,
		"timed out waiting for nested file change",
		func() bool {
			mu.Lock()
			defer mu.Unlock()
			return slices.Contains(allPaths, nestedPath)
		},
	)
}

func TestWatcherStopIdempotency(t *testing.T) {
	w, _ := startTestWatcherNoCleanup(t, func(_ []string) {})

	w.Stop()
	w.Stop()

	w2, dir2 := startTestWatcherNoCleanup(t, func(_ []string) {})

	stressPath := filepath.Join(dir2, "stress.jsonl")
	if err := os.WriteFile(stressPath, []byte("data"), 0o644); err != nil {
		t.Fatalf("stress write: %v", err)
	}

	// Stop must not race an event still being processed.
	pollUntil(t, 5*time.Second, 5*time.Millisecond,
		"timed out waiting for watcher to observe stress write",
		func() bool { return getPendingCount(w2) > 0 },
	)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			w2.Stop()
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	waitWithTimeout(t, done, 5*time.Second, "concurrent Stop() timed out")
}

func TestHandleEventIgnoresNonWriteCreate(t *testing.T) {
	w := newMockWatcher(0, nil)

	for _, op := range []fsnotify.Op{fsnotify.Chmod, fsnotify.Rename, fsnotify.Remove} {
		w.handleEvent(fsnotify.Event{Name: "events.jsonl", Op: op})
	}

	if n := getPendingCount(w); n != 0 {
		t.Fatalf("expected 0 pending, got %d", n)
	}
}

func TestHandleEventFiltersNonEventFiles(t *testing.T) {
	w := newMockWatcher(0, nil)

	w.handleEvent(fsnotify.Event{Name: "/tmp/notes.txt", Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: "/tmp/test.jsonl", Op: fsnotify.Write})

	if pendingContains(w, "/tmp/notes.txt") {
		t.Fatal("non-JSONL file should not be pending")
	}
	if !pendingContains(w, "/tmp/test.jsonl") {
		t.Fatal("expected /tmp/test.jsonl in pending map")
	}
}

func TestFlushRespectsDebouncePeriod(t *testing.T) {
	var called atomic.Bool
	w := newMockWatcher(100*time.Millisecond,
		func(_ []string) { called.Store(true) },
	)

	setPending(w, "/tmp/recent.jsonl", time.Now())

	w.flush()

	if called.Load() {
		t.Fatal("flush should not call onChange before debounce")
	}
	if n := getPendingCount(w); n != 1 {
		t.Fatalf("expected 1 pending, got %d", n)
	}
}

func TestFlushCallsOnChangeAfterDebounce(t *testing.T) {
	var gotPaths []string
	w := newMockWatcher(10*time.Millisecond,
		func(paths []string) { gotPaths = paths },
	)

	setPending(w, "/tmp/old.jsonl", time.Now().Add(-50*time.Millisecond))

	w.flush()

	if len(gotPaths) != 1 || gotPaths[0] != "/tmp/old.jsonl" {
		t.Fatalf("expected [/tmp/old.jsonl], got %v", gotPaths)
	}
	if n := getPendingCount(w); n != 0 {
		t.Fatalf("expected 0 pending after flush, got %d", n)
	}
}

func TestNewWatcherRejectsBadArguments(t *testing.T) {
	if _, err := NewWatcher(time.Second, nil, nil); !errors.Is(err, os.ErrInvalid) {
		t.Errorf("nil onChange: expected wrapped os.ErrInvalid, got %v", err)
	}
	if _, err := NewWatcher(0, nil, func([]string) {}); !errors.Is(err, os.ErrInvalid) {
		t.Errorf("zero debounce: expected wrapped os.ErrInvalid, got %v", err)
	}
}
