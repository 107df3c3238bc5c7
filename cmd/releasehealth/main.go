package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wesm/releasehealth/internal/config"
	"github.com/wesm/releasehealth/internal/db"
	"github.com/wesm/releasehealth/internal/health"
	"github.com/wesm/releasehealth/internal/timeutil"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	code := newSession(ctx, os.Stdin, os.Stdout, os.Stderr).
		run(os.Args[1:])
	stop()
	os.Exit(code)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `releasehealth %s - release health statistics for session data

Loads session update events from JSONL files into SQLite and
answers crash-free, adoption and stability questions per release.

Usage:
  releasehealth ingest [flags] <path>...       Load event files or directories
  releasehealth overview [flags] <selector>... Health summary per release
  releasehealth adoption [flags] <selector>... 24h adoption per release
  releasehealth oldest [flags] <selector>...   Hour of the oldest session
  releasehealth has-data [flags] <selector>... Releases with any sessions
  releasehealth bounds [flags]                 First and last session of a release
  releasehealth stability [flags]              Releases ranked by popularity or crashes
  releasehealth stats                          Stored event counts
  releasehealth prune [flags]                  Delete old events
  releasehealth batch <file>                   Run one command per line of file
  releasehealth config [key value]             Show or set configuration
  releasehealth version                        Show version information
  releasehealth help                           Show this help

Selectors have the form <project>:<release>, e.g. 1:foo@1.0.0.

Query flags:
  -now string         Reference instant (RFC3339, default current time)
  -env string         Comma-separated environments to restrict to
  -timeout duration   Timeout for each query (default 30s)
  -log-level string   debug, info, warn or error (default "info")
  -trace              Write OpenTelemetry spans to stderr

Overview flags:
  -summary-period     Period of the summary counts (default: 90d)
  -health-period      Period of the attached series (default "24h")
  -stat               sessions or users (default "sessions")

Environment variables:
  RELEASEHEALTH_DATA_DIR      Data directory (database, config)
  RELEASEHEALTH_ENVIRONMENTS  Default environments
  RELEASEHEALTH_LOG_LEVEL     Default log level
  RELEASEHEALTH_QUERY_TIMEOUT Default query timeout

Data is stored in ~/.releasehealth/ by default.
`, version)
}

// session carries the streams and the lazily opened database
// shared by the commands of one invocation, including every line
// of a batch file.
type session struct {
	ctx    context.Context
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	db     *db.DB
	dbPath string
	// clock supplies the default reference instant.
	clock func() time.Time
}

func newSession(
	ctx context.Context, in io.Reader, out, errOut io.Writer,
) *session {
	return &session{
		ctx:    ctx,
		in:     in,
		out:    out,
		errOut: errOut,
		clock:  time.Now,
	}
}

// command is one subcommand. run receives the arguments after the
// command name.
type command struct {
	name string
	run  func(s *session, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"ingest", (*session).runIngest},
		{"overview", (*session).runOverview},
		{"adoption", (*session).runAdoption},
		{"oldest", (*session).runOldest},
		{"has-data", (*session).runHasData},
		{"bounds", (*session).runBounds},
		{"stability", (*session).runStability},
		{"stats", (*session).runStats},
		{"prune", (*session).runPrune},
		{"batch", (*session).runBatch},
		{"config", (*session).runConfig},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// run dispatches args and returns the process exit code.
func (s *session) run(args []string) int {
	defer s.close()
	if len(args) == 0 {
		printUsage(s.errOut)
		return 2
	}
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintf(s.out, "releasehealth %s (commit %s, built %s)\n",
			version, commit, buildDate)
		return 0
	case "help", "--help", "-h":
		printUsage(s.out)
		return 0
	}
	if err := s.dispatch(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(s.errOut, "error:", err)
		return 1
	}
	return 0
}

func (s *session) dispatch(args []string) error {
	cmd, ok := lookupCommand(args[0])
	if !ok {
		return fmt.Errorf("unknown command %q (see releasehealth help)", args[0])
	}
	return cmd.run(s, args[1:])
}

func (s *session) close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			fmt.Fprintln(s.errOut, "warning: closing database:", err)
		}
		s.db = nil
	}
}

// newFlagSet returns a FlagSet that reports errors instead of
// exiting, writing usage to the session's error stream.
func (s *session) newFlagSet(name, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(s.errOut)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: releasehealth %s %s\n\nFlags:\n", name, usage)
		fs.PrintDefaults()
	}
	return fs
}

// loadConfig layers the parsed flags over the configuration and
// makes sure the data directory exists.
func (s *session) loadConfig(fs *flag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(fs)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("creating data dir: %w", err)
	}
	return cfg, nil
}

// openDB opens the database on first use. Later calls in the same
// session reuse it.
func (s *session) openDB(cfg config.Config) (*db.DB, error) {
	if s.db != nil {
		if s.dbPath != cfg.DBPath {
			return nil, fmt.Errorf(
				"database %s already open, cannot switch to %s",
				s.dbPath, cfg.DBPath)
		}
		return s.db, nil
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = database
	s.dbPath = cfg.DBPath
	return database, nil
}

func (s *session) logger(cfg config.Config) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(s.errOut,
		&slog.HandlerOptions{Level: level}))
}

// queryFlags are the flags every query command accepts besides
// the configuration flags.
type queryFlags struct {
	now   *string
	trace *bool
}

func registerQueryFlags(fs *flag.FlagSet) queryFlags {
	return queryFlags{
		now: fs.String("now", "",
			"Reference instant (RFC3339); default current time"),
		trace: fs.Bool("trace", false,
			"Write OpenTelemetry spans to stderr"),
	}
}

// queryEnv is what a query command needs after flag parsing.
type queryEnv struct {
	ctx    context.Context
	cfg    config.Config
	engine *health.Engine
	now    time.Time
}

// prepare loads configuration, opens the database and builds the
// engine for a query command. The returned func must be called
// once the query is done.
func (s *session) prepare(
	fs *flag.FlagSet, qf queryFlags,
) (queryEnv, func(), error) {
	var env queryEnv
	cfg, err := s.loadConfig(fs)
	if err != nil {
		return env, nil, err
	}
	now := s.clock().UTC()
	if *qf.now != "" {
		if now, err = timeutil.ParseInstant(*qf.now); err != nil {
			return env, nil, fmt.Errorf("invalid -now: %w", err)
		}
	}
	database, err := s.openDB(cfg)
	if err != nil {
		return env, nil, err
	}

	logger := s.logger(cfg)
	opts := []health.Option{health.WithLogger(logger)}
	shutdown := func() {}
	if *qf.trace {
		tracer, flush, err := newStderrTracer(s.errOut)
		if err != nil {
			return env, nil, err
		}
		opts = append(opts, health.WithTracer(tracer))
		shutdown = func() {
			if err := flush(context.Background()); err != nil {
				logger.Warn("flushing spans", "error", err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, cfg.QueryTimeout)
	env = queryEnv{
		ctx:    ctx,
		cfg:    cfg,
		engine: health.New(database, opts...),
		now:    now,
	}
	return env, func() {
		cancel()
		shutdown()
	}, nil
}

// parseSelectors parses <project>:<release> arguments.
func parseSelectors(args []string) ([]health.ReleaseKey, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one <project>:<release> selector is required")
	}
	keys := make([]health.ReleaseKey, 0, len(args))
	for _, a := range args {
		k, err := health.ParseKey(a)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
