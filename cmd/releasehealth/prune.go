package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wesm/releasehealth/internal/db"
	"github.com/wesm/releasehealth/internal/timeutil"
)

// PruneConfig holds parsed CLI options for the prune command.
// Exactly one of Before and Expired is set.
type PruneConfig struct {
	Before  time.Time
	Expired bool
	DryRun  bool
	Yes     bool
}

func parsePruneFlags(fs *flag.FlagSet, args []string) (PruneConfig, error) {
	before := fs.String(
		"before", "",
		"Events that started before this date (YYYY-MM-DD or RFC3339)",
	)
	expired := fs.Bool(
		"expired", false,
		"Events whose retention period has elapsed",
	)
	dryRun := fs.Bool(
		"dry-run", false,
		"Show what would be pruned without deleting",
	)
	yes := fs.Bool(
		"yes", false,
		"Skip confirmation prompt",
	)

	if err := fs.Parse(args); err != nil {
		return PruneConfig{}, err
	}

	cfg := PruneConfig{
		Expired: *expired,
		DryRun:  *dryRun,
		Yes:     *yes,
	}
	switch {
	case *before != "" && *expired:
		return PruneConfig{}, errors.New(
			"--before and --expired are mutually exclusive",
		)
	case *before != "":
		t, err := parseCutoff(*before)
		if err != nil {
			return PruneConfig{}, err
		}
		cfg.Before = t
	case !*expired:
		return PruneConfig{}, errors.New(
			"a filter is required\nuse --before or --expired",
		)
	}
	return cfg, nil
}

// parseCutoff accepts a UTC date or an RFC3339 instant.
func parseCutoff(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := timeutil.ParseInstant(s)
	if err != nil {
		return time.Time{}, fmt.Errorf(
			"invalid --before %q: want YYYY-MM-DD or RFC3339", s,
		)
	}
	return t, nil
}

// PruneStore is the part of the database the pruner uses.
type PruneStore interface {
	CountBefore(cutoff time.Time) (int64, error)
	DeleteBefore(cutoff time.Time) (int64, error)
	CountExpired(now time.Time) (int64, error)
	DeleteExpired(now time.Time) (int64, error)
}

var _ PruneStore = (*db.DB)(nil)

// Pruner executes the prune workflow against a database.
type Pruner struct {
	DB  PruneStore
	Out io.Writer
	In  io.Reader
	Now func() time.Time
}

// Prune counts matching events and deletes them.
func (p *Pruner) Prune(cfg PruneConfig) error {
	now := p.Now().UTC()
	count, del := p.DB.CountBefore, p.DB.DeleteBefore
	at, what := cfg.Before, "started before "+
		timeutil.FormatInstant(cfg.Before)
	if cfg.Expired {
		count, del = p.DB.CountExpired, p.DB.DeleteExpired
		at, what = now, "past their retention"
	}

	n, err := count(at)
	if err != nil {
		return fmt.Errorf("counting events: %w", err)
	}
	if n == 0 {
		fmt.Fprintf(p.Out, "No events %s.\n", what)
		return nil
	}
	fmt.Fprintf(p.Out, "Found %d events %s\n", n, what)

	if cfg.DryRun {
		fmt.Fprintln(p.Out, "\nDry run: no changes made.")
		return nil
	}

	if !cfg.Yes {
		msg := fmt.Sprintf("\nDelete %d events?", n)
		if !confirm(p.In, p.Out, msg) {
			fmt.Fprintln(p.Out, "Aborted.")
			return nil
		}
	}

	deleted, err := del(at)
	if err != nil {
		return fmt.Errorf("deleting events: %w", err)
	}
	fmt.Fprintf(p.Out, "\nDeleted %d events\n", deleted)
	return nil
}

func confirm(r io.Reader, w io.Writer, msg string) bool {
	fmt.Fprintf(w, "%s [y/N] ", msg)
	scanner := bufio.NewScanner(r)
	scanner.Scan()
	ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return ans == "y" || ans == "yes"
}

func (s *session) runPrune(args []string) error {
	fs := s.newFlagSet("prune", "--before DATE | --expired [flags]")
	cfg, err := parsePruneFlags(fs, args)
	if err != nil {
		return err
	}
	appCfg, err := s.loadConfig(nil)
	if err != nil {
		return err
	}
	database, err := s.openDB(appCfg)
	if err != nil {
		return err
	}
	pruner := &Pruner{
		DB:  database,
		Out: s.out,
		In:  s.in,
		Now: s.clock,
	}
	if err := pruner.Prune(cfg); err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	return nil
}
