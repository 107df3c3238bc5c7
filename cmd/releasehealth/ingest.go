package main

import (
	"errors"
	"fmt"

	"github.com/wesm/releasehealth/internal/config"
	"github.com/wesm/releasehealth/internal/ingest"
)

// IngestConfig holds parsed CLI options for the ingest command.
type IngestConfig struct {
	Paths []string
	Watch bool
}

func (s *session) runIngest(args []string) error {
	fs := s.newFlagSet("ingest", "[-watch] <path>...")
	config.RegisterBaseFlags(fs)
	watch := fs.Bool("watch", false,
		"Keep running and load files again as they change")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ic := IngestConfig{Paths: fs.Args(), Watch: *watch}
	if len(ic.Paths) == 0 {
		return errors.New("at least one file or directory is required")
	}

	cfg, err := s.loadConfig(fs)
	if err != nil {
		return err
	}
	database, err := s.openDB(cfg)
	if err != nil {
		return err
	}
	logger := s.logger(cfg)
	loader := ingest.NewLoader(database, logger)

	files, err := ingest.ExpandPaths(ic.Paths)
	if err != nil {
		return err
	}
	res, loadErr := loader.LoadFiles(files)
	if err := writeJSON(s.out, res); err != nil {
		return err
	}
	if !ic.Watch {
		if loadErr != nil {
			return fmt.Errorf("%d of %d files failed: %w",
				res.Failed, len(files), loadErr)
		}
		return nil
	}
	if loadErr != nil {
		logger.Warn("initial load incomplete", "failed", res.Failed)
	}

	watcher, err := ingest.NewWatcher(cfg.WatchDebounce, logger,
		func(paths []string) {
			r, err := loader.LoadFiles(paths)
			if err != nil {
				logger.Warn("reload failed", "error", err)
			}
			logger.Info("reloaded files",
				"files", len(paths), "events", r.Events,
				"rejected", r.Rejected)
		})
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	watched, unwatched, err := watcher.Watch(ic.Paths)
	if err != nil {
		return fmt.Errorf("watching paths: %w", err)
	}
	if unwatched > 0 {
		logger.Warn("some directories could not be watched",
			"unwatched", unwatched)
	}
	logger.Info("watching for changes", "directories", watched)
	watcher.Start()
	<-s.ctx.Done()
	watcher.Stop()
	return nil
}
