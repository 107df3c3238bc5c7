package main

import (
	"errors"
	"fmt"
)

// runConfig prints the effective configuration, or persists one
// key when given "key value".
func (s *session) runConfig(args []string) error {
	fs := s.newFlagSet("config", "[key value]")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := s.loadConfig(nil)
	if err != nil {
		return err
	}
	switch fs.NArg() {
	case 0:
		return writeJSON(s.out, cfg.Values())
	case 2:
		if err := cfg.Set(fs.Arg(0), fs.Arg(1)); err != nil {
			return fmt.Errorf("setting %s: %w", fs.Arg(0), err)
		}
		fmt.Fprintf(s.out, "%s = %s\n", fs.Arg(0), fs.Arg(1))
		return nil
	}
	return errors.New("usage: releasehealth config [key value]")
}
