package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/shlex"
)

// runBatch runs one command per line of a file ("-" for stdin)
// against a single open database. Blank lines and lines starting
// with # are skipped. The first failing line stops the batch.
func (s *session) runBatch(args []string) error {
	fs := s.newFlagSet("batch", "<file>")
	keepGoing := fs.Bool("keep-going", false,
		"Report failing lines and continue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("exactly one batch file is required")
	}

	var r io.Reader = s.in
	if name := fs.Arg(0); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("opening batch file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var failed int
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words, err := shlex.Split(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if len(words) == 0 {
			continue
		}
		if words[0] == "batch" {
			return fmt.Errorf("line %d: batch files cannot nest", lineNo)
		}
		if err := s.dispatch(words); err != nil {
			if !*keepGoing {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			failed++
			fmt.Fprintf(s.errOut, "error: line %d: %v\n", lineNo, err)
		}
		if err := s.ctx.Err(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading batch file: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d batch lines failed", failed)
	}
	return nil
}
