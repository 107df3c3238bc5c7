package ingest

import (
	"bufio"
	"errors"
	"io"
)

const (
	initialScanBufSize = 64 * 1024
	// maxLineSize bounds a single event line.
	maxLineSize = 1024 * 1024
)

var errLineTooLong = errors.New("line exceeds maximum length")

// lineReader reads JSONL input line by line, reporting lines that
// exceed maxLen rather than aborting. The buffer starts small and
// grows on demand up to maxLen.
type lineReader struct {
	r      *bufio.Reader
	maxLen int
	buf    []byte
	lineNo int
}

func newLineReader(r io.Reader, maxLen int) *lineReader {
	return &lineReader{
		r:      bufio.NewReaderSize(r, initialScanBufSize),
		maxLen: maxLen,
		buf:    make([]byte, 0, min(initialScanBufSize, maxLen)),
	}
}

// next returns the next non-blank line (without trailing newline)
// and its 1-based line number. An oversized line is skipped and
// reported with errLineTooLong. At the end of input err is io.EOF.
func (lr *lineReader) next() (string, int, error) {
	for {
		line, oversized, err := lr.readLine()
		if err != nil {
			return "", lr.lineNo, err
		}
		if oversized {
			return "", lr.lineNo, errLineTooLong
		}
		if line != "" {
			return line, lr.lineNo, nil
		}
	}
}

// readLine reads a full line. err is non-nil only at EOF or on a
// read failure.
func (lr *lineReader) readLine() (string, bool, error) {
	lr.buf = lr.buf[:0]
	oversized := false

	for {
		chunk, isPrefix, err := lr.r.ReadLine()
		if err != nil {
			if (len(lr.buf) > 0 || oversized) && err == io.EOF {
				break
			}
			return "", false, err
		}

		if oversized {
			if !isPrefix {
				break
			}
			continue
		}

		lr.buf = append(lr.buf, chunk...)

		if len(lr.buf) > lr.maxLen {
			oversized = true
			lr.buf = lr.buf[:0]
			if !isPrefix {
				break
			}
			continue
		}

		if !isPrefix {
			break
		}
	}

	lr.lineNo++
	if oversized {
		return "", true, nil
	}
	return string(lr.buf), false, nil
}
