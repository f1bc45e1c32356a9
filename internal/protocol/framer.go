package protocol

import (
	"bytes"
	"strings"
)

// MaxLineLength bounds a single command line, newline excluded.
const MaxLineLength = 64 * 1024

// Framer turns a byte stream into command lines. A line may arrive across
// several reads and one read may carry several lines; whatever follows the
// last newline stays buffered until the next Feed.
type Framer struct {
	buf        []byte
	discarding bool
}

// Feed appends p to the buffer and returns every complete line, trimmed.
// Blank lines are skipped. ErrLineTooLong is returned (together with the
// lines completed so far) once the unterminated remainder exceeds
// MaxLineLength. The oversized line is then dropped up to and including
// its newline, however many later Feeds that takes.
func (f *Framer) Feed(p []byte) ([]string, error) {
	if f.discarding {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			return nil, nil
		}
		f.discarding = false
		p = p[i+1:]
	}
	f.buf = append(f.buf, p...)

	var lines []string
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(strings.ToValidUTF8(string(f.buf[:i]), "�"))
		f.buf = f.buf[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}

	if len(f.buf) > MaxLineLength {
		f.buf = nil
		f.discarding = true
		return lines, ErrLineTooLong
	}
	if len(f.buf) == 0 {
		f.buf = nil
	} else {
		f.buf = append([]byte(nil), f.buf...)
	}
	return lines, nil
}

// Buffered reports how many bytes are waiting for a newline.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
