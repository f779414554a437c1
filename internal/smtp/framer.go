package smtp

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// maxLineLength is the RFC 5321 command line limit including CRLF.
const maxLineLength = 512

var (
	// ErrLineTooLong is returned for a command line over the limit. The rest
	// of the line has been consumed, so the next read starts fresh.
	ErrLineTooLong = errors.New("smtp: line too long")

	// ErrMessageTooLarge is returned when content exceeds the size limit.
	// The content has been consumed up to and including the terminator.
	ErrMessageTooLarge = errors.New("smtp: message too large")
)

// Framer splits the client byte stream into command lines and, after DATA,
// a dot-terminated content block. Partial input is buffered across reads.
type Framer struct {
	r       *bufio.Reader
	maxLine int
}

// NewFramer wraps r. A maxLine of zero or less selects the RFC 5321 limit.
func NewFramer(r io.Reader, maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = maxLineLength
	}
	return &Framer{r: bufio.NewReader(r), maxLine: maxLine}
}

// ReadLine returns the next command line without its terminator. CRLF and
// bare LF are both accepted.
func (f *Framer) ReadLine() (string, error) {
	line, truncated, err := f.readRaw(f.maxLine)
	if err != nil {
		return "", err
	}
	if truncated {
		return "", ErrLineTooLong
	}
	return trimEOL(string(line)), nil
}

// ReadContent reads message content up to the line holding a single ".".
// The terminator is stripped, a leading "." is removed from stuffed lines
// and every line ends with "\n". A max of zero or less means no limit.
func (f *Framer) ReadContent(max int64) (string, error) {
	var (
		b        strings.Builder
		tooLarge bool
	)

	limit := 0
	if max > 0 {
		limit = int(max) + 2
	}

	for {
		raw, truncated, err := f.readRaw(limit)
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		if err != nil {
			return "", err
		}
		if truncated {
			tooLarge = true
		}

		line := trimEOL(string(raw))
		if line == "." {
			break
		}
		if tooLarge {
			continue
		}

		line = strings.TrimPrefix(line, ".")
		if max > 0 && int64(b.Len()+len(line)+1) > max {
			tooLarge = true
			b.Reset()
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	if tooLarge {
		return "", ErrMessageTooLarge
	}
	return b.String(), nil
}

// readRaw reads through the next '\n'. Bytes past limit are discarded and
// reported as truncated; a limit of zero keeps everything. A stream that ends
// before '\n' drops the partial line.
func (f *Framer) readRaw(limit int) ([]byte, bool, error) {
	var (
		buf       []byte
		truncated bool
	)

	for {
		chunk, err := f.r.ReadSlice('\n')
		if !truncated {
			if limit > 0 && len(buf)+len(chunk) > limit {
				truncated = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			return buf, truncated, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(buf) > 0 || truncated):
			return nil, false, io.ErrUnexpectedEOF
		default:
			return nil, false, err
		}
	}
}

func trimEOL(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
