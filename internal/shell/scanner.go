package shell

import (
	"bytes"
)

// scanner locates a sentinel line in a stream delivered in arbitrary chunks.
// Only bytes that could still be part of the sentinel line are kept
// unresolved, so each chunk is examined once.
type scanner struct {
	token []byte
	limit int

	out       []byte
	truncated bool
	tail      []byte
	lastByte  byte
}

type scanMatch struct {
	// output is everything before the sentinel line.
	output []byte
	// status is the raw exit status field, possibly empty.
	status string
	// truncated is set when output exceeded the limit and its head was
	// dropped.
	truncated bool
	// rest is what followed the sentinel line in the same chunk.
	rest []byte
}

// newScanner creates a scanner for token. limit caps the retained output;
// zero means unlimited.
func newScanner(token string, limit int) *scanner {
	return &scanner{
		token:    []byte(token),
		limit:    limit,
		lastByte: '\n',
	}
}

// feed consumes a chunk and reports the match once the full sentinel line,
// including its terminating newline, has arrived.
func (s *scanner) feed(chunk []byte) (*scanMatch, bool) {
	s.tail = append(s.tail, chunk...)

	for {
		idx := bytes.Index(s.tail, s.token)
		if idx < 0 {
			if keep := len(s.token) - 1; len(s.tail) > keep {
				s.commit(len(s.tail) - keep)
			}
			return nil, false
		}

		if !s.lineStartAt(idx) {
			s.commit(idx + len(s.token))
			continue
		}

		after := s.tail[idx+len(s.token):]
		nl := bytes.IndexByte(after, '\n')
		if nl < 0 {
			if !validStatusPrefix(after) {
				s.commit(idx + len(s.token))
				continue
			}
			s.commit(idx)
			return nil, false
		}

		status, ok := parseStatusLine(after[:nl])
		if !ok {
			s.commit(idx + len(s.token))
			continue
		}

		rest := append([]byte(nil), after[nl+1:]...)
		s.commit(idx)
		out, truncated := s.bounded()
		m := &scanMatch{
			output:    out,
			status:    status,
			truncated: truncated,
			rest:      rest,
		}
		s.out = nil
		s.tail = nil
		return m, true
	}
}

// recent returns up to n of the most recently received bytes.
func (s *scanner) recent(n int) []byte {
	buf := make([]byte, 0, n)
	if len(s.tail) < n {
		from := len(s.out) - (n - len(s.tail))
		if from < 0 {
			from = 0
		}
		buf = append(buf, s.out[from:]...)
	}
	from := len(s.tail) - n
	if from < 0 {
		from = 0
	}
	return append(buf, s.tail[from:]...)
}

func (s *scanner) lineStartAt(idx int) bool {
	if idx == 0 {
		return s.lastByte == '\n'
	}
	return s.tail[idx-1] == '\n'
}

// commit moves the first n tail bytes into the output.
func (s *scanner) commit(n int) {
	if n <= 0 {
		return
	}
	s.lastByte = s.tail[n-1]
	s.out = append(s.out, s.tail[:n]...)
	s.tail = s.tail[n:]

	// Compact only after doubling past the limit to keep appends amortized.
	if s.limit > 0 && len(s.out) > 2*s.limit {
		s.out = append(s.out[:0], s.out[len(s.out)-s.limit:]...)
		s.truncated = true
	}
}

// bounded returns the output trimmed to the limit and whether anything was
// dropped.
func (s *scanner) bounded() ([]byte, bool) {
	if s.limit > 0 && len(s.out) > s.limit {
		return s.out[len(s.out)-s.limit:], true
	}
	return s.out, s.truncated
}

// validStatusPrefix reports whether b could still become ":<digits>\r?".
func validStatusPrefix(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	if b[0] != ':' {
		return false
	}
	for i, c := range b[1:] {
		switch {
		case c >= '0' && c <= '9':
		case c == '-' && i == 0:
		case c == '\r':
		default:
			return false
		}
	}
	return true
}

// parseStatusLine parses the remainder of a sentinel line after the token.
func parseStatusLine(line []byte) (string, bool) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 || line[0] != ':' {
		return "", false
	}
	field := line[1:]
	for i, c := range field {
		if (c < '0' || c > '9') && !(c == '-' && i == 0) {
			return "", false
		}
	}
	return string(field), true
}
