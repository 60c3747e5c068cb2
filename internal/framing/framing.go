// Package framing turns an arbitrarily chunked byte source into discrete
// newline-delimited protocol messages. JSON string escapes never contain a
// literal line-feed byte, so a byte-level scan for the separator is always
// correct; no JSON-aware lookahead is needed.
package framing

import (
	"bytes"
	"errors"
	"io"
)

// DefaultMaxMessageSize is the ceiling applied to a single framed message
// when none is configured.
const DefaultMaxMessageSize = 1 << 20 // 1 MiB

// ErrMessageTooLarge is returned when the pending buffer exceeds the
// configured ceiling. The pending bytes are discarded but the stream remains
// usable; subsequent messages are delivered normally.
var ErrMessageTooLarge = errors.New("framing: message exceeds size ceiling")

// Scanner yields complete messages from r, one per call to Next. It is not
// safe for concurrent use; the owning loop calls Next sequentially.
type Scanner struct {
	r       io.Reader
	max     int
	buf     []byte
	chunk   []byte
	discard bool
	err     error
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithMaxMessageSize overrides the message size ceiling. Values < 1 are
// ignored.
func WithMaxMessageSize(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.max = n
		}
	}
}

// NewScanner constructs a Scanner reading from r.
func NewScanner(r io.Reader, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		r:     r,
		max:   DefaultMaxMessageSize,
		chunk: make([]byte, 32*1024),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next blocks until one complete message is available and returns it without
// its trailing separator. A message longer than the ceiling yields
// ErrMessageTooLarge once and nothing from that buffer; the scanner then
// resumes at the next separator. End of input returns io.EOF; a non-empty,
// separator-less tail at end of input is discarded.
func (s *Scanner) Next() ([]byte, error) {
	for {
		if s.discard {
			// Drop everything through the next separator; these bytes belong
			// to a message already reported as oversized.
			if i := bytes.IndexByte(s.buf, '\n'); i >= 0 {
				s.buf = s.buf[i+1:]
				s.discard = false
			} else {
				s.buf = s.buf[:0]
			}
		}

		if !s.discard {
			if i := bytes.IndexByte(s.buf, '\n'); i >= 0 {
				line := make([]byte, i)
				copy(line, s.buf[:i])
				s.buf = s.buf[i+1:]
				if len(line) > s.max {
					return nil, ErrMessageTooLarge
				}
				return line, nil
			}
			if len(s.buf) > s.max {
				s.buf = s.buf[:0]
				s.discard = true
				return nil, ErrMessageTooLarge
			}
		}

		if s.err != nil {
			// Source exhausted. A pending separator-less tail is dropped.
			s.buf = nil
			return nil, s.err
		}

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
		}
		if err != nil {
			s.err = err
		}
	}
}
