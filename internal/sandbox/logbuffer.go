package sandbox

import (
	"bytes"
	"encoding/json"
	"sync"
)

const truncationMarker = "[output truncated]\n"

// logBuffer keeps the most recent limit bytes written to it. stdout and
// stderr are copied in concurrently by exec, hence the mutex.
type logBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newLogBuffer(limit int) *logBuffer {
	if limit <= 0 {
		limit = 64 << 10
	}
	return &logBuffer{limit: limit}
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.limit {
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		b.truncated = true
		return len(p), nil
	}
	if overflow := len(b.buf) + len(p) - b.limit; overflow > 0 {
		b.buf = append(b.buf[:0], b.buf[overflow:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return truncationMarker + string(b.buf)
	}
	return string(b.buf)
}

func (b *logBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// scorePayload is the line an evaluator prints on stdout to report its result.
type scorePayload struct {
	Score   *float64 `json:"score"`
	Details string   `json:"details,omitempty"`
}

const maxPayloadLine = 64 << 10

// payloadScanner watches stdout line by line and remembers the last line that
// decodes as a score payload. Lines longer than maxPayloadLine are skipped.
type payloadScanner struct {
	mu       sync.Mutex
	partial  []byte
	skipping bool
	last     *scorePayload
}

func (s *payloadScanner) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rest := p
	for len(rest) > 0 {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			s.buffer(rest)
			break
		}
		s.buffer(rest[:idx])
		s.flushLocked()
		rest = rest[idx+1:]
	}
	return len(p), nil
}

func (s *payloadScanner) buffer(chunk []byte) {
	if s.skipping {
		return
	}
	if len(s.partial)+len(chunk) > maxPayloadLine {
		s.partial = s.partial[:0]
		s.skipping = true
		return
	}
	s.partial = append(s.partial, chunk...)
}

func (s *payloadScanner) flushLocked() {
	line := bytes.TrimSpace(s.partial)
	s.partial = s.partial[:0]
	if s.skipping {
		s.skipping = false
		return
	}
	if len(line) == 0 || line[0] != '{' {
		return
	}
	var payload scorePayload
	if err := json.Unmarshal(line, &payload); err != nil || payload.Score == nil {
		return
	}
	s.last = &payload
}

// Result returns the last payload seen, including an unterminated final line.
func (s *payloadScanner) Result() (scorePayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 || s.skipping {
		s.flushLocked()
	}
	if s.last == nil {
		return scorePayload{}, false
	}
	return *s.last, true
}
