package hub

// DefaultScrollbackBytes caps the in-memory terminal history per session.
const DefaultScrollbackBytes = 256 * 1024

// scrollback is a byte-capped terminal history buffer. When full it drops
// from the front, so the tail of the stream is always retained.
type scrollback struct {
	buf []byte
	max int
}

func newScrollback(max int) *scrollback {
	if max <= 0 {
		max = DefaultScrollbackBytes
	}
	return &scrollback{max: max}
}

func (s *scrollback) Append(p []byte) {
	if len(p) >= s.max {
		s.buf = append(s.buf[:0], p[len(p)-s.max:]...)
		return
	}
	s.buf = append(s.buf, p...)
	if over := len(s.buf) - s.max; over > 0 {
		s.buf = append(s.buf[:0], s.buf[over:]...)
	}
}

// Bytes returns a copy of the buffered history.
func (s *scrollback) Bytes() []byte {
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

func (s *scrollback) Len() int { return len(s.buf) }
