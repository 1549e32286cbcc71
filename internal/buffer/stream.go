package buffer

import (
	"bufio"
	"fmt"
	"io"
)

const zeroChunk = 4096

var zeros [zeroChunk]byte

func errShrink(have, want int) error {
	return fmt.Errorf("buffer: cannot resize from %d to %d bytes", have, want)
}

// Stream is a WritableBuffer over an io.Writer. Writes are buffered;
// the first error is kept and returned by every later call and by Flush.
type Stream struct {
	w   *bufio.Writer
	n   int
	err error
}

func NewStream(w io.Writer) *Stream {
	return &Stream{w: bufio.NewWriter(w)}
}

func (s *Stream) Len() int { return s.n }

func (s *Stream) Reserve(int) error { return s.err }

func (s *Stream) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.w.Write(p)
	s.n += n
	if err != nil {
		s.err = err
	}
	return n, err
}

func (s *Stream) Resize(n int) error {
	if n < s.n {
		return errShrink(s.n, n)
	}
	for s.n < n && s.err == nil {
		c := n - s.n
		if c > zeroChunk {
			c = zeroChunk
		}
		s.Write(zeros[:c])
	}
	return s.err
}

// Err returns the first write error, if any.
func (s *Stream) Err() error { return s.err }

// Flush writes buffered data to the underlying writer.
func (s *Stream) Flush() error {
	if s.err != nil {
		return s.err
	}
	if err := s.w.Flush(); err != nil {
		s.err = err
	}
	return s.err
}
