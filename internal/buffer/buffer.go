// Package buffer provides the output sinks that object file writers emit
// through.
package buffer

import "io"

// WritableBuffer is the destination of an object file writer.
//
// Writers call Reserve once with the total size of the file before
// writing, then append with Write and Resize. Len reports the number of
// bytes written so far, which writers use to place padding.
type WritableBuffer interface {
	io.Writer
	Len() int
	Reserve(size int) error
	// Resize extends the buffer to n bytes with zeros.
	// n must not be less than Len.
	Resize(n int) error
}

// Vec is an in-memory WritableBuffer.
type Vec struct {
	b []byte
}

func NewVec() *Vec {
	return &Vec{}
}

func (v *Vec) Len() int { return len(v.b) }

func (v *Vec) Bytes() []byte { return v.b }

func (v *Vec) Reserve(size int) error {
	if size > cap(v.b)-len(v.b) {
		nb := make([]byte, len(v.b), len(v.b)+size)
		copy(nb, v.b)
		v.b = nb
	}
	return nil
}

func (v *Vec) Write(p []byte) (int, error) {
	v.b = append(v.b, p...)
	return len(p), nil
}

func (v *Vec) Resize(n int) error {
	if n < len(v.b) {
		return errShrink(len(v.b), n)
	}
	v.b = append(v.b, make([]byte, n-len(v.b))...)
	return nil
}

// Pad writes zeros until w.Len() is a multiple of align.
func Pad(w WritableBuffer, align int) error {
	if align <= 1 {
		return nil
	}
	n := w.Len()
	if r := n % align; r != 0 {
		return w.Resize(n + align - r)
	}
	return nil
}
