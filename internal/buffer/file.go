package buffer

import (
	"fmt"
	"os"
)

// File is a Stream over an *os.File whose Reserve preallocates disk
// space for the whole object where the platform supports it.
type File struct {
	*Stream
	f *os.File
}

func NewFile(f *os.File) *File {
	return &File{Stream: NewStream(f), f: f}
}

func (b *File) Reserve(size int) error {
	if err := b.Stream.Reserve(size); err != nil {
		return err
	}
	if err := preallocate(b.f, int64(size)); err != nil {
		return fmt.Errorf("buffer: reserve %d bytes in %s: %w", size, b.f.Name(), err)
	}
	return nil
}
