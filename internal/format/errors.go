package format

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned when a request has no meaning for the
	// object's format or architecture.
	ErrUnsupported = errors.New("unsupported")

	// ErrFormatNotEnabled is returned by New when no backend for the
	// requested format is linked into the program.
	ErrFormatNotEnabled = errors.New("format not enabled")
)

// Unsupportedf returns an error wrapping ErrUnsupported.
func Unsupportedf(f string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(f, args...))
}

// InvalidOffsetError reports a write of Size bytes at Offset into a
// section whose data is only Len bytes long.
type InvalidOffsetError struct {
	Section string
	Offset  uint64
	Size    int
	Len     int
}

func (e *InvalidOffsetError) Error() string {
	return fmt.Sprintf("invalid offset %d+%d in section %q (length %d)", e.Offset, e.Size, e.Section, e.Len)
}
