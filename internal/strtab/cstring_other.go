//go:build !unix

package strtab

import (
	"bytes"
	"errors"
)

func cString(s []byte) ([]byte, error) {
	if bytes.IndexByte(s, 0) >= 0 {
		return nil, errors.New("contains NUL byte")
	}
	return append(append([]byte(nil), s...), 0), nil
}
