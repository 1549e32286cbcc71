//go:build unix

package strtab

import "golang.org/x/sys/unix"

func cString(s []byte) ([]byte, error) {
	return unix.ByteSliceFromString(string(s))
}
