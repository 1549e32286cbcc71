// Package debug has helpers for inspecting written objects.
package debug

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
)

func CheckSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckFile returns the checksum of the file at path.
func CheckFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return CheckSum(data), nil
}
