// Package checksum hashes deployed artifacts so provisioning can tell
// whether a file on disk already matches its source.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// SHA256File computes a file's SHA256 as "sha256:hexstring", streaming
// so large artifacts do not load into memory.
func SHA256File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// FilesMatch reports whether both files exist and have identical
// content. A missing file is a non-match, not an error.
func FilesMatch(a, b string) (bool, error) {
	sumA, err := SHA256File(a)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	sumB, err := SHA256File(b)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sumA == sumB, nil
}
