package main

import (
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
)

// contentIdentity hashes the source file with 64-bit xxh3. The bits are
// reinterpreted as int64 to fit a bigint column.
func contentIdentity(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("hash source: %w", err)
	}
	defer f.Close()

	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hash source: %w", err)
	}
	return int64(h.Sum64()), nil
}
