package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// extractBundle returns the SQLite database path for src. Zipped bundles
// are opened and the entry named dbName is extracted into workDir; any other
// file is used as is.
func extractBundle(src, dbName, workDir string) (string, error) {
	if !isZipFile(src) {
		return src, nil
	}

	zr, err := zip.OpenReader(src)
	if err != nil {
		return "", fmt.Errorf("open bundle %s: %w", src, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || path.Base(f.Name) != dbName {
			continue
		}
		dst := filepath.Join(workDir, filepath.Base(dbName))
		if err := extractZipEntry(f, dst); err != nil {
			return "", fmt.Errorf("extract %s from %s: %w", f.Name, src, err)
		}
		return dst, nil
	}
	return "", fmt.Errorf("bundle %s has no %s", src, dbName)
}

func extractZipEntry(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// isZipFile sniffs the local file header signature.
func isZipFile(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	if ext == ".db" || ext == ".sqlite" {
		return false
	}
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()
	var sig [4]byte
	if _, err := io.ReadFull(f, sig[:]); err != nil {
		return false
	}
	return string(sig[:]) == "PK\x03\x04"
}
