package scanning

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/anstrom/batchscan/internal/errors"
)

const (
	rawDirPerm  = 0750
	rawFilePerm = 0600
	rawFileExt  = ".xml"
)

// RawOutputPath returns where the raw engine output for target is stored.
func RawOutputPath(dir, target string) string {
	return filepath.Join(dir, SanitizeFilename(target)+rawFileExt)
}

// SanitizeFilename turns a target into a safe single path component.
func SanitizeFilename(target string) string {
	var b strings.Builder
	for _, r := range target {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), ".")
	if name == "" {
		return "target"
	}
	return name
}

// SaveRawOutput writes the engine's raw output for target into dir and
// returns the file path. Failures carry the IO_ERROR code.
func SaveRawOutput(dir, target string, data []byte) (string, error) {
	if err := validateFilePath(dir); err != nil {
		return "", errors.ErrIO("validate", dir, err)
	}
	if err := os.MkdirAll(dir, rawDirPerm); err != nil {
		return "", errors.ErrIO("create directory", dir, err)
	}

	path := RawOutputPath(dir, target)
	if err := os.WriteFile(path, data, rawFilePerm); err != nil {
		return "", errors.ErrIO("write raw output", path, err)
	}
	return path, nil
}

// validateFilePath validates that the file path is safe to use.
func validateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	for _, part := range strings.Split(filepath.ToSlash(filepath.Clean(path)), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal")
		}
	}
	return nil
}
