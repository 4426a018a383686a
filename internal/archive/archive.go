// Package archive unpacks engine release artifacts. Zip and gzip-compressed
// tar archives are supported behind a single Extractor interface.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned by ForContentType for unknown archive types.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// ExtractionError reports the archive entry that failed to extract.
type ExtractionError struct {
	Entry string
	Err   error
}

func (e *ExtractionError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("extracting archive: %v", e.Err)
	}
	return fmt.Sprintf("extracting %s: %v", e.Entry, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor unpacks the archive at src into dir. Extract returns exactly once,
// after every output file has been closed. On error the destination may hold
// partially written files; cleanup is left to the caller.
type Extractor interface {
	Extract(ctx context.Context, src, dir string) error
}

// ForContentType picks an Extractor from the artifact content type, falling
// back to the file name suffix when the content type is generic.
func ForContentType(contentType, name string) (Extractor, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "application/zip", "application/x-zip-compressed", "application/x-zip":
		return Zip{}, nil
	case "application/gzip", "application/x-gzip", "application/x-gtar", "application/x-tar", "application/x-compressed-tar":
		return TarGz{}, nil
	}

	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return Zip{}, nil
	case strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar.gz"):
		return TarGz{}, nil
	}
	return nil, fmt.Errorf("%s (%s): %w", name, contentType, ErrUnsupportedFormat)
}

// safeJoin resolves an entry name under dir, rejecting names that escape it.
func safeJoin(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry escapes destination directory")
	}
	return filepath.Join(dir, clean), nil
}

func writeFile(path string, mode os.FileMode, write func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if mode&0o777 == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
