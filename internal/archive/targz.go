package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TarGz extracts gzip-compressed tar archives. The tar stream is sequential,
// so entries are written in archive order.
type TarGz struct{}

func (TarGz) Extract(ctx context.Context, src, dir string) error {
	file, err := os.Open(src)
	if err != nil {
		return &ExtractionError{Err: err}
	}
	defer file.Close()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return &ExtractionError{Err: err}
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		if err := ctx.Err(); err != nil {
			return &ExtractionError{Err: err}
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		// Insecure names are rejected by safeJoin with the entry attached.
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return &ExtractionError{Err: err}
		}

		if err := extractTarEntry(tr, hdr, dir); err != nil {
			return &ExtractionError{Entry: hdr.Name, Err: err}
		}
	}
}

func extractTarEntry(tr *tar.Reader, hdr *tar.Header, dir string) error {
	target, err := safeJoin(dir, hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)

	case tar.TypeReg:
		return writeFile(target, hdr.FileInfo().Mode(), func(out *os.File) error {
			_, err := io.Copy(out, tr)
			return err
		})

	case tar.TypeSymlink:
		resolved := hdr.Linkname
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(hdr.Name), resolved)
		}
		if _, err := safeJoin(dir, resolved); err != nil || filepath.IsAbs(hdr.Linkname) {
			return fmt.Errorf("symlink %s -> %s escapes destination directory", hdr.Name, hdr.Linkname)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		os.Remove(target)
		return os.Symlink(hdr.Linkname, target)

	case tar.TypeLink:
		source, err := safeJoin(dir, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		os.Remove(target)
		return os.Link(source, target)
	}

	// Device nodes, FIFOs and extended headers carry nothing the engine needs.
	return nil
}
