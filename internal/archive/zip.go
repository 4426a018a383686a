package archive

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
)

// maxParallelWrites bounds the number of zip entries written at once.
const maxParallelWrites = 4

// Zip extracts zip archives. Entries are independent, so file writes run
// concurrently on a bounded worker group.
type Zip struct{}

func (Zip) Extract(ctx context.Context, src, dir string) error {
	r, err := zip.OpenReader(src)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return &ExtractionError{Err: err}
	}
	defer r.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelWrites)

	for _, f := range r.File {
		if err := gctx.Err(); err != nil {
			break
		}

		target, err := safeJoin(dir, f.Name)
		if err != nil {
			g.Go(func() error { return &ExtractionError{Entry: f.Name, Err: err} })
			break
		}

		if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				g.Go(func() error { return &ExtractionError{Entry: f.Name, Err: err} })
				break
			}
			continue
		}

		g.Go(func() error {
			if err := extractZipEntry(gctx, f, target); err != nil {
				return &ExtractionError{Entry: f.Name, Err: err}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &ExtractionError{Err: err}
	}
	return nil
}

func extractZipEntry(ctx context.Context, f *zip.File, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	return writeFile(target, f.Mode(), func(out *os.File) error {
		_, err := io.Copy(out, rc)
		return err
	})
}
