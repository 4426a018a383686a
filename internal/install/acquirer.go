// Package install downloads engine release artifacts and lays them out as
// runnable installations under a versioned directory tree.
package install

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/inferhost/internal/archive"
	"github.com/kalambet/inferhost/internal/metrics"
	"github.com/kalambet/inferhost/internal/platform"
	"github.com/kalambet/inferhost/internal/release"
)

const (
	// DefaultDirectory is the folder created under the base path.
	DefaultDirectory = "inferhost-engine"

	product = "ollama"
)

// AccelerationPayloads are the optional GPU runtime directories that dominate
// an installation's size.
var AccelerationPayloads = []string{
	"lib/ollama/cuda_v12",
	"lib/ollama/cuda_v13",
	"lib/ollama/mlx_cuda_v13",
}

// ErrDigestMismatch is returned when a downloaded artifact does not match the
// digest published with the release.
var ErrDigestMismatch = errors.New("artifact digest mismatch")

// TransportError reports a failed artifact download.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("downloading %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("downloading %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Resolver resolves release metadata for a platform.
type Resolver interface {
	Resolve(ctx context.Context, selector string, key platform.Key) (release.Metadata, error)
}

// ProgressFunc receives download progress as an integer percentage.
type ProgressFunc func(percent int, message string)

// Options tune a single Download call.
type Options struct {
	Progress ProgressFunc
	// KeepAcceleration keeps the large GPU runtime payloads in place.
	KeepAcceleration bool
}

// Installation describes an engine build on disk.
type Installation struct {
	Version    string
	Platform   platform.Key
	Root       string
	Executable string
	Digest     string
	Size       int64
}

// Acquirer downloads and unpacks engine builds. Concurrent downloads into the
// same version directory must be serialized by the caller.
type Acquirer struct {
	basePath   string
	directory  string
	resolver   Resolver
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAcquirer creates an Acquirer rooted at basePath/directory.
func NewAcquirer(basePath, directory string, resolver Resolver) *Acquirer {
	if directory == "" {
		directory = DefaultDirectory
	}
	return &Acquirer{
		basePath:   basePath,
		directory:  directory,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: 0},
		logger:     slog.Default(),
	}
}

// WithHTTPClient replaces the client used for artifact downloads.
func (a *Acquirer) WithHTTPClient(c *http.Client) *Acquirer {
	a.httpClient = c
	return a
}

// WithLogger replaces the logger.
func (a *Acquirer) WithLogger(l *slog.Logger) *Acquirer {
	a.logger = l
	return a
}

// Root returns the directory holding all downloaded versions.
func (a *Acquirer) Root() string {
	return filepath.Join(a.basePath, a.directory)
}

// BinPath returns the installation root for a version and platform.
func (a *Acquirer) BinPath(version string, key platform.Key) string {
	parts := []string{a.basePath, a.directory, version, key.OS, key.Arch}
	if key.Variant != "" {
		parts = append(parts, key.Variant)
	}
	return filepath.Join(parts...)
}

// ExecutablePath returns the path of the engine executable.
func (a *Acquirer) ExecutablePath(version string, key platform.Key) string {
	return filepath.Join(a.BinPath(version, key), filepath.FromSlash(platform.ExecutableName(product, key)))
}

// IsDownloaded reports whether the executable for version exists on disk.
func (a *Acquirer) IsDownloaded(version string, key platform.Key) bool {
	_, err := os.Stat(a.ExecutablePath(version, key))
	return err == nil
}

// DownloadedVersions lists the versions installed for key, sorted by name.
func (a *Acquirer) DownloadedVersions(key platform.Key) ([]string, error) {
	entries, err := os.ReadDir(a.Root())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() && a.IsDownloaded(e.Name(), key) {
			versions = append(versions, e.Name())
		}
	}
	sort.Strings(versions)
	return versions, nil
}

// Download resolves selector, fetches the artifact for key, extracts it and
// prepares the installation. Overlay variants (ROCm, Jetpack) are installed
// on top of the generic build of the same version.
func (a *Acquirer) Download(ctx context.Context, selector string, key platform.Key, opts Options) (Installation, error) {
	progress := opts.Progress
	if progress == nil {
		progress = func(int, string) {}
	}

	meta, err := a.resolver.Resolve(ctx, selector, key)
	if err != nil {
		return Installation{}, fmt.Errorf("resolving release: %w", err)
	}

	artifacts := []release.Metadata{meta}
	if isOverlay(key) {
		base, err := a.resolver.Resolve(ctx, meta.Version, key.WithVariant(""))
		if err != nil {
			return Installation{}, fmt.Errorf("resolving base build: %w", err)
		}
		artifacts = []release.Metadata{base, meta}
	}

	root := a.BinPath(meta.Version, key)
	progress(0, "Creating directory")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Installation{}, fmt.Errorf("creating install directory: %w", err)
	}

	start := time.Now()
	for _, m := range artifacts {
		if err := a.fetchAndExtract(ctx, m, root, progress); err != nil {
			metrics.ObserveInstall("error", time.Since(start))
			return Installation{}, err
		}
	}

	if err := flatten(root, key); err != nil {
		return Installation{}, fmt.Errorf("flattening installation: %w", err)
	}

	if !opts.KeepAcceleration && key.Variant != platform.VariantCUDA {
		removed := RemoveAccelerationPayloads(root)
		if len(removed) > 0 {
			a.logger.Info("removed acceleration payloads", "paths", removed)
		}
	}

	exe := a.ExecutablePath(meta.Version, key)
	if key.OS == platform.Linux || key.OS == platform.Darwin {
		if err := os.Chmod(exe, 0o755); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Installation{}, fmt.Errorf("making executable runnable: %w", err)
		}
	}

	metrics.ObserveInstall("ok", time.Since(start))
	return Installation{
		Version:    meta.Version,
		Platform:   key,
		Root:       root,
		Executable: exe,
		Digest:     meta.Digest,
		Size:       meta.Size,
	}, nil
}

func (a *Acquirer) fetchAndExtract(ctx context.Context, meta release.Metadata, root string, progress ProgressFunc) error {
	ex, err := archive.ForContentType(meta.ContentType, meta.ArtifactName)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(root, ".download-*-"+meta.ArtifactName)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	progress(0, fmt.Sprintf("Downloading %s (%sMB)", meta.ArtifactName, meta.SizeMB()))
	if err := a.fetch(ctx, meta, tmp, progress); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing download: %w", err)
	}

	if err := ex.Extract(ctx, tmpPath, root); err != nil {
		return err
	}
	progress(100, fmt.Sprintf("Extracted archive %s", meta.ArtifactName))
	return nil
}

func (a *Acquirer) fetch(ctx context.Context, meta release.Metadata, dst io.Writer, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &TransportError{URL: meta.DownloadURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &TransportError{URL: meta.DownloadURL, StatusCode: resp.StatusCode}
	}

	total := resp.ContentLength
	if total <= 0 {
		total = meta.Size
	}

	pw := &progressWriter{
		name:     meta.ArtifactName,
		sizeMB:   meta.SizeMB(),
		total:    total,
		progress: progress,
		logger:   a.logger,
		logEvery: rate.Sometimes{Interval: 2 * time.Second},
	}

	var sum hash.Hash
	writers := []io.Writer{dst, pw}
	algo, want, hasDigest := strings.Cut(meta.Digest, ":")
	if hasDigest && algo == "sha256" {
		sum = sha256.New()
		writers = append(writers, sum)
	}

	n, err := io.Copy(io.MultiWriter(writers...), resp.Body)
	metrics.AddDownloadedBytes(n)
	if err != nil {
		return &TransportError{URL: meta.DownloadURL, Err: err}
	}

	if sum != nil {
		if got := hex.EncodeToString(sum.Sum(nil)); !strings.EqualFold(got, want) {
			return fmt.Errorf("%s: got sha256:%s, want %s: %w", meta.ArtifactName, got, meta.Digest, ErrDigestMismatch)
		}
	}
	return nil
}

// progressWriter reports each integer percent increase of the download.
type progressWriter struct {
	name     string
	sizeMB   string
	total    int64
	written  int64
	last     int
	progress ProgressFunc
	logger   *slog.Logger
	logEvery rate.Sometimes
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total <= 0 {
		return len(b), nil
	}

	percent := int(p.written * 100 / p.total)
	if percent > 100 {
		percent = 100
	}
	if percent <= p.last {
		return len(b), nil
	}
	p.last = percent

	if percent < 100 {
		p.progress(percent, fmt.Sprintf("Downloading %s (%.1fMB / %sMB)", p.name, float64(p.written)/1024/1024, p.sizeMB))
	} else {
		p.progress(100, fmt.Sprintf("Extracting %s", p.name))
	}
	p.logEvery.Do(func() {
		p.logger.Debug("download progress", "artifact", p.name, "percent", percent)
	})
	return len(b), nil
}

func isOverlay(key platform.Key) bool {
	if key.OS == platform.Darwin {
		return false
	}
	switch key.Variant {
	case platform.VariantROCm, platform.VariantJetpack5, platform.VariantJetpack6:
		return true
	}
	return false
}
