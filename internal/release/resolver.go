// Package release resolves engine builds published as GitHub release assets.
package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/inferhost/internal/platform"
)

const (
	// DefaultAPIURL is the public GitHub REST endpoint.
	DefaultAPIURL = "https://api.github.com"
	// DefaultRepository hosts the engine releases.
	DefaultRepository = "ollama/ollama"
	// Latest selects the most recent published release.
	Latest = "latest"

	product = "ollama"
)

var (
	// ErrReleaseNotFound is returned when the requested version does not exist.
	ErrReleaseNotFound = errors.New("release not found")
	// ErrAssetNotFound is returned when the release has no artifact for the platform.
	ErrAssetNotFound = errors.New("asset not found")
)

// TransportError reports a network failure or an unexpected HTTP status from
// the release host.
type TransportError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("release host %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("release host %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Metadata describes one downloadable engine artifact.
type Metadata struct {
	Version      string
	Digest       string
	Size         int64
	ArtifactName string
	ContentType  string
	Downloads    int
	DownloadURL  string
	ReleaseURL   string
	Notes        string
}

// SizeMB formats the artifact size the way progress messages show it.
func (m Metadata) SizeMB() string {
	return fmt.Sprintf("%.1f", float64(m.Size)/1024/1024)
}

type githubAsset struct {
	Name               string `json:"name"`
	ContentType        string `json:"content_type"`
	Size               int64  `json:"size"`
	Digest             string `json:"digest"`
	DownloadCount      int    `json:"download_count"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type githubRelease struct {
	TagName string        `json:"tag_name"`
	HTMLURL string        `json:"html_url"`
	Body    string        `json:"body"`
	Assets  []githubAsset `json:"assets"`
}

// Resolver looks up release metadata. It never retries.
type Resolver struct {
	apiURL     string
	repository string
	token      string
	httpClient *http.Client
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAPIURL points the resolver at a different GitHub-compatible host.
func WithAPIURL(u string) Option {
	return func(r *Resolver) { r.apiURL = strings.TrimRight(u, "/") }
}

// WithRepository overrides the owner/name of the release repository.
func WithRepository(repo string) Option {
	return func(r *Resolver) { r.repository = repo }
}

// WithToken sets a bearer token for authenticated (higher rate limit) requests.
func WithToken(token string) Option {
	return func(r *Resolver) { r.token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.httpClient = c }
}

// NewResolver creates a Resolver for the public engine repository.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		apiURL:     DefaultAPIURL,
		repository: DefaultRepository,
		httpClient: &http.Client{Timeout: 0},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve fetches metadata for selector ("latest" or a tag like "v0.6.2") and
// picks the asset whose name matches the platform exactly.
func (r *Resolver) Resolve(ctx context.Context, selector string, key platform.Key) (Metadata, error) {
	rel, err := r.fetch(ctx, selector)
	if err != nil {
		return Metadata{}, err
	}

	name := platform.AssetName(product, key)
	for _, a := range rel.Assets {
		if a.Name != name {
			continue
		}
		return Metadata{
			Version:      rel.TagName,
			Digest:       a.Digest,
			Size:         a.Size,
			ArtifactName: a.Name,
			ContentType:  a.ContentType,
			Downloads:    a.DownloadCount,
			DownloadURL:  a.BrowserDownloadURL,
			ReleaseURL:   rel.HTMLURL,
			Notes:        rel.Body,
		}, nil
	}
	return Metadata{}, fmt.Errorf("%s is not supported by %s %s: %w", key, product, rel.TagName, ErrAssetNotFound)
}

func (r *Resolver) releaseURL(selector string) string {
	path := "latest"
	if selector != "" && selector != Latest {
		path = "tags/" + selector
	}
	return fmt.Sprintf("%s/repos/%s/releases/%s", r.apiURL, r.repository, path)
}

func (r *Resolver) fetch(ctx context.Context, selector string) (githubRelease, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	u := r.releaseURL(selector)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return githubRelease{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return githubRelease{}, &TransportError{URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return githubRelease{}, fmt.Errorf("%s %s: %w", r.repository, selector, ErrReleaseNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return githubRelease{}, &TransportError{URL: u, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return githubRelease{}, &TransportError{URL: u, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding release: %w", err)}
	}
	return rel, nil
}
