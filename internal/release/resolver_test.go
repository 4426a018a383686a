package release

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/inferhost/internal/platform"
)

const releaseJSON = `{
	"tag_name": "v0.6.2",
	"html_url": "https://github.com/ollama/ollama/releases/tag/v0.6.2",
	"body": "notes",
	"assets": [
		{"name": "ollama-darwin.tgz", "content_type": "application/x-gtar", "size": 1048576, "digest": "sha256:aa", "download_count": 3, "browser_download_url": "https://dl/ollama-darwin.tgz"},
		{"name": "ollama-linux-amd64.tgz", "content_type": "application/x-gtar", "size": 2097152, "digest": "sha256:bb", "download_count": 5, "browser_download_url": "https://dl/ollama-linux-amd64.tgz"},
		{"name": "ollama-linux-amd64-rocm.tgz", "content_type": "application/x-gtar", "size": 10, "digest": "sha256:cc", "download_count": 1, "browser_download_url": "https://dl/ollama-linux-amd64-rocm.tgz"},
		{"name": "ollama-windows-amd64.zip", "content_type": "application/zip", "size": 42, "digest": "sha256:dd", "download_count": 9, "browser_download_url": "https://dl/ollama-windows-amd64.zip"}
	]
}`

func newReleaseServer(t *testing.T, paths map[string]string) (*httptest.Server, *[]*http.Request) {
	t.Helper()
	var reqs []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs = append(reqs, r)
		body, ok := paths[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestResolve_Latest(t *testing.T) {
	srv, reqs := newReleaseServer(t, map[string]string{
		"/repos/ollama/ollama/releases/latest": releaseJSON,
	})
	r := NewResolver(WithAPIURL(srv.URL), WithToken("gh-token"))

	meta, err := r.Resolve(context.Background(), Latest, platform.Key{OS: platform.Linux, Arch: platform.AMD64})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := Metadata{
		Version:      "v0.6.2",
		Digest:       "sha256:bb",
		Size:         2097152,
		ArtifactName: "ollama-linux-amd64.tgz",
		ContentType:  "application/x-gtar",
		Downloads:    5,
		DownloadURL:  "https://dl/ollama-linux-amd64.tgz",
		ReleaseURL:   "https://github.com/ollama/ollama/releases/tag/v0.6.2",
		Notes:        "notes",
	}
	if diff := cmp.Diff(want, meta); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
	if meta.SizeMB() != "2.0" {
		t.Errorf("SizeMB = %q, want 2.0", meta.SizeMB())
	}

	req := (*reqs)[0]
	if got := req.Header.Get("Accept"); got != "application/vnd.github+json" {
		t.Errorf("Accept = %q", got)
	}
	if got := req.Header.Get("X-GitHub-Api-Version"); got != "2022-11-28" {
		t.Errorf("X-GitHub-Api-Version = %q", got)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer gh-token" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestResolve_TaggedVersion(t *testing.T) {
	srv, reqs := newReleaseServer(t, map[string]string{
		"/repos/ollama/ollama/releases/tags/v0.6.2": releaseJSON,
	})
	r := NewResolver(WithAPIURL(srv.URL))

	meta, err := r.Resolve(context.Background(), "v0.6.2", platform.Key{OS: platform.Windows, Arch: platform.AMD64})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if meta.ArtifactName != "ollama-windows-amd64.zip" {
		t.Errorf("ArtifactName = %q", meta.ArtifactName)
	}
	if got := (*reqs)[0].Header.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want empty without token", got)
	}
}

func TestResolve_ExactVariantMatch(t *testing.T) {
	srv, _ := newReleaseServer(t, map[string]string{
		"/repos/ollama/ollama/releases/latest": releaseJSON,
	})
	r := NewResolver(WithAPIURL(srv.URL))

	meta, err := r.Resolve(context.Background(), Latest, platform.Key{OS: platform.Linux, Arch: platform.AMD64, Variant: platform.VariantROCm})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if meta.ArtifactName != "ollama-linux-amd64-rocm.tgz" {
		t.Errorf("ArtifactName = %q", meta.ArtifactName)
	}
}

func TestResolve_AssetNotFound(t *testing.T) {
	srv, _ := newReleaseServer(t, map[string]string{
		"/repos/ollama/ollama/releases/latest": releaseJSON,
	})
	r := NewResolver(WithAPIURL(srv.URL))

	_, err := r.Resolve(context.Background(), Latest, platform.Key{OS: platform.Linux, Arch: platform.ARM64})
	if !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("err = %v, want ErrAssetNotFound", err)
	}
}

func TestResolve_ReleaseNotFound(t *testing.T) {
	srv, _ := newReleaseServer(t, map[string]string{})
	r := NewResolver(WithAPIURL(srv.URL))

	_, err := r.Resolve(context.Background(), "v9.9.9", platform.Key{OS: platform.Darwin, Arch: platform.ARM64})
	if !errors.Is(err, ErrReleaseNotFound) {
		t.Fatalf("err = %v, want ErrReleaseNotFound", err)
	}
}

func TestResolve_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()
	r := NewResolver(WithAPIURL(srv.URL))

	_, err := r.Resolve(context.Background(), Latest, platform.Key{OS: platform.Darwin, Arch: platform.ARM64})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if te.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d", te.StatusCode)
	}

	srv.Close()
	_, err = r.Resolve(context.Background(), Latest, platform.Key{OS: platform.Darwin, Arch: platform.ARM64})
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError for closed server", err)
	}
}
