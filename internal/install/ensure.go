package install

import (
	"context"
	"fmt"

	"golang.org/x/mod/semver"

	"github.com/kalambet/inferhost/internal/platform"
	"github.com/kalambet/inferhost/internal/release"
)

// Ensure returns an installation for selector, downloading only when the
// resolved version is not already on disk. When the release host cannot be
// reached for "latest", the newest downloaded version is used instead.
func (a *Acquirer) Ensure(ctx context.Context, selector string, key platform.Key, opts Options) (inst Installation, downloaded bool, err error) {
	if selector == "" {
		selector = release.Latest
	}

	version := selector
	if selector == release.Latest {
		meta, rerr := a.resolver.Resolve(ctx, selector, key)
		if rerr != nil {
			newest, ok := a.newestDownloaded(key)
			if !ok {
				return Installation{}, false, fmt.Errorf("resolving release: %w", rerr)
			}
			a.logger.Warn("release lookup failed, using newest downloaded engine", "version", newest, "error", rerr)
			version = newest
		} else {
			version = meta.Version
		}
	}

	if a.IsDownloaded(version, key) {
		return Installation{
			Version:    version,
			Platform:   key,
			Root:       a.BinPath(version, key),
			Executable: a.ExecutablePath(version, key),
		}, false, nil
	}

	inst, err = a.Download(ctx, version, key, opts)
	if err != nil {
		return Installation{}, false, err
	}
	return inst, true, nil
}

func (a *Acquirer) newestDownloaded(key platform.Key) (string, bool) {
	versions, err := a.DownloadedVersions(key)
	if err != nil || len(versions) == 0 {
		return "", false
	}
	SortVersions(versions)
	return versions[len(versions)-1], true
}

// SortVersions orders release tags oldest first. Tags that are not semantic
// versions sort before all valid ones.
func SortVersions(versions []string) {
	semver.Sort(versions)
}
