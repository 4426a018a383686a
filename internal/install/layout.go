package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kalambet/inferhost/internal/platform"
)

// flatten hoists files that the archive nested under <os>/<arch>[/<variant>]
// up to the installation root, then removes the emptied directories.
func flatten(root string, key platform.Key) error {
	nested := filepath.Join(root, key.OS, key.Arch)
	if _, err := os.Stat(nested); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	// Variant files are hoisted last so they win over the generic build.
	if err := hoist(nested, root, key.Variant); err != nil {
		return err
	}
	if key.Variant != "" {
		if err := hoist(filepath.Join(nested, key.Variant), root, ""); err != nil {
			return err
		}
	}
	return os.RemoveAll(filepath.Join(root, key.OS))
}

// hoist moves every child of src except skip into dst, replacing existing
// entries.
func hoist(src, dst, skip string) error {
	entries, err := os.ReadDir(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if skip != "" && e.Name() == skip {
			continue
		}
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())
		if info, err := os.Lstat(to); err == nil {
			if info.IsDir() && e.IsDir() {
				if err := hoist(from, to, ""); err != nil {
					return err
				}
				continue
			}
			if err := os.RemoveAll(to); err != nil {
				return fmt.Errorf("replacing %s: %w", to, err)
			}
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("moving %s: %w", from, err)
		}
	}
	return nil
}

// RemoveAccelerationPayloads deletes the optional GPU runtime directories
// under root and returns the ones it removed. Missing paths are skipped.
func RemoveAccelerationPayloads(root string) []string {
	var removed []string
	for _, rel := range AccelerationPayloads {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			continue
		}
		removed = append(removed, rel)
	}
	return removed
}
