//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "inferhost-data"
		}
	}
	return filepath.Join(dir, "inferhost")
}

func secretStoreHint() string {
	return "secrets file " + secretsFilePath()
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func platformLocation() string {
	return configFilePath()
}

// configFilePath returns the first existing config file in the XDG config
// directory, preferring JSON, or config.json when none exists.
func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	dir = filepath.Join(dir, "inferhost")
	for _, name := range []string{"config.json", "config.toml", "config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}
