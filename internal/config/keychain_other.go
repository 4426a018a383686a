//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// secretFile is the on-disk layout: service -> account -> value.
type secretFile map[string]map[string]string

// secretsFilePath lives next to the engine data, outside the config file.
func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func loadSecrets(path string) (secretFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return secretFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	s := secretFile{}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
	}
	return s, nil
}

func keychainExec(service, account string) ([]byte, error) {
	s, err := loadSecrets(secretsFilePath())
	if err != nil {
		return nil, err
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("secret %s/%s not set", service, account)
	}
	return []byte(val), nil
}

// keychainSet fails on an unreadable secrets file rather than replacing it.
func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	s, err := loadSecrets(p)
	if err != nil {
		return err
	}
	if s[service] == nil {
		s[service] = map[string]string{}
	}
	s[service][account] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("writing secrets: %w", err)
	}
	return os.Rename(tmp, p)
}
