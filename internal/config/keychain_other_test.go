//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSecretFile_SetAndGet(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := keychainExec(keychainService, "api_token"); err == nil {
		t.Fatal("expected error for unset secret")
	}
	if err := keychainSet(keychainService, "api_token", "abc"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	if err := keychainSet(keychainService, "github_token", "gh"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}

	got, err := keychainExec(keychainService, "api_token")
	if err != nil || string(got) != "abc" {
		t.Errorf("api_token = %q, %v", got, err)
	}
	got, err = keychainExec(keychainService, "github_token")
	if err != nil || string(got) != "gh" {
		t.Errorf("github_token = %q, %v", got, err)
	}

	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}
}

func TestSecretFile_CorruptNotOverwritten(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	p := secretsFilePath()
	os.MkdirAll(filepath.Dir(p), 0o700)
	os.WriteFile(p, []byte("{broken"), 0o600)

	if err := keychainSet(keychainService, "api_token", "abc"); err == nil {
		t.Fatal("expected error for corrupt secrets file")
	}
	data, _ := os.ReadFile(p)
	if string(data) != "{broken" {
		t.Errorf("secrets file rewritten: %q", data)
	}
}
