package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const apiTokenAccount = "api_token"

// EnsureAPIToken returns cfg's API token. When none is configured a random
// token is generated and saved to the secret store, so clients started later
// read the same value.
func EnsureAPIToken(cfg Config) (string, error) {
	return ensureAPIToken(cfg, keychainSet)
}

func ensureAPIToken(cfg Config, set func(service, account, value string) error) (string, error) {
	if cfg.Server.APIToken != "" {
		return cfg.Server.APIToken, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := set(keychainService, apiTokenAccount, token); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return token, nil
}
