package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/inferhost/internal/platform"
)

type Config struct {
	Engine   EngineConfig
	Release  ReleaseConfig
	Server   ServerConfig
	Chat     ChatConfig
	Sessions SessionsConfig
	Storage  StorageConfig
	Log      LogConfig
}

type EngineConfig struct {
	Version          string
	BaseDir          string
	Directory        string
	Variant          string
	KeepAcceleration bool
	Host             string
	StartTimeout     string
}

type ReleaseConfig struct {
	APIURL      string
	Repository  string
	GitHubToken string
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type ChatConfig struct {
	Model         string
	MaxToolRounds int
	Temperature   float64
}

type SessionsConfig struct {
	File        string
	RemoteURL   string
	RemoteToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Engine: EngineConfig{
			Version:      "latest",
			BaseDir:      dataDir,
			Directory:    "inferhost-engine",
			Host:         "http://127.0.0.1:11434",
			StartTimeout: "5s",
		},
		Release: ReleaseConfig{
			APIURL:     "https://api.github.com",
			Repository: "ollama/ollama",
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Chat: ChatConfig{
			Model:         "llama3.2",
			MaxToolRounds: 4,
		},
		Sessions: SessionsConfig{
			File: filepath.Join(dataDir, "sessions.json"),
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// StartTimeoutDuration parses Engine.StartTimeout, falling back to 5s.
func (c Config) StartTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Engine.StartTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// SlogLevel maps Log.Level onto a slog level.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.inferhost.app) and
// secrets fall back to macOS Keychain.
// Elsewhere the backend is a config file at $XDG_CONFIG_HOME/inferhost/
// (config.json, config.toml or config.yaml) and secrets live in a 0600 file
// under $XDG_DATA_HOME/inferhost.
// INFERHOST_CONFIG selects an explicit config file on every platform.
//
// Environment variables (INFERHOST_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newBackend(), keychainReader{})
}

// loadFromPath loads with a file backend at path.
func loadFromPath(path string, kc keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

// keychainService is the secret-store service name.
const keychainService = "inferhost"

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)
	normalize(&cfg)

	return cfg, nil
}

// applySecrets fills secrets still empty after env overrides from kc.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func normalize(cfg *Config) {
	if cfg.Engine.Variant != "" {
		if v, ok := platform.ParseVariant(cfg.Engine.Variant); ok {
			cfg.Engine.Variant = v
		} else {
			slog.Warn("ignoring unknown engine variant", "variant", cfg.Engine.Variant)
			cfg.Engine.Variant = ""
		}
	}
	if cfg.Chat.MaxToolRounds <= 0 {
		cfg.Chat.MaxToolRounds = 4
	}
	cfg.Engine.Host = strings.TrimRight(cfg.Engine.Host, "/")
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// newBackend honours INFERHOST_CONFIG before the platform default.
func newBackend() ConfigBackend {
	if p := os.Getenv("INFERHOST_CONFIG"); p != "" {
		return newFileBackend(p)
	}
	return newPlatformBackend()
}
