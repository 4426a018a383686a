package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secret-store account for secrets
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "engine.version", typ: kString, env: "INFERHOST_ENGINE_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Engine.Version = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Version },
	},
	{
		key: "engine.base_dir", typ: kString, env: "INFERHOST_ENGINE_BASE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Engine.BaseDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.BaseDir },
	},
	{
		key: "engine.directory", typ: kString, env: "INFERHOST_ENGINE_DIRECTORY",
		apply:   func(cfg *Config, v any) { cfg.Engine.Directory = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Directory },
	},
	{
		key: "engine.variant", typ: kString, env: "INFERHOST_ENGINE_VARIANT",
		apply:   func(cfg *Config, v any) { cfg.Engine.Variant = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Variant },
	},
	{
		key: "engine.keep_acceleration", typ: kBool, env: "INFERHOST_ENGINE_KEEP_ACCELERATION",
		apply:   func(cfg *Config, v any) { cfg.Engine.KeepAcceleration = v.(bool) },
		extract: func(cfg Config) any { return cfg.Engine.KeepAcceleration },
	},
	{
		key: "engine.host", typ: kString, env: "INFERHOST_ENGINE_HOST",
		apply:   func(cfg *Config, v any) { cfg.Engine.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Host },
	},
	{
		key: "engine.start_timeout", typ: kString, env: "INFERHOST_ENGINE_START_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Engine.StartTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.StartTimeout },
	},
	{
		key: "release.api_url", typ: kString, env: "INFERHOST_RELEASE_API_URL",
		apply:   func(cfg *Config, v any) { cfg.Release.APIURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Release.APIURL },
	},
	{
		key: "release.repository", typ: kString, env: "INFERHOST_RELEASE_REPOSITORY",
		apply:   func(cfg *Config, v any) { cfg.Release.Repository = v.(string) },
		extract: func(cfg Config) any { return cfg.Release.Repository },
	},
	{
		key: "release.github_token", typ: kString, env: "INFERHOST_GITHUB_TOKEN",
		secret: true, account: "github_token",
		apply:   func(cfg *Config, v any) { cfg.Release.GitHubToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Release.GitHubToken },
	},
	{
		key: "server.port", typ: kInt, env: "INFERHOST_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "INFERHOST_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "chat.model", typ: kString, env: "INFERHOST_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Chat.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Model },
	},
	{
		key: "chat.max_tool_rounds", typ: kInt, env: "INFERHOST_CHAT_MAX_TOOL_ROUNDS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxToolRounds = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxToolRounds },
	},
	{
		key: "chat.temperature", typ: kFloat, env: "INFERHOST_CHAT_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Chat.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chat.Temperature },
	},
	{
		key: "sessions.file", typ: kString, env: "INFERHOST_SESSIONS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Sessions.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Sessions.File },
	},
	{
		key: "sessions.remote_url", typ: kString, env: "INFERHOST_SESSIONS_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sessions.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sessions.RemoteURL },
	},
	{
		key: "sessions.remote_token", typ: kString, env: "INFERHOST_SESSIONS_TOKEN",
		secret: true, account: "sessions_token",
		apply:   func(cfg *Config, v any) { cfg.Sessions.RemoteToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Sessions.RemoteToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INFERHOST_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "INFERHOST_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
