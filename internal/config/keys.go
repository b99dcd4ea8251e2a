package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secret store account for secret keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "TWINSYNC_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "TWINSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "TWINSYNC_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "node.id", typ: kString, env: "TWINSYNC_NODE_ID",
		apply:   func(cfg *Config, v any) { cfg.Node.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.Node.ID },
	},
	{
		key: "peer.url", typ: kString, env: "TWINSYNC_PEER_URL",
		apply:   func(cfg *Config, v any) { cfg.Peer.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Peer.URL },
	},
	{
		key: "peer.node_id", typ: kString, env: "TWINSYNC_PEER_NODE_ID",
		apply:   func(cfg *Config, v any) { cfg.Peer.NodeID = v.(string) },
		extract: func(cfg Config) any { return cfg.Peer.NodeID },
	},
	{
		key: "peer.token", typ: kString, env: "TWINSYNC_PEER_TOKEN",
		secret: true, account: "peer_token",
		apply:   func(cfg *Config, v any) { cfg.Peer.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Peer.Token },
	},
	{
		key: "auth.shared_secret", typ: kString, env: "TWINSYNC_SHARED_SECRET",
		secret: true, account: "shared_secret",
		apply:   func(cfg *Config, v any) { cfg.Auth.SharedSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.SharedSecret },
	},
	{
		key: "sync.push_interval", typ: kDuration, env: "TWINSYNC_SYNC_PUSH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.PushInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.PushInterval },
	},
	{
		key: "sync.pull_interval", typ: kDuration, env: "TWINSYNC_SYNC_PULL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.PullInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.PullInterval },
	},
	{
		key: "sync.media_interval", typ: kDuration, env: "TWINSYNC_SYNC_MEDIA_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.MediaInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.MediaInterval },
	},
	{
		key: "sync.batch_size", typ: kInt, env: "TWINSYNC_SYNC_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Sync.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.BatchSize },
	},
	{
		key: "sync.timeout", typ: kDuration, env: "TWINSYNC_SYNC_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sync.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Timeout },
	},
	{
		key: "sync.enabled_default", typ: kBool, env: "TWINSYNC_SYNC_ENABLED_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Sync.EnabledDefault = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.EnabledDefault },
	},
	{
		key: "media.root", typ: kString, env: "TWINSYNC_MEDIA_ROOT",
		apply:   func(cfg *Config, v any) { cfg.Media.Root = v.(string) },
		extract: func(cfg Config) any { return cfg.Media.Root },
	},
	{
		key: "media.backend", typ: kString, env: "TWINSYNC_MEDIA_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Media.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Media.Backend },
	},
	{
		key: "media.base_url", typ: kString, env: "TWINSYNC_MEDIA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Media.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Media.BaseURL },
	},
	{
		key: "media.content_limit", typ: kInt, env: "TWINSYNC_MEDIA_CONTENT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Media.ContentLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Media.ContentLimit },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TWINSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "TWINSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts a raw string for spec s.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			warnf("could not parse config key %s=%q: %v. Using default value.", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
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
		v, err := parseValue(s, raw)
		if err != nil {
			warnf("could not parse env var %s=%q: %v. Using default value.", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
