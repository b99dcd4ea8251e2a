package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const keychainService = "twinsync"

type Config struct {
	Server  ServerConfig
	Node    NodeConfig
	Peer    PeerConfig
	Auth    AuthConfig
	Sync    SyncConfig
	Media   MediaConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	MaxConns int
}

type NodeConfig struct {
	ID string
}

// PeerConfig points at the other node. An empty URL disables the
// replication jobs; the node still serves /sync.
type PeerConfig struct {
	URL    string
	NodeID string
	Token  string
}

type AuthConfig struct {
	SharedSecret string
}

type SyncConfig struct {
	PushInterval   time.Duration
	PullInterval   time.Duration
	MediaInterval  time.Duration
	Timeout        time.Duration
	BatchSize      int
	EnabledDefault bool
}

type MediaConfig struct {
	Root         string
	Backend      string
	BaseURL      string
	ContentLimit int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8765,
			MaxConns: 64,
		},
		Sync: SyncConfig{
			PushInterval:   30 * time.Second,
			PullInterval:   30 * time.Second,
			MediaInterval:  5 * time.Minute,
			Timeout:        15 * time.Second,
			BatchSize:      200,
			EnabledDefault: true,
		},
		Media: MediaConfig{
			Backend:      "local",
			ContentLimit: 5 << 20,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.twinsync.app) and
// secrets fall back to macOS Keychain (service: twinsync).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/twinsync/config.json
// and secrets fall back to $XDG_DATA_HOME/twinsync/secrets.json.
//
// Environment variables (TWINSYNC_*) override backend values on all platforms.
// A node ID is generated and written to the backend on first load.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), systemKeychain{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
		if err := b.SetString("node.id", cfg.Node.ID); err != nil {
			return Config{}, fmt.Errorf("persisting generated node id: %w", err)
		}
	}
	if cfg.Peer.Token == "" {
		cfg.Peer.Token = cfg.Auth.SharedSecret
	}
	if cfg.Media.Root == "" {
		cfg.Media.Root = filepath.Join(cfg.Storage.DataDir, "media")
	}

	return cfg, nil
}

// applySecrets fills secret keys that are still empty from the secret store.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// Validate checks what serving requires.
func (c Config) Validate() error {
	if c.Auth.SharedSecret == "" {
		return fmt.Errorf("missing required config: shared secret. "+
			"Set it via environment variable TWINSYNC_SHARED_SECRET%s", secretHint("shared_secret"))
	}
	if c.Peer.URL != "" && !strings.HasPrefix(c.Peer.URL, "http://") && !strings.HasPrefix(c.Peer.URL, "https://") {
		return fmt.Errorf("invalid peer.url %q: must start with http:// or https://", c.Peer.URL)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

// systemKeychain is the platform secret store.
type systemKeychain struct{}

func (systemKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (systemKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[WARN] "+format+"\n", args...)
}
