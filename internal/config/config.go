package config

import (
	"strings"
)

type Config struct {
	Server  ServerConfig
	Turso   TursoConfig
	Storage StorageConfig
	Cache   CacheConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type TursoConfig struct {
	DatabaseURL string
	AuthToken   string
}

// StorageConfig selects the durable backend. Backend is one of:
//
//	auto    - turso when credentials are present, sqlite otherwise
//	turso   - remote store only; missing credentials mean memory-only
//	sqlite  - local database under DataDir
//	memory  - no durable store at all
type StorageConfig struct {
	Backend string
	DataDir string
}

type CacheConfig struct {
	SimilarityThreshold float64
	MaxEntriesPerKey    int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			Backend: "auto",
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			SimilarityThreshold: 0.93,
			MaxEntriesPerKey:    2000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.askcache.app) and the
// Turso auth token falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/askcache/config.json
// and secrets must be provided via environment variables.
//
// Environment variables (ASKCACHE_*, TURSO_*) override backend values on all
// platforms. Missing Turso credentials are not an error; the server falls
// back to the local or memory-only backend.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for the Turso token if still empty.
	if cfg.Turso.AuthToken == "" {
		if token, err := kc.Get("askcache", "turso_auth_token"); err == nil && token != "" {
			cfg.Turso.AuthToken = token
		}
	}

	return cfg, nil
}

// ResolveBackend maps the configured backend (plus available credentials) to
// the concrete backend to start: "turso", "sqlite", or "memory".
func (c Config) ResolveBackend() string {
	backend := strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	hasTurso := c.Turso.DatabaseURL != "" && c.Turso.AuthToken != ""

	switch backend {
	case "turso":
		if hasTurso {
			return "turso"
		}
		return "memory"
	case "sqlite":
		return "sqlite"
	case "memory":
		return "memory"
	default: // "auto" and anything unrecognized
		if hasTurso {
			return "turso"
		}
		return "sqlite"
	}
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
