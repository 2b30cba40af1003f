// Package secrets resolves credential references found in configuration.
// A reference is either a literal value or one of:
//
//	env:NAME        environment variable
//	file:/path      file contents, trailing newline trimmed
//	secret:key      looked up through the configured providers in order
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	// ErrSecretNotFound is returned when no provider holds the key.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrNoProvider is returned when every provider is disabled.
	ErrNoProvider = errors.New("no secret provider configured")
)

// Secret is a retrieved value and where it came from.
type Secret struct {
	Value    string
	Metadata map[string]string
}

// Provider looks secrets up by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (*Secret, error)
}

// Config selects providers and cache behaviour.
type Config struct {
	EnableEnv  bool          `yaml:"enable_env"`
	EnvPrefix  string        `yaml:"env_prefix"`
	EnableFile bool          `yaml:"enable_file"`
	FileDir    string        `yaml:"file_dir"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	CacheSize  int           `yaml:"cache_size"`
}

// DefaultConfig returns env-only resolution with a five minute cache.
func DefaultConfig() Config {
	return Config{
		EnableEnv: true,
		EnvPrefix: "RISK_",
		FileDir:   "/run/secrets",
		CacheTTL:  5 * time.Minute,
		CacheSize: 256,
	}
}

// Manager resolves references against its providers and caches hits.
type Manager struct {
	providers []Provider
	cache     *expirable.LRU[string, *Secret]
	logger    *slog.Logger
}

// NewManager builds the providers enabled in cfg.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}

	m := &Manager{
		cache:  expirable.NewLRU[string, *Secret](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: logger,
	}
	if cfg.EnableEnv {
		m.providers = append(m.providers, NewEnvProvider(cfg.EnvPrefix))
	}
	if cfg.EnableFile {
		m.providers = append(m.providers, NewFileProvider(cfg.FileDir))
	}
	if len(m.providers) == 0 {
		return nil, ErrNoProvider
	}
	return m, nil
}

// Get tries each provider in order until one holds key.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if s, ok := m.cache.Get(key); ok {
		return s.Value, nil
	}

	var lastErr error
	for _, p := range m.providers {
		s, err := p.Get(ctx, key)
		if err == nil {
			m.cache.Add(key, s)
			m.logger.Debug("secret resolved", "key", key, "provider", p.Name())
			return s.Value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			m.logger.Warn("secret provider error", "provider", p.Name(), "key", key, "error", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrSecretNotFound
	}
	return "", fmt.Errorf("secret %q: %w", key, lastErr)
}

// Resolve returns the value a reference points at. Values without a
// recognised scheme are returned unchanged, so URLs pass through.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, key, ok := ParseRef(ref)
	if !ok {
		return ref, nil
	}
	switch scheme {
	case "env":
		s, err := (&EnvProvider{}).Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("secret env:%s: %w", key, err)
		}
		return s.Value, nil
	case "file":
		s, err := readFile(key)
		if err != nil {
			return "", fmt.Errorf("secret file:%s: %w", key, err)
		}
		return s.Value, nil
	default:
		return m.Get(ctx, key)
	}
}

// Purge drops every cached value.
func (m *Manager) Purge() {
	m.cache.Purge()
}

// ParseRef splits a reference into scheme and key. ok is false for
// literal values.
func ParseRef(ref string) (scheme, key string, ok bool) {
	scheme, key, found := strings.Cut(ref, ":")
	if !found || key == "" {
		return "", ref, false
	}
	switch scheme {
	case "env", "file", "secret":
		return scheme, key, true
	}
	return "", ref, false
}
