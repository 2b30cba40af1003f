package response

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Enforcer applies containment at an enforcement point. The contract is best
// effort: callers log failures and move on.
type Enforcer interface {
	BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error
	SuspendUser(ctx context.Context, userID, reason string) error
	Require2FA(ctx context.Context, userID string) error
	EnableDetailedLogging(ctx context.Context, userID string, ttl time.Duration) error
}

// RedisConfig holds the Redis connection settings for the enforcer.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "risk:",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MaxRetries:   3,
	}
}

// RedisEnforcer records containment decisions in Redis, where the
// application's auth layer reads them.
//
// Keys (with the configured prefix):
//
//	blocked_ip:<ip>       string, reason, expires with the block
//	suspended_users       set of user ids
//	suspended:<user>      string, reason
//	require_2fa           set of user ids
//	detailed_log:<user>   string "1", expires
type RedisEnforcer struct {
	client redis.Cmdable
	closer func() error
	prefix string
}

// NewRedisEnforcer connects to Redis and verifies the connection.
func NewRedisEnforcer(cfg RedisConfig) (*RedisEnforcer, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	e := NewRedisEnforcerFromClient(client, cfg.KeyPrefix)
	e.closer = client.Close
	return e, nil
}

// NewRedisEnforcerFromClient wraps an existing client.
func NewRedisEnforcerFromClient(client redis.Cmdable, prefix string) *RedisEnforcer {
	return &RedisEnforcer{client: client, prefix: prefix}
}

func (r *RedisEnforcer) key(parts ...string) string {
	k := r.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (r *RedisEnforcer) BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key("blocked_ip", ip), reason, ttl).Err()
}

func (r *RedisEnforcer) SuspendUser(ctx context.Context, userID, reason string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.key("suspended_users"), userID)
		pipe.Set(ctx, r.key("suspended", userID), reason, 0)
		return nil
	})
	return err
}

func (r *RedisEnforcer) Require2FA(ctx context.Context, userID string) error {
	return r.client.SAdd(ctx, r.key("require_2fa"), userID).Err()
}

func (r *RedisEnforcer) EnableDetailedLogging(ctx context.Context, userID string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key("detailed_log", userID), "1", ttl).Err()
}

// IsIPBlocked reports whether ip currently has an active block.
func (r *RedisEnforcer) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key("blocked_ip", ip)).Result()
	return n > 0, err
}

// IsSuspended reports whether the user is suspended.
func (r *RedisEnforcer) IsSuspended(ctx context.Context, userID string) (bool, error) {
	return r.client.SIsMember(ctx, r.key("suspended_users"), userID).Result()
}

// Close closes the underlying connection when the enforcer owns it.
func (r *RedisEnforcer) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// MemoryEnforcer keeps containment state in memory. Used in development and tests.
type MemoryEnforcer struct {
	mu        sync.RWMutex
	blocked   map[string]time.Time
	suspended map[string]string
	twoFactor map[string]bool
	detailed  map[string]time.Time
	now       func() time.Time
}

// NewMemoryEnforcer creates an in-memory enforcer.
func NewMemoryEnforcer() *MemoryEnforcer {
	return &MemoryEnforcer{
		blocked:   make(map[string]time.Time),
		suspended: make(map[string]string),
		twoFactor: make(map[string]bool),
		detailed:  make(map[string]time.Time),
		now:       time.Now,
	}
}

func (m *MemoryEnforcer) BlockIP(ctx context.Context, ip, _ string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[ip] = m.now().Add(ttl)
	return nil
}

func (m *MemoryEnforcer) SuspendUser(ctx context.Context, userID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended[userID] = reason
	return nil
}

func (m *MemoryEnforcer) Require2FA(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.twoFactor[userID] = true
	return nil
}

func (m *MemoryEnforcer) EnableDetailedLogging(ctx context.Context, userID string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detailed[userID] = m.now().Add(ttl)
	return nil
}

// IsIPBlocked reports whether ip has an unexpired block.
func (m *MemoryEnforcer) IsIPBlocked(ip string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.blocked[ip]
	return ok && m.now().Before(until)
}

// IsSuspended reports whether the user is suspended.
func (m *MemoryEnforcer) IsSuspended(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.suspended[userID]
	return ok
}

// Requires2FA reports whether the user must use two-factor authentication.
func (m *MemoryEnforcer) Requires2FA(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.twoFactor[userID]
}

// DetailedLogging reports whether detailed logging is active for the user.
func (m *MemoryEnforcer) DetailedLogging(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.detailed[userID]
	return ok && m.now().Before(until)
}
