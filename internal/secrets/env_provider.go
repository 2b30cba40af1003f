package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a provider that prefers prefixed variable names.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: strings.ToUpper(prefix)}
}

// Name returns the provider name.
func (e *EnvProvider) Name() string {
	return "environment"
}

// Get looks up the normalized, prefixed name first and the key as given
// second.
func (e *EnvProvider) Get(_ context.Context, key string) (*Secret, error) {
	name := e.normalize(key)
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		name = key
		value, ok = os.LookupEnv(key)
	}
	if !ok || value == "" {
		return nil, ErrSecretNotFound
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "environment", "name": name},
	}, nil
}

// normalize maps "clickhouse.password" to "RISK_CLICKHOUSE_PASSWORD".
func (e *EnvProvider) normalize(key string) string {
	n := strings.ToUpper(key)
	n = strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(n)
	if e.prefix != "" && !strings.HasPrefix(n, e.prefix) {
		n = e.prefix + n
	}
	return n
}
