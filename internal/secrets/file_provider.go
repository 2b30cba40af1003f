package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider reads secrets mounted as files, as Docker and Kubernetes do.
type FileProvider struct {
	baseDir string
}

// NewFileProvider creates a provider rooted at baseDir. Absolute keys
// bypass the base directory.
func NewFileProvider(baseDir string) *FileProvider {
	return &FileProvider{baseDir: baseDir}
}

// Name returns the provider name.
func (f *FileProvider) Name() string {
	return "file"
}

// Get reads the file for key.
func (f *FileProvider) Get(_ context.Context, key string) (*Secret, error) {
	return readFile(f.path(key))
}

func readFile(path string) (*Secret, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	return &Secret{
		Value:    strings.TrimRight(string(data), "\r\n"),
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}

// path maps "clickhouse/password" to "<base>/clickhouse_password".
func (f *FileProvider) path(key string) string {
	if filepath.IsAbs(key) {
		return filepath.Clean(key)
	}
	name := strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(strings.ToLower(key))
	return filepath.Join(f.baseDir, name)
}
