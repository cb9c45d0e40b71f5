package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalFS stores artifacts under a root directory and serves URLs by joining
// the key onto a base URL. Production deployments swap in an object-store
// implementation behind the same interface.
type LocalFS struct {
	Root    string
	BaseURL string
}

// NewLocalFS creates the root directory if needed
func NewLocalFS(root, baseURL string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &LocalFS{Root: root, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (l *LocalFS) Upload(_ context.Context, key string, r io.Reader, _ string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid artifact key: %s", key)
	}

	abs := filepath.Join(l.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	f, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	return l.BaseURL + "/" + filepath.ToSlash(clean), nil
}

func (l *LocalFS) Delete(_ context.Context, key string) error {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") {
		return fmt.Errorf("invalid artifact key: %s", key)
	}

	err := os.Remove(filepath.Join(l.Root, clean))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// KeyFromURL maps an artifact URL produced by Upload back to its key.
// Returns false for URLs outside this store.
func (l *LocalFS) KeyFromURL(url string) (string, bool) {
	prefix := l.BaseURL + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	return strings.TrimPrefix(url, prefix), true
}
