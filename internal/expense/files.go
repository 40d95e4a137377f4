package expense

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore reads and writes receipt files in the app data directory
type FileStore interface {
	// ReadFile returns the bytes stored under path
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile stores data under path and returns its file:// URI
	WriteFile(ctx context.Context, path string, data []byte) (string, error)

	// DeleteFile removes the file stored under path
	DeleteFile(ctx context.Context, path string) error
}

// LocalFiles implements FileStore on the local filesystem
type LocalFiles struct {
	basePath string
}

// NewLocalFiles creates a LocalFiles rooted at basePath
func NewLocalFiles(basePath string) (*LocalFiles, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolving storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalFiles{basePath: abs}, nil
}

// Root returns the absolute data directory
func (l *LocalFiles) Root() string {
	return l.basePath
}

// ReadFile reads a file by name or file:// URI
func (l *LocalFiles) ReadFile(ctx context.Context, path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// WriteFile writes a file and returns its URI
func (l *LocalFiles) WriteFile(ctx context.Context, path string, data []byte) (string, error) {
	full, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return "file://" + full, nil
}

// DeleteFile removes a file by name or file:// URI
func (l *LocalFiles) DeleteFile(ctx context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// resolve maps a bare name or a file:// URI to a path inside the data directory
func (l *LocalFiles) resolve(path string) (string, error) {
	path = strings.TrimPrefix(path, "file://")
	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Join(l.basePath, path)
	}
	if full != l.basePath && !strings.HasPrefix(full, l.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the data directory", path)
	}
	return full, nil
}
