package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Spool holds temporary captures until they are persisted
type Spool struct {
	dir    string
	prefix string
}

// NewSpool creates a Spool in dir whose captures are served under webPrefix
func NewSpool(dir, webPrefix string) (*Spool, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving spool directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	return &Spool{
		dir:    abs,
		prefix: "/" + strings.Trim(webPrefix, "/"),
	}, nil
}

// Dir returns the absolute spool directory
func (s *Spool) Dir() string {
	return s.dir
}

// WebPrefix returns the URL path captures are served under
func (s *Spool) WebPrefix() string {
	return s.prefix
}

// Upload returns a Camera that yields the given uploaded image
func (s *Spool) Upload(data []byte, contentType string) *Upload {
	return &Upload{spool: s, data: data, contentType: contentType}
}

// Open returns the bytes of a spooled capture by name
func (s *Spool) Open(name string) ([]byte, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("%w: invalid capture name %q", ErrUnknownCapture, name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapture, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading capture: %w", err)
	}
	return data, nil
}

// ReadPath returns a capture by the device path or file:// URI it was issued under.
// Anything outside the spool directory is an unknown capture.
func (s *Spool) ReadPath(ref string) ([]byte, error) {
	p := filepath.Clean(strings.TrimPrefix(ref, "file://"))
	if !filepath.IsAbs(p) || filepath.Dir(p) != s.dir {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapture, ref)
	}
	return s.Open(filepath.Base(p))
}

// ReadWebPath returns a capture by the URL path it is served under
func (s *Spool) ReadWebPath(webPath string) ([]byte, error) {
	p := path.Clean("/" + webPath)
	if path.Dir(p) != s.prefix {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapture, webPath)
	}
	return s.Open(path.Base(p))
}

// Sweep removes captures older than maxAge and returns how many were removed
func (s *Spool) Sweep(maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading spool directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			slog.Warn("Failed to sweep capture", "name", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Spool) write(data []byte) (*Photo, error) {
	name := uuid.NewString() + ".jpeg"
	full := filepath.Join(s.dir, name)
	if err := os.WriteFile(full, data, 0644); err != nil {
		return nil, fmt.Errorf("writing capture: %w", err)
	}
	return &Photo{
		Path:    full,
		WebPath: path.Join(s.prefix, name),
		Format:  "jpeg",
	}, nil
}

// Upload is a Camera backed by an image the client already took
type Upload struct {
	spool       *Spool
	data        []byte
	contentType string
}

// GetPhoto normalizes the upload to JPEG at the requested quality and spools it
func (u *Upload) GetPhoto(ctx context.Context, opts Options) (*Photo, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(u.data) == 0 {
		return nil, ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jpegData, err := toJPEG(u.data, u.contentType, opts.Quality)
	if err != nil {
		return nil, fmt.Errorf("converting capture: %w", err)
	}

	photo, err := u.spool.write(jpegData)
	if err != nil {
		return nil, err
	}
	slog.Debug("Captured photo", "path", photo.Path, "size", len(jpegData), "quality", opts.Quality)
	return photo, nil
}
