package capture

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned when a capture produced no image.
	ErrCancelled = errors.New("capture cancelled")

	// ErrUnknownCapture is returned for a reference the spool did not issue
	// or no longer holds.
	ErrUnknownCapture = errors.New("unknown capture")
)

// ResultType selects how a captured photo is handed back
type ResultType string

const (
	// ResultURI returns a reference to the photo on disk
	ResultURI ResultType = "uri"
)

// Source selects where the photo comes from
type Source string

const (
	SourcePrompt Source = "prompt"
	SourceCamera Source = "camera"
	SourcePhotos Source = "photos"
)

// Options configures a single capture
type Options struct {
	ResultType ResultType
	Source     Source
	Quality    int // JPEG quality, 0-100
}

// Validate checks that the options can be honoured
func (o Options) Validate() error {
	if o.ResultType != ResultURI {
		return fmt.Errorf("unsupported result type %q", o.ResultType)
	}
	switch o.Source {
	case SourcePrompt, SourceCamera, SourcePhotos:
	default:
		return fmt.Errorf("unsupported source %q", o.Source)
	}
	if o.Quality < 0 || o.Quality > 100 {
		return fmt.Errorf("quality %d out of range 0-100", o.Quality)
	}
	return nil
}

// Photo is the result of a capture
type Photo struct {
	Path    string `json:"path"`     // absolute path on the device
	WebPath string `json:"web_path"` // path a browser can fetch
	Format  string `json:"format"`
}

// Camera produces photos
type Camera interface {
	GetPhoto(ctx context.Context, opts Options) (*Photo, error)
}
