package expense

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/zombor/expense-tracker/internal/capture"
)

// AppFilePrefix is the URL path native display URLs are served under
const AppFilePrefix = "/_app_file_"

// Platform captures everything that differs between the native shell and the browser
type Platform interface {
	// Name identifies the variant
	Name() string

	// PhotoRef picks the capture reference this platform can read back
	PhotoRef(photo *capture.Photo) string

	// DisplayURL turns a reference into a URL the rendering surface can load
	DisplayURL(ref string) string

	// ReadPhoto returns the bytes behind a capture reference. References the
	// capture spool did not issue fail with capture.ErrUnknownCapture.
	ReadPhoto(ctx context.Context, ref string) ([]byte, error)

	// Persisted picks the stored reference and display URL for a receipt
	// that was written to filename and got back uri
	Persisted(filename, uri, tempRef string) (filePath, displayURL string)

	// InlineOnLoad reports whether loaded receipts must be re-encoded as data URLs
	InlineOnLoad() bool
}

// Native is the on-device variant: captures are local files and the webview
// loads them through the app file handler.
type Native struct {
	baseURL string
	spool   *capture.Spool
}

// NewNative creates a Native platform whose file URLs are rooted at baseURL
func NewNative(baseURL string, spool *capture.Spool) *Native {
	return &Native{baseURL: strings.TrimRight(baseURL, "/"), spool: spool}
}

func (n *Native) Name() string { return "native" }

func (n *Native) PhotoRef(photo *capture.Photo) string {
	return photo.Path
}

// DisplayURL maps a device path or file:// URI onto the app file handler
func (n *Native) DisplayURL(ref string) string {
	if ref == "" {
		return ""
	}
	path := strings.TrimPrefix(ref, "file://")
	if !strings.HasPrefix(path, "/") {
		return ref
	}
	return n.baseURL + AppFilePrefix + (&url.URL{Path: path}).EscapedPath()
}

// ReadPhoto reads the capture straight from the spool directory
func (n *Native) ReadPhoto(ctx context.Context, ref string) ([]byte, error) {
	data, err := n.spool.ReadPath(ref)
	if err != nil {
		return nil, fmt.Errorf("reading photo: %w", err)
	}
	return data, nil
}

func (n *Native) Persisted(filename, uri, tempRef string) (string, string) {
	return uri, n.DisplayURL(uri)
}

func (n *Native) InlineOnLoad() bool { return false }

// Web is the browser variant: captures are addressed by the web path the
// browser loads them from and stored receipts are shown inline.
type Web struct {
	base  *url.URL
	spool *capture.Spool
}

// NewWeb creates a Web platform that accepts capture paths on baseURL's origin
func NewWeb(baseURL string, spool *capture.Spool) (*Web, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	return &Web{base: base, spool: spool}, nil
}

func (w *Web) Name() string { return "web" }

func (w *Web) PhotoRef(photo *capture.Photo) string {
	return photo.WebPath
}

// DisplayURL returns the reference unchanged, browsers load web paths directly
func (w *Web) DisplayURL(ref string) string {
	return ref
}

// ReadPhoto resolves a same-origin capture path against the spool. The
// server itself serves those paths, so no request is made.
func (w *Web) ReadPhoto(ctx context.Context, ref string) ([]byte, error) {
	target, err := w.base.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", capture.ErrUnknownCapture, ref)
	}
	if target.Scheme != w.base.Scheme || target.Host != w.base.Host || target.User != nil {
		return nil, fmt.Errorf("%w: foreign origin %s", capture.ErrUnknownCapture, target.Host)
	}

	data, err := w.spool.ReadWebPath(target.Path)
	if err != nil {
		return nil, fmt.Errorf("reading photo: %w", err)
	}
	return data, nil
}

func (w *Web) Persisted(filename, uri, tempRef string) (string, string) {
	return filename, tempRef
}

func (w *Web) InlineOnLoad() bool { return true }
