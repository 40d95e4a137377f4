package expense

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/capture"
	"github.com/zombor/expense-tracker/internal/scanning"
)

const receiptExt = ".jpeg"

var captureOptions = capture.Options{
	ResultType: capture.ResultURI,
	Source:     capture.SourceCamera,
	Quality:    100,
}

// IDGenerator generates unique IDs for expenses
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// CapturedReceipt is a freshly captured receipt that has not been saved yet
type CapturedReceipt struct {
	DisplayURL string               `json:"display_url"`
	TempPath   string               `json:"temp_path"`
	Suggestion *scanning.Suggestion `json:"suggestion,omitempty"`
	Draft      Expense              `json:"draft"`
}

// Coordinator owns the in-memory expense list and keeps it in step with the
// record store and the receipt files.
type Coordinator struct {
	mu       sync.Mutex
	expenses []Expense

	store       RecordStore
	files       FileStore
	platform    Platform
	scanner     scanning.Scanner
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewCoordinator creates a Coordinator with uuid IDs and the wall clock.
// scanner may be nil to skip receipt pre-fill.
func NewCoordinator(store RecordStore, files FileStore, platform Platform, scanner scanning.Scanner) *Coordinator {
	return NewCoordinatorWithDeps(store, files, platform, scanner, &uuidGenerator{}, &defaultTimeSource{})
}

// NewCoordinatorWithDeps creates a Coordinator with custom dependencies for testing
func NewCoordinatorWithDeps(store RecordStore, files FileStore, platform Platform, scanner scanning.Scanner, idGen IDGenerator, timeSrc TimeSource) *Coordinator {
	return &Coordinator{
		store:       store,
		files:       files,
		platform:    platform,
		scanner:     scanner,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Load reads every expense from the store into memory
func (c *Coordinator) Load(ctx context.Context) ([]Expense, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	expenses, err := c.store.ReadExpenses(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading expenses: %w", err)
	}

	if c.platform.InlineOnLoad() {
		for i := range expenses {
			path := expenses[i].Receipt.FilePath
			if path == "" {
				continue
			}
			data, err := c.files.ReadFile(ctx, path)
			if err != nil {
				return nil, fmt.Errorf("reading receipt %s: %w", path, err)
			}
			expenses[i].Receipt.DisplayURL = dataURL(data)
		}
	}

	c.expenses = expenses
	slog.Info("Loaded expenses", "count", len(expenses), "platform", c.platform.Name())
	return slices.Clone(c.expenses), nil
}

// List returns a snapshot of the in-memory expenses
func (c *Coordinator) List() []Expense {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.expenses)
}

// Lookup returns the expense with the given ID
func (c *Coordinator) Lookup(id string) (Expense, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(id); i >= 0 {
		return c.expenses[i], true
	}
	return Expense{}, false
}

// Position returns the index of the expense with the given ID
func (c *Coordinator) Position(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(id)
	return i, i >= 0
}

// CaptureReceipt takes a photo and returns references to it for display and
// for a later Save. The photo stays temporary until the expense is saved.
func (c *Coordinator) CaptureReceipt(ctx context.Context, camera capture.Camera) (*CapturedReceipt, error) {
	photo, err := camera.GetPhoto(ctx, captureOptions)
	if err != nil {
		return nil, fmt.Errorf("capturing photo: %w", err)
	}

	ref := c.platform.PhotoRef(photo)
	captured := &CapturedReceipt{
		DisplayURL: c.platform.DisplayURL(ref),
		TempPath:   ref,
	}

	if c.scanner != nil {
		captured.Suggestion = c.scan(ctx, ref)
	}
	captured.Draft = c.draft(captured)
	return captured, nil
}

// Save creates the expense when it has no ID and updates it otherwise.
// A pending receipt capture is persisted first. Without one, an update keeps
// the stored receipt and a create has none. e is updated in place on success.
func (c *Coordinator) Save(ctx context.Context, e *Expense) (*Expense, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeSource.Now()
	rec := *e
	isNew := rec.ID == ""

	index := -1
	if isNew {
		rec.ID = c.idGenerator.Generate()
		rec.CreatedAt = now
		rec.Receipt = Receipt{TempPath: rec.Receipt.TempPath}
	} else {
		if index = c.indexOf(rec.ID); index < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
		}
		stored := c.expenses[index]
		rec.CreatedAt = stored.CreatedAt
		rec.Receipt.FilePath = stored.Receipt.FilePath
		if !rec.Receipt.Pending() {
			rec.Receipt.DisplayURL = stored.Receipt.DisplayURL
		}
	}
	rec.UpdatedAt = now

	wrote := false
	if rec.Receipt.Pending() {
		filePath, displayURL, err := c.savePicture(ctx, rec.Receipt.TempPath, rec.ID+receiptExt)
		if err != nil {
			return nil, fmt.Errorf("saving receipt picture: %w", err)
		}
		rec.Receipt.FilePath = filePath
		rec.Receipt.DisplayURL = displayURL
		rec.Receipt.TempPath = ""
		wrote = true
	}

	if isNew {
		list := make([]Expense, 0, len(c.expenses)+1)
		list = append(list, rec)
		list = append(list, c.expenses...)
		if err := c.store.CreateExpense(ctx, &rec, list); err != nil {
			if wrote {
				c.discardFile(ctx, rec.Receipt.FilePath)
			}
			return nil, fmt.Errorf("creating expense: %w", err)
		}
		c.expenses = list
	} else {
		list := slices.Clone(c.expenses)
		list[index] = rec
		if err := c.store.UpdateExpense(ctx, &rec, list); err != nil {
			return nil, fmt.Errorf("updating expense: %w", err)
		}
		c.expenses = list
	}

	*e = rec
	return e, nil
}

// Remove deletes the expense at position from the store, the list and, when
// it has one, its receipt file. The store goes first so a failure there
// changes nothing. A failed file delete leaves the record removed and
// returns ErrOrphanedFile.
func (c *Coordinator) Remove(ctx context.Context, e Expense, position int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if position < 0 || position >= len(c.expenses) || c.expenses[position].ID != e.ID {
		return fmt.Errorf("%w: %s at %d", ErrPositionMismatch, e.ID, position)
	}

	stored := c.expenses[position]
	list := slices.Delete(slices.Clone(c.expenses), position, position+1)
	if err := c.store.DeleteExpense(ctx, &stored, list); err != nil {
		return fmt.Errorf("deleting expense: %w", err)
	}
	c.expenses = list

	if stored.Receipt.FilePath == "" {
		return nil
	}
	if err := c.files.DeleteFile(ctx, stored.Receipt.FilePath); err != nil {
		slog.Warn("Failed to delete receipt file", "id", stored.ID, "file", stored.Receipt.FilePath, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrOrphanedFile, stored.Receipt.FilePath, err)
	}
	return nil
}

// savePicture copies a temporary capture into the data directory
func (c *Coordinator) savePicture(ctx context.Context, tempRef, filename string) (string, string, error) {
	data, err := c.platform.ReadPhoto(ctx, tempRef)
	if err != nil {
		return "", "", err
	}

	uri, err := c.files.WriteFile(ctx, filename, data)
	if err != nil {
		return "", "", err
	}

	filePath, displayURL := c.platform.Persisted(filename, uri, tempRef)
	return filePath, displayURL, nil
}

func (c *Coordinator) scan(ctx context.Context, ref string) *scanning.Suggestion {
	data, err := c.platform.ReadPhoto(ctx, ref)
	if err != nil {
		slog.Warn("Failed to read capture for scanning", "ref", ref, "error", err)
		return nil
	}
	s, err := c.scanner.ScanReceipt(ctx, data)
	if err != nil {
		slog.Warn("Failed to scan receipt", "ref", ref, "size", len(data), "error", err)
		return nil
	}
	return s
}

// draft builds an unsaved expense carrying the capture and any scanned fields
func (c *Coordinator) draft(captured *CapturedReceipt) Expense {
	d := Expense{
		Category: "other",
		Date:     c.timeSource.Now().Truncate(24 * time.Hour),
		Receipt: Receipt{
			TempPath:   captured.TempPath,
			DisplayURL: captured.DisplayURL,
		},
	}
	if s := captured.Suggestion; s != nil {
		d.Title = s.Title
		d.Category = s.Category
		d.Amount = decimal.NewFromFloat(s.Amount).Round(2)
		if date, err := time.Parse("2006-01-02", s.Date); err == nil {
			d.Date = date
		}
	}
	return d
}

func (c *Coordinator) discardFile(ctx context.Context, path string) {
	if err := c.files.DeleteFile(ctx, path); err != nil {
		slog.Warn("Failed to clean up receipt file", "file", path, "error", err)
	}
}

func (c *Coordinator) indexOf(id string) int {
	return slices.IndexFunc(c.expenses, func(e Expense) bool { return e.ID == id })
}

func dataURL(data []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
}
