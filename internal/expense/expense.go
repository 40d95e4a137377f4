package expense

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no expense has the requested ID
	ErrNotFound = errors.New("expense not found")

	// ErrPositionMismatch is returned when an expense is not at the position given for removal
	ErrPositionMismatch = errors.New("expense is not at the given position")

	// ErrOrphanedFile is returned when a removed expense's receipt file could not be deleted
	ErrOrphanedFile = errors.New("receipt file left behind")
)

// Expense is a single expense entry with an optional receipt photo
type Expense struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Category  string          `json:"category"`
	Amount    decimal.Decimal `json:"amount"`
	Date      time.Time       `json:"date"`
	Receipt   Receipt         `json:"receipt"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Receipt tracks a receipt photo through capture, persistence and display
type Receipt struct {
	TempPath   string `json:"temp_path,omitempty"`   // pending capture, cleared once persisted
	FilePath   string `json:"file_path,omitempty"`   // durable reference in the data directory
	DisplayURL string `json:"display_url,omitempty"` // URL the rendering surface loads directly
}

// Pending reports whether the receipt holds a capture that has not been persisted
func (r Receipt) Pending() bool {
	return r.TempPath != ""
}
