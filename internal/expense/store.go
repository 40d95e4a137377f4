package expense

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	expenseBucket = "expenses"
	metaBucket    = "meta"
	orderKey      = "order"
)

// RecordStore persists the expense list. Mutations receive the list as it
// stands after the change so the store can keep its ordering in step.
type RecordStore interface {
	Init(ctx context.Context) error
	ReadExpenses(ctx context.Context) ([]Expense, error)
	CreateExpense(ctx context.Context, e *Expense, list []Expense) error
	UpdateExpense(ctx context.Context, e *Expense, list []Expense) error
	DeleteExpense(ctx context.Context, e *Expense, list []Expense) error
	Close() error
}

// BoltStore implements RecordStore using BoltDB
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Init creates the buckets if they don't exist
func (b *BoltStore) Init(ctx context.Context) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(expenseBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	})
	if err != nil {
		return fmt.Errorf("creating buckets: %w", err)
	}
	return nil
}

// ReadExpenses returns the stored expenses in list order. Records missing
// from the saved order are appended after it.
func (b *BoltStore) ReadExpenses(ctx context.Context) ([]Expense, error) {
	expenses := make([]Expense, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(expenseBucket))
		if bucket == nil {
			return fmt.Errorf("store not initialized")
		}

		var order []string
		if meta := tx.Bucket([]byte(metaBucket)); meta != nil {
			raw := meta.Get([]byte(orderKey))
			if raw == nil {
				raw = []byte("[]")
			}
			if err := json.Unmarshal(raw, &order); err != nil {
				return fmt.Errorf("unmarshaling order: %w", err)
			}
		}

		seen := make(map[string]bool, len(order))
		for _, id := range order {
			data := bucket.Get([]byte(id))
			if data == nil || seen[id] {
				continue
			}
			var e Expense
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("unmarshaling expense %s: %w", id, err)
			}
			seen[id] = true
			expenses = append(expenses, e)
		}

		return bucket.ForEach(func(k, v []byte) error {
			if seen[string(k)] {
				return nil
			}
			var e Expense
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling expense %s: %w", k, err)
			}
			expenses = append(expenses, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return expenses, nil
}

// CreateExpense stores a new expense and the updated order
func (b *BoltStore) CreateExpense(ctx context.Context, e *Expense, list []Expense) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := putExpense(tx, e); err != nil {
			return err
		}
		return putOrder(tx, list)
	})
}

// UpdateExpense overwrites an existing expense
func (b *BoltStore) UpdateExpense(ctx context.Context, e *Expense, list []Expense) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(expenseBucket)).Get([]byte(e.ID)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, e.ID)
		}
		if err := putExpense(tx, e); err != nil {
			return err
		}
		return putOrder(tx, list)
	})
}

// DeleteExpense removes an expense and stores the remaining order
func (b *BoltStore) DeleteExpense(ctx context.Context, e *Expense, list []Expense) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(expenseBucket)).Delete([]byte(e.ID)); err != nil {
			return err
		}
		return putOrder(tx, list)
	})
}

// Close closes the database connection
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func putExpense(tx *bbolt.Tx, e *Expense) error {
	stored := *e
	// Inline images are rebuilt on load
	if strings.HasPrefix(stored.Receipt.DisplayURL, "data:") {
		stored.Receipt.DisplayURL = ""
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshaling expense: %w", err)
	}
	return tx.Bucket([]byte(expenseBucket)).Put([]byte(e.ID), data)
}

func putOrder(tx *bbolt.Tx, list []Expense) error {
	ids := make([]string, len(list))
	for i, e := range list {
		ids[i] = e.ID
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshaling order: %w", err)
	}
	return tx.Bucket([]byte(metaBucket)).Put([]byte(orderKey), data)
}
