package expense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	centerBucketName  = "centers"
	expenseBucketName = "expenses"
)

var (
	// ErrNotFound is returned when a center or expense does not exist
	ErrNotFound = errors.New("not found")
	// ErrCenterNotEmpty is returned when deleting a center that still owns expenses
	ErrCenterNotEmpty = errors.New("center still has expenses")
	// ErrAlreadyExists is returned when creating a center or expense whose ID is taken
	ErrAlreadyExists = errors.New("already exists")
)

// DB defines the interface for database operations
type DB interface {
	// CreateCenter saves a new center
	CreateCenter(ctx context.Context, center *Center) error

	// GetCenter retrieves a center by ID
	GetCenter(ctx context.Context, id string) (*Center, error)

	// ListCenters returns all centers, oldest first
	ListCenters(ctx context.Context) ([]*Center, error)

	// DeleteCenter removes an empty center
	DeleteCenter(ctx context.Context, id string) error

	// CreateExpense saves a new expense under an existing center
	CreateExpense(ctx context.Context, expense *Expense) error

	// GetExpense retrieves an expense by ID
	GetExpense(ctx context.Context, id string) (*Expense, error)

	// ListExpenses returns the expenses of a center, most recent expense date first
	ListExpenses(ctx context.Context, centerID string) ([]*Expense, error)

	// UpdateExpense replaces every field of an existing expense
	UpdateExpense(ctx context.Context, expense *Expense) error

	// DeleteExpense removes an expense
	DeleteExpense(ctx context.Context, id string) error

	// Close closes the database connection
	Close() error
}

// sortExpenses orders by expense date descending. Undated expenses go last
// and ties fall back to the newest record first.
func sortExpenses(expenses []*Expense) {
	sort.SliceStable(expenses, func(i, j int) bool {
		a, b := expenses[i], expenses[j]
		switch {
		case a.ExpenseDate == nil && b.ExpenseDate == nil:
		case a.ExpenseDate == nil:
			return false
		case b.ExpenseDate == nil:
			return true
		case !a.ExpenseDate.Equal(b.ExpenseDate.Time):
			return a.ExpenseDate.After(b.ExpenseDate.Time)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(centerBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(expenseBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// CreateCenter saves a new center
func (b *BoltDB) CreateCenter(ctx context.Context, center *Center) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(center)
		if err != nil {
			return fmt.Errorf("marshaling center: %w", err)
		}
		bucket := tx.Bucket([]byte(centerBucketName))
		if bucket.Get([]byte(center.ID)) != nil {
			return fmt.Errorf("center %s: %w", center.ID, ErrAlreadyExists)
		}
		return bucket.Put([]byte(center.ID), data)
	})
}

// GetCenter retrieves a center by ID
func (b *BoltDB) GetCenter(ctx context.Context, id string) (*Center, error) {
	var center *Center
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(centerBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("center %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &center)
	})
	if err != nil {
		return nil, err
	}
	return center, nil
}

// ListCenters returns all centers, oldest first
func (b *BoltDB) ListCenters(ctx context.Context) ([]*Center, error) {
	centers := make([]*Center, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(centerBucketName)).ForEach(func(k, v []byte) error {
			var center Center
			if err := json.Unmarshal(v, &center); err != nil {
				return fmt.Errorf("unmarshaling center: %w", err)
			}
			centers = append(centers, &center)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(centers, func(i, j int) bool {
		return centers[i].CreatedAt.Before(centers[j].CreatedAt)
	})
	return centers, nil
}

// DeleteCenter removes a center, refusing while expenses still reference it
func (b *BoltDB) DeleteCenter(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		centers := tx.Bucket([]byte(centerBucketName))
		if centers.Get([]byte(id)) == nil {
			return fmt.Errorf("center %s: %w", id, ErrNotFound)
		}

		err := tx.Bucket([]byte(expenseBucketName)).ForEach(func(k, v []byte) error {
			var expense Expense
			if err := json.Unmarshal(v, &expense); err != nil {
				return fmt.Errorf("unmarshaling expense: %w", err)
			}
			if expense.CenterID == id {
				return ErrCenterNotEmpty
			}
			return nil
		})
		if err != nil {
			return err
		}

		return centers.Delete([]byte(id))
	})
}

// CreateExpense saves a new expense; the center must exist
func (b *BoltDB) CreateExpense(ctx context.Context, expense *Expense) error {
	return b.putExpense(expense, false)
}

// UpdateExpense replaces an existing expense
func (b *BoltDB) UpdateExpense(ctx context.Context, expense *Expense) error {
	return b.putExpense(expense, true)
}

func (b *BoltDB) putExpense(expense *Expense, mustExist bool) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(centerBucketName)).Get([]byte(expense.CenterID)) == nil {
			return fmt.Errorf("center %s: %w", expense.CenterID, ErrNotFound)
		}

		bucket := tx.Bucket([]byte(expenseBucketName))
		existing := bucket.Get([]byte(expense.ID))
		if mustExist && existing == nil {
			return fmt.Errorf("expense %s: %w", expense.ID, ErrNotFound)
		}
		if !mustExist && existing != nil {
			return fmt.Errorf("expense %s: %w", expense.ID, ErrAlreadyExists)
		}

		data, err := json.Marshal(expense)
		if err != nil {
			return fmt.Errorf("marshaling expense: %w", err)
		}
		return bucket.Put([]byte(expense.ID), data)
	})
}

// GetExpense retrieves an expense by ID
func (b *BoltDB) GetExpense(ctx context.Context, id string) (*Expense, error) {
	var expense *Expense
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(expenseBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("expense %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &expense)
	})
	if err != nil {
		return nil, err
	}
	return expense, nil
}

// ListExpenses returns the expenses of a center
func (b *BoltDB) ListExpenses(ctx context.Context, centerID string) ([]*Expense, error) {
	expenses := make([]*Expense, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(expenseBucketName)).ForEach(func(k, v []byte) error {
			var expense Expense
			if err := json.Unmarshal(v, &expense); err != nil {
				return fmt.Errorf("unmarshaling expense: %w", err)
			}
			if expense.CenterID == centerID {
				expenses = append(expenses, &expense)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortExpenses(expenses)
	return expenses, nil
}

// DeleteExpense removes an expense
func (b *BoltDB) DeleteExpense(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(expenseBucketName))
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("expense %s: %w", id, ErrNotFound)
		}
		return bucket.Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
