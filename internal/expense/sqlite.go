package expense

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteDB implements the DB interface on SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens the database at path and applies pending migrations
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	if err := RunMigrations(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// CreateCenter saves a new center
func (s *SQLiteDB) CreateCenter(ctx context.Context, center *Center) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO centers (id, name, created_at) VALUES (?, ?, ?)`,
		center.ID, center.Name, center.CreatedAt.UnixNano())
	if isPrimaryKeyViolation(err) {
		return fmt.Errorf("center %s: %w", center.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert center: %w", err)
	}
	return nil
}

// GetCenter retrieves a center by ID
func (s *SQLiteDB) GetCenter(ctx context.Context, id string) (*Center, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM centers WHERE id = ?`, id)
	center, err := scanCenter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("center %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select center: %w", err)
	}
	return center, nil
}

// ListCenters returns all centers, oldest first
func (s *SQLiteDB) ListCenters(ctx context.Context) ([]*Center, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM centers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select centers: %w", err)
	}
	defer rows.Close()

	centers := make([]*Center, 0)
	for rows.Next() {
		center, err := scanCenter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan center: %w", err)
		}
		centers = append(centers, center)
	}
	return centers, rows.Err()
}

// DeleteCenter removes a center, refusing while expenses still reference it
func (s *SQLiteDB) DeleteCenter(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := centerExists(ctx, tx, id); err != nil {
			return err
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM expenses WHERE center_id = ?`, id).Scan(&count); err != nil {
			return fmt.Errorf("count expenses: %w", err)
		}
		if count > 0 {
			return ErrCenterNotEmpty
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM centers WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete center: %w", err)
		}
		return nil
	})
}

// CreateExpense saves a new expense; the center must exist
func (s *SQLiteDB) CreateExpense(ctx context.Context, expense *Expense) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := centerExists(ctx, tx, expense.CenterID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO expenses (id, center_id, category, amount, description, merchant, expense_date, receipt_image, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			expense.ID, expense.CenterID, expense.Category, expense.Amount.String(), expense.Description,
			expense.Merchant, nullDate(expense.ExpenseDate), expense.ReceiptImage,
			expense.CreatedAt.UnixNano(), expense.UpdatedAt.UnixNano())
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("expense %s: %w", expense.ID, ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("insert expense: %w", err)
		}
		return nil
	})
}

// UpdateExpense replaces an existing expense
func (s *SQLiteDB) UpdateExpense(ctx context.Context, expense *Expense) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := centerExists(ctx, tx, expense.CenterID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE expenses SET center_id = ?, category = ?, amount = ?, description = ?, merchant = ?,
			 expense_date = ?, receipt_image = ?, created_at = ?, updated_at = ? WHERE id = ?`,
			expense.CenterID, expense.Category, expense.Amount.String(), expense.Description, expense.Merchant,
			nullDate(expense.ExpenseDate), expense.ReceiptImage, expense.CreatedAt.UnixNano(),
			expense.UpdatedAt.UnixNano(), expense.ID)
		if err != nil {
			return fmt.Errorf("update expense: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("expense %s: %w", expense.ID, ErrNotFound)
		}
		return nil
	})
}

const expenseColumns = `id, center_id, category, amount, description, merchant, expense_date, receipt_image, created_at, updated_at`

// GetExpense retrieves an expense by ID
func (s *SQLiteDB) GetExpense(ctx context.Context, id string) (*Expense, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = ?`, id)
	expense, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("expense %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select expense: %w", err)
	}
	return expense, nil
}

// ListExpenses returns the expenses of a center, undated ones last
func (s *SQLiteDB) ListExpenses(ctx context.Context, centerID string) ([]*Expense, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE center_id = ?
		 ORDER BY expense_date IS NULL, expense_date DESC, created_at DESC`, centerID)
	if err != nil {
		return nil, fmt.Errorf("select expenses: %w", err)
	}
	defer rows.Close()

	expenses := make([]*Expense, 0)
	for rows.Next() {
		expense, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		expenses = append(expenses, expense)
	}
	return expenses, rows.Err()
}

// DeleteExpense removes an expense
func (s *SQLiteDB) DeleteExpense(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("expense %s: %w", id, ErrNotFound)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func centerExists(ctx context.Context, tx *sql.Tx, id string) error {
	var found int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM centers WHERE id = ?`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("center %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select center: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCenter(row rowScanner) (*Center, error) {
	var (
		center    Center
		createdAt int64
	)
	if err := row.Scan(&center.ID, &center.Name, &createdAt); err != nil {
		return nil, err
	}
	center.CreatedAt = time.Unix(0, createdAt).UTC()
	return &center, nil
}

func scanExpense(row rowScanner) (*Expense, error) {
	var (
		expense              Expense
		amount               string
		expenseDate          sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&expense.ID, &expense.CenterID, &expense.Category, &amount, &expense.Description,
		&expense.Merchant, &expenseDate, &expense.ReceiptImage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	expense.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", amount, err)
	}
	if expenseDate.Valid {
		d, err := ParseDate(expenseDate.String)
		if err != nil {
			return nil, err
		}
		expense.ExpenseDate = &d
	}
	expense.CreatedAt = time.Unix(0, createdAt).UTC()
	expense.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &expense, nil
}

func nullDate(d *Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
