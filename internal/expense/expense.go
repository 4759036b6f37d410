package expense

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Center is a named grouping under which expenses are filed
type Center struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Expense is a single purchase filed under a center
type Expense struct {
	ID           string          `json:"id"`
	CenterID     string          `json:"center_id"`
	Category     string          `json:"category"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	Merchant     string          `json:"merchant"`
	ExpenseDate  *Date           `json:"expense_date,omitempty"`
	ReceiptImage string          `json:"receipt_image,omitempty"` // data URL
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with e
func (e *Expense) Clone() *Expense {
	c := *e
	if e.ExpenseDate != nil {
		d := *e.ExpenseDate
		c.ExpenseDate = &d
	}
	return &c
}

// dateLayout is the wire and storage format of a Date
const dateLayout = "2006-01-02"

// Date is a calendar date without time of day
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar date in UTC
func NewDate(t time.Time) Date {
	return Date{time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD, also accepting a full RFC 3339 timestamp
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return Date{t}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return NewDate(t), nil
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

// Italian formats the date the way it-IT locales print short dates (15/1/2024)
func (d Date) Italian() string {
	return d.Format("2/1/2006")
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		// Cleared date; callers treat the zero Date as absent
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
