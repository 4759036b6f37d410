package expense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/capture"
	"github.com/zombor/expense-tracker/internal/scanning"
)

var (
	// ErrNothingToExport is returned when exporting a center without expenses
	ErrNothingToExport = errors.New("nothing to export")
	// ErrNoReceiptImage is returned when an expense carries no receipt image
	ErrNoReceiptImage = errors.New("expense has no receipt image")
)

// IDGenerator generates unique IDs for centers and expenses
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// ValidationError reports a field that blocks saving an expense
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ExpenseFields are the user-editable fields of an expense
type ExpenseFields struct {
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Merchant    string          `json:"merchant"`
	ExpenseDate *Date           `json:"expense_date"`
}

func fieldsOf(e *Expense) ExpenseFields {
	return ExpenseFields{
		Category:    e.Category,
		Amount:      e.Amount,
		Description: e.Description,
		Merchant:    e.Merchant,
		ExpenseDate: e.ExpenseDate,
	}
}

func (f ExpenseFields) applyTo(e *Expense) {
	e.Category = strings.TrimSpace(f.Category)
	e.Amount = f.Amount
	e.Description = strings.TrimSpace(f.Description)
	e.Merchant = strings.TrimSpace(f.Merchant)
	e.ExpenseDate = nil
	if f.ExpenseDate != nil && !f.ExpenseDate.IsZero() {
		d := *f.ExpenseDate
		e.ExpenseDate = &d
	}
}

// Validate checks an expense before it is written. Category and merchant
// defaults are accepted, but the amount must be positive.
func Validate(e *Expense) error {
	if strings.TrimSpace(e.Category) == "" {
		return &ValidationError{Field: "category", Message: "Il tipo di spesa è obbligatorio."}
	}
	if strings.TrimSpace(e.Merchant) == "" {
		return &ValidationError{Field: "merchant", Message: "L'azienda è obbligatoria."}
	}
	if e.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Message: "L'importo non può essere negativo."}
	}
	if e.Amount.IsZero() {
		return &ValidationError{Field: "amount", Message: "Importo non rilevato. Riprova con un'altra foto o inseriscilo a mano."}
	}
	return nil
}

// Total sums the amounts of expenses
func Total(expenses []*Expense) decimal.Decimal {
	total := decimal.Zero
	for _, e := range expenses {
		total = total.Add(e.Amount)
	}
	return total
}

// Service handles expense center and expense operations
type Service struct {
	db          DB
	analyzer    scanning.Analyzer
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, analyzer scanning.Analyzer) *Service {
	return &Service{
		db:          db,
		analyzer:    analyzer,
		idGenerator: &uuidGenerator{},
		timeSource:  &defaultTimeSource{},
	}
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, analyzer scanning.Analyzer, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		analyzer:    analyzer,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// sanitizeFilename cleans up a name for use in a download filename
func sanitizeFilename(filename string) string {
	// Keep letters (accented ones included), digits, spaces, hyphens and underscores
	reg := regexp.MustCompile(`[^\p{L}\p{N}\s\-_]`)
	base := reg.ReplaceAllString(filename, "")

	// Replace runs of whitespace with a single underscore
	reg = regexp.MustCompile(`\s+`)
	base = reg.ReplaceAllString(strings.TrimSpace(base), "_")

	// Truncate to reasonable length
	maxLen := 50
	if runes := []rune(base); len(runes) > maxLen {
		base = string(runes[:maxLen])
	}

	if base == "" {
		base = "centro"
	}
	return base
}

// CreateCenter creates a new expense center
func (s *Service) CreateCenter(ctx context.Context, name string) (*Center, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "Il nome del centro di spesa è obbligatorio."}
	}

	center := &Center{
		ID:        s.idGenerator.Generate(),
		Name:      name,
		CreatedAt: s.timeSource.Now(),
	}
	if err := s.db.CreateCenter(ctx, center); err != nil {
		return nil, fmt.Errorf("saving center: %w", err)
	}
	slog.Info("Created expense center", "id", center.ID, "name", center.Name)
	return center, nil
}

// ListCenters returns all expense centers
func (s *Service) ListCenters(ctx context.Context) ([]*Center, error) {
	centers, err := s.db.ListCenters(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing centers: %w", err)
	}
	return centers, nil
}

// DeleteCenter removes an expense center that has no expenses
func (s *Service) DeleteCenter(ctx context.Context, id string) error {
	if err := s.db.DeleteCenter(ctx, id); err != nil {
		return fmt.Errorf("deleting center: %w", err)
	}
	slog.Info("Deleted expense center", "id", id)
	return nil
}

// SelectCenter makes id the session's selected center; an empty id clears it
func (s *Service) SelectCenter(ctx context.Context, sess *Session, id string) error {
	if id != "" {
		if _, err := s.db.GetCenter(ctx, id); err != nil {
			return fmt.Errorf("getting center: %w", err)
		}
	}
	sess.SelectCenter(id)
	return nil
}

// ListExpenses returns the expenses of a center
func (s *Service) ListExpenses(ctx context.Context, centerID string) ([]*Expense, error) {
	if _, err := s.db.GetCenter(ctx, centerID); err != nil {
		return nil, fmt.Errorf("getting center: %w", err)
	}
	expenses, err := s.db.ListExpenses(ctx, centerID)
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}
	return expenses, nil
}

// AnalyzeImage sends an image to the vision model and returns its raw answer
func (s *Service) AnalyzeImage(ctx context.Context, img capture.Image) (string, error) {
	start := s.timeSource.Now()
	answer, err := s.analyzer.Analyze(ctx, img)
	analysisDuration.Observe(s.timeSource.Now().Sub(start).Seconds())
	if err != nil {
		slog.Error("Failed to analyze receipt",
			"content_type", img.MIMEType,
			"file_size", len(img.Data),
			"error", err,
		)
		return "", fmt.Errorf("analyzing receipt: %w", err)
	}
	return answer, nil
}

// ProcessReceipt analyzes a receipt image and files the extracted expense
// under the session's selected center.
func (s *Service) ProcessReceipt(ctx context.Context, sess *Session, img capture.Image) (*Expense, error) {
	centerID := sess.SelectedCenter()
	if centerID == "" {
		return nil, ErrNoCenterSelected
	}
	if len(img.Data) == 0 {
		return nil, capture.ErrEmptyImage
	}
	if !sess.TryBeginAnalysis() {
		return nil, ErrAnalysisInFlight
	}
	defer sess.EndAnalysis()

	answer, err := s.AnalyzeImage(ctx, img)
	if err != nil {
		receiptsProcessed.WithLabelValues(outcomeProviderError).Inc()
		return nil, err
	}

	extracted := scanning.Parse(answer)
	if extracted.ParseFailed {
		parseFailures.Inc()
	}

	now := s.timeSource.Now()
	expense := &Expense{
		ID:           s.idGenerator.Generate(),
		CenterID:     centerID,
		Category:     extracted.Category,
		Amount:       extracted.Amount,
		Description:  extracted.Description,
		Merchant:     extracted.Merchant,
		ReceiptImage: img.DataURL(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if extracted.ExpenseDate != nil {
		d := NewDate(*extracted.ExpenseDate)
		expense.ExpenseDate = &d
	}

	if err := Validate(expense); err != nil {
		receiptsProcessed.WithLabelValues(outcomeInvalid).Inc()
		slog.Warn("Extracted expense rejected", "center", centerID, "error", err, "parse_failed", extracted.ParseFailed)
		return nil, err
	}

	if err := s.db.CreateExpense(ctx, expense); err != nil {
		receiptsProcessed.WithLabelValues(outcomeStoreError).Inc()
		return nil, fmt.Errorf("saving expense: %w", err)
	}

	receiptsProcessed.WithLabelValues(outcomeSaved).Inc()
	slog.Info("Saved expense from receipt",
		"id", expense.ID,
		"center", centerID,
		"merchant", expense.Merchant,
		"amount", expense.Amount.StringFixed(2),
	)
	return expense, nil
}

// GetExpense retrieves an expense by ID
func (s *Service) GetExpense(ctx context.Context, id string) (*Expense, error) {
	expense, err := s.db.GetExpense(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting expense: %w", err)
	}
	return expense, nil
}

// UpdateExpense replaces the editable fields of an expense
func (s *Service) UpdateExpense(ctx context.Context, id string, fields ExpenseFields) (*Expense, error) {
	expense, err := s.db.GetExpense(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting expense: %w", err)
	}

	fields.applyTo(expense)
	if err := Validate(expense); err != nil {
		return nil, err
	}
	expense.UpdatedAt = s.timeSource.Now()

	if err := s.db.UpdateExpense(ctx, expense); err != nil {
		return nil, fmt.Errorf("updating expense: %w", err)
	}
	return expense, nil
}

// BeginEdit loads an expense into the session's edit draft
func (s *Service) BeginEdit(ctx context.Context, sess *Session, id string) (*Expense, error) {
	expense, err := s.db.GetExpense(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting expense: %w", err)
	}
	if err := sess.BeginEdit(expense); err != nil {
		return nil, err
	}
	return sess.Editing(), nil
}

// SaveEdit writes the session's draft. The draft survives a failed save.
func (s *Service) SaveEdit(ctx context.Context, sess *Session) (*Expense, error) {
	draft := sess.Editing()
	if draft == nil {
		return nil, ErrNotEditing
	}
	if draft.CenterID != sess.SelectedCenter() {
		sess.CancelEdit()
		return nil, ErrOutsideCenter
	}

	expense, err := s.UpdateExpense(ctx, draft.ID, fieldsOf(draft))
	if err != nil {
		return nil, err
	}
	sess.finishEdit(draft.ID)
	return expense, nil
}

// DeleteExpense removes an expense
func (s *Service) DeleteExpense(ctx context.Context, id string) error {
	if err := s.db.DeleteExpense(ctx, id); err != nil {
		return fmt.Errorf("deleting expense: %w", err)
	}
	return nil
}

// GetReceiptImage returns the receipt image stored with an expense
func (s *Service) GetReceiptImage(ctx context.Context, id string) (capture.Image, error) {
	expense, err := s.db.GetExpense(ctx, id)
	if err != nil {
		return capture.Image{}, fmt.Errorf("getting expense: %w", err)
	}
	if expense.ReceiptImage == "" {
		return capture.Image{}, ErrNoReceiptImage
	}
	img, err := capture.ParseDataURL(expense.ReceiptImage)
	if err != nil {
		return capture.Image{}, fmt.Errorf("decoding receipt image: %w", err)
	}
	return img, nil
}

// ExportCenter builds the spreadsheet of a center's expenses
func (s *Service) ExportCenter(ctx context.Context, centerID string) (*Workbook, error) {
	center, err := s.db.GetCenter(ctx, centerID)
	if err != nil {
		return nil, fmt.Errorf("getting center: %w", err)
	}
	expenses, err := s.db.ListExpenses(ctx, centerID)
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}

	workbook, err := Export(expenses, center.Name)
	if err != nil {
		return nil, err
	}
	exportsGenerated.Inc()
	return workbook, nil
}
