package expense

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoCenterSelected is returned when an operation needs a selected center
	ErrNoCenterSelected = errors.New("no expense center selected")
	// ErrNotEditing is returned when no expense is being edited
	ErrNotEditing = errors.New("no expense is being edited")
	// ErrOutsideCenter is returned when editing an expense of another center
	ErrOutsideCenter = errors.New("expense belongs to another center")
	// ErrAnalysisInFlight is returned when the session is already analyzing a receipt
	ErrAnalysisInFlight = errors.New("an analysis is already running")
)

// SessionState is the serialisable view of a session
type SessionState struct {
	SelectedCenter string   `json:"selected_center,omitempty"`
	Editing        *Expense `json:"editing,omitempty"`
	Analyzing      bool     `json:"analyzing"`
}

// Session holds the per-browser UI state: the selected center, the expense
// being edited and whether an analysis is running.
type Session struct {
	mu        sync.Mutex
	centerID  string
	editing   *Expense
	analyzing bool
	lastSeen  time.Time
}

// SelectCenter switches the selected center and discards any in-progress edit
func (s *Session) SelectCenter(centerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.centerID != centerID {
		s.editing = nil
	}
	s.centerID = centerID
}

// SelectedCenter returns the selected center ID, empty when none
func (s *Session) SelectedCenter() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.centerID
}

// BeginEdit starts editing a copy of expense, which must belong to the selected center
func (s *Session) BeginEdit(expense *Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.centerID == "" {
		return ErrNoCenterSelected
	}
	if expense.CenterID != s.centerID {
		return ErrOutsideCenter
	}
	s.editing = expense.Clone()
	return nil
}

// UpdateDraft replaces the editable fields of the draft
func (s *Session) UpdateDraft(fields ExpenseFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editing == nil {
		return ErrNotEditing
	}
	fields.applyTo(s.editing)
	return nil
}

// Editing returns a copy of the draft, or nil when nothing is being edited
func (s *Session) Editing() *Expense {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editing == nil {
		return nil
	}
	return s.editing.Clone()
}

// CancelEdit drops the draft
func (s *Session) CancelEdit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editing = nil
}

// finishEdit drops the draft only if it is still the one for id
func (s *Session) finishEdit(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editing != nil && s.editing.ID == id {
		s.editing = nil
	}
}

// TryBeginAnalysis marks an analysis as running; false when one already is
func (s *Session) TryBeginAnalysis() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.analyzing {
		return false
	}
	s.analyzing = true
	return true
}

// EndAnalysis clears the running analysis flag
func (s *Session) EndAnalysis() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyzing = false
}

// State returns a snapshot of the session
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := SessionState{SelectedCenter: s.centerID, Analyzing: s.analyzing}
	if s.editing != nil {
		state.Editing = s.editing.Clone()
	}
	return state
}

// Sessions is an in-memory registry of sessions keyed by an opaque token
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessions creates a registry that forgets sessions idle for longer than ttl
func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the session for token, creating a fresh one under a new token
// when it is unknown or expired. The returned token is the one to hand back
// to the client.
func (r *Sessions) Get(token string) (*Session, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.expireLocked(now)

	if sess, ok := r.sessions[token]; ok && token != "" {
		sess.mu.Lock()
		sess.lastSeen = now
		sess.mu.Unlock()
		return sess, token
	}

	token = uuid.NewString()
	sess := &Session{lastSeen: now}
	r.sessions[token] = sess
	return sess, token
}

// Len returns the number of live sessions
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Sessions) expireLocked(now time.Time) {
	if r.ttl <= 0 {
		return
	}
	for token, sess := range r.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastSeen) > r.ttl && !sess.analyzing
		sess.mu.Unlock()
		if idle {
			delete(r.sessions, token)
		}
	}
}
