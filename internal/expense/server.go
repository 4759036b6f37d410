package expense

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// sessionCookie carries the token of the browser's Session
const sessionCookie = "expense_session"

// DefaultSessionTTL is how long an idle browser session is kept
const DefaultSessionTTL = 12 * time.Hour

// Server handles HTTP requests for expense centers and expenses
type Server struct {
	service   *Service
	sessions  *Sessions
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// sessionHandlerFunc is a handler that receives the caller's session
type sessionHandlerFunc func(w http.ResponseWriter, r *http.Request, sess *Session)

// NewServer creates a new Server with default mux
func NewServer(service *Service, sessions *Sessions, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, sessions, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, sessions *Sessions, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		sessions:  sessions,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			// Ensure CORS headers are set before error response
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Expense Tracker"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// withSession resolves the caller's session from its cookie, issuing a new
// cookie when the session is unknown or expired
func (s *Server) withSession(next sessionHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var token string
		if c, err := r.Cookie(sessionCookie); err == nil {
			token = c.Value
		}

		sess, issued := s.sessions.Get(token)
		if issued != token {
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookie,
				Value:    issued,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next(w, r, sess)
	}
}

// handleStatic serves the embedded client files
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	// Set correct MIME type for JavaScript modules
	if strings.HasSuffix(r.URL.Path, ".js") {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	}
	http.StripPrefix("/static/", http.FileServer(http.FS(staticFS()))).ServeHTTP(w, r)
}

// registerRoutes registers all API routes on the server's mux
// Routes must be registered from most specific to least specific to avoid conflicts
func (s *Server) registerRoutes() {
	// Static files (CSS, JS, controllers)
	s.mux.HandleFunc("GET /static/", s.requireAuth(s.handleStatic))

	// Raw analysis; the handler answers non-POST methods itself
	s.mux.HandleFunc("/api/analyze", s.requireAuth(s.handleAnalyze))

	// API endpoints - centers
	s.mux.HandleFunc("GET /api/centers/{id}/expenses", s.requireAuth(s.handleListExpenses))
	s.mux.HandleFunc("GET /api/centers/{id}/export", s.requireAuth(s.handleExportCenter))
	s.mux.HandleFunc("DELETE /api/centers/{id}", s.requireAuth(s.withSession(s.handleDeleteCenter)))
	s.mux.HandleFunc("GET /api/centers", s.requireAuth(s.handleListCenters))
	s.mux.HandleFunc("POST /api/centers", s.requireAuth(s.withSession(s.handleCreateCenter)))

	// API endpoints - expenses
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.withSession(s.handleUploadReceipt)))
	s.mux.HandleFunc("GET /api/expenses/{id}/receipt", s.requireAuth(s.handleGetReceiptImage))
	s.mux.HandleFunc("PUT /api/expenses/{id}", s.requireAuth(s.handleUpdateExpense))
	s.mux.HandleFunc("DELETE /api/expenses/{id}", s.requireAuth(s.withSession(s.handleDeleteExpense)))

	// API endpoints - session state
	s.mux.HandleFunc("GET /api/session", s.requireAuth(s.withSession(s.handleGetSession)))
	s.mux.HandleFunc("PUT /api/session/center", s.requireAuth(s.withSession(s.handleSelectCenter)))
	s.mux.HandleFunc("POST /api/session/editing/save", s.requireAuth(s.withSession(s.handleSaveEdit)))
	s.mux.HandleFunc("PUT /api/session/editing", s.requireAuth(s.withSession(s.handleBeginEdit)))
	s.mux.HandleFunc("PATCH /api/session/editing", s.requireAuth(s.withSession(s.handleUpdateDraft)))
	s.mux.HandleFunc("DELETE /api/session/editing", s.requireAuth(s.withSession(s.handleCancelEdit)))

	s.mux.HandleFunc("GET /metrics", s.requireAuth(promhttp.Handler().ServeHTTP))

	// Static HTML interface (register last as it's the catch-all)
	s.mux.HandleFunc("GET /index.html", s.requireAuth(s.handleIndex))
	s.mux.HandleFunc("GET /", s.requireAuth(s.handleIndex))
}

// Handler returns the mux wrapped with the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	// Wrap the mux with CORS middleware to handle all requests including OPTIONS
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
