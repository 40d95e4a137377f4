package expense

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zombor/expense-tracker/internal/capture"
)

// Server handles HTTP requests for expenses and receipt captures
type Server struct {
	coordinator *Coordinator
	spool       *capture.Spool
	basicAuth   BasicAuth
	fileRoots   []string
	mux         *http.ServeMux

	srvMu      sync.Mutex
	httpServer *http.Server
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux. fileRoots lists the
// directories the app file handler may serve from.
func NewServer(coordinator *Coordinator, spool *capture.Spool, basicAuth BasicAuth, fileRoots ...string) *Server {
	return NewServerWithMux(coordinator, spool, basicAuth, http.NewServeMux(), fileRoots...)
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(coordinator *Coordinator, spool *capture.Spool, basicAuth BasicAuth, mux *http.ServeMux, fileRoots ...string) *Server {
	roots := make([]string, 0, len(fileRoots))
	for _, root := range fileRoots {
		if abs, err := filepath.Abs(root); err == nil {
			roots = append(roots, abs)
		}
	}

	s := &Server{
		coordinator: coordinator,
		spool:       spool,
		basicAuth:   basicAuth,
		fileRoots:   roots,
		mux:         mux,
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

	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
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
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Expense Tracker"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/expenses/{id}", s.requireAuth(s.handleGetExpense))
	s.mux.HandleFunc("PUT /api/expenses/{id}", s.requireAuth(s.handleUpdateExpense))
	s.mux.HandleFunc("DELETE /api/expenses/{id}", s.requireAuth(s.handleDeleteExpense))
	s.mux.HandleFunc("GET /api/expenses", s.requireAuth(s.handleListExpenses))
	s.mux.HandleFunc("POST /api/expenses", s.requireAuth(s.handleSaveExpense))

	s.mux.HandleFunc("POST /api/receipts/capture", s.requireAuth(s.handleCaptureReceipt))
	s.mux.HandleFunc("GET "+s.spool.WebPrefix()+"/{name}", s.requireAuth(s.handleGetCapture))
	s.mux.HandleFunc("GET "+AppFilePrefix+"/", s.requireAuth(s.handleAppFile))
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srvMu.Lock()
	s.httpServer = srv
	s.srvMu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.httpServer
	s.srvMu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
