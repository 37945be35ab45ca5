package receipt

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// defaultPageSize is the page size when a request has no limit
const defaultPageSize = 100

// Server handles HTTP requests for receipts
type Server struct {
	service     *Service
	basicAuth   BasicAuth
	mux         *http.ServeMux
	maxPageSize int
	httpServer  *http.Server
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux. maxPageSize caps the limit
// a client may request; zero or less means defaultPageSize.
func NewServer(service *Service, basicAuth BasicAuth, maxPageSize int) *Server {
	return NewServerWithMux(service, basicAuth, maxPageSize, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, maxPageSize int, mux *http.ServeMux) *Server {
	if maxPageSize <= 0 {
		maxPageSize = defaultPageSize
	}
	s := &Server{
		service:     service,
		basicAuth:   basicAuth,
		mux:         mux,
		maxPageSize: maxPageSize,
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
			w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Analyzer"`)
			jsonError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleHealth)

	s.mux.HandleFunc("POST /api/upload", s.requireAuth(s.handleUploadReceipt))

	// literal segments win over {id}, so these don't collide
	s.mux.HandleFunc("GET /api/receipts/search", s.requireAuth(s.handleSearchReceipts))
	s.mux.HandleFunc("GET /api/receipts/sort", s.requireAuth(s.handleSortReceipts))
	s.mux.HandleFunc("GET /api/receipts/export", s.requireAuth(s.handleExportReceipts))

	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("PUT /api/receipts/{id}", s.requireAuth(s.handleUpdateReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))

	s.mux.HandleFunc("GET /api/analytics/total-spend", s.requireAuth(s.handleTotalSpend))
	s.mux.HandleFunc("GET /api/analytics/spend-statistics", s.requireAuth(s.handleSpendStatistics))
	s.mux.HandleFunc("GET /api/analytics/vendor-frequency", s.requireAuth(s.handleVendorFrequency))
	s.mux.HandleFunc("GET /api/analytics/monthly-spend-trend", s.requireAuth(s.handleMonthlySpendTrend))
	s.mux.HandleFunc("GET /api/analytics/spend-by-category", s.requireAuth(s.handleSpendByCategory))
}

// Start serves HTTP on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("Shutting down server")
	return s.httpServer.Shutdown(shutdownCtx)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
