package server

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/apimgr/buildhub/src/config"
	"github.com/apimgr/buildhub/src/logging"
)

// Middleware wraps an http.Handler to add common functionality
type Middleware struct {
	config     *config.Config
	logManager *logging.Manager
}

// NewMiddleware creates a new middleware instance
func NewMiddleware(cfg *config.Config, logMgr *logging.Manager) *Middleware {
	return &Middleware{config: cfg, logManager: logMgr}
}

// Chain chains multiple middleware handlers together
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// responseWriter wraps http.ResponseWriter to capture status and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Logger writes one access-log line per completed request
func (m *Middleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if m.logManager != nil {
			m.logManager.Access().LogRequest(r, wrapped.statusCode, wrapped.bytesWritten,
				time.Since(start), r.Header.Get("X-Request-ID"))
		}
	})
}

// Recovery turns handler panics into 500s instead of dropped connections
func (m *Middleware) Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC: %v", err)
				if m.logManager != nil {
					m.logManager.Server().Error("handler panic", map[string]interface{}{
						"path":  r.URL.Path,
						"panic": err,
					})
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestID propagates or assigns an X-Request-ID on every request
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID != "" {
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = ""
			}
		}
		if requestID == "" {
			requestID = uuid.New().String()
		}

		r.Header.Set("X-Request-ID", requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}
