package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"veritrain-orchestrator/core/logger"
)

// CallerHeader carries the opaque identity of the caller
const CallerHeader = "X-Caller-ID"

type callerKey struct{}

// Authenticator checks an opaque caller identity
type Authenticator interface {
	Authenticate(ctx context.Context, callerID string) error
}

// AllowAll accepts every non-empty identity
type AllowAll struct{}

// Authenticate always succeeds
func (AllowAll) Authenticate(context.Context, string) error { return nil }

// RequireCaller rejects requests without an accepted X-Caller-ID and stores
// the identity in the request context
func RequireCaller(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(CallerHeader)
			if id == "" {
				unauthorized(w, "missing "+CallerHeader+" header")
				return
			}
			if err := auth.Authenticate(r.Context(), id); err != nil {
				unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), id)))
		})
	}
}

// WithCallerID returns a context carrying the caller identity
func WithCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerID returns the caller identity stored by RequireCaller
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": "UNAUTHENTICATED", "message": msg},
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers flush through the recorder
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging logs one line per request
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	log = log.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info("request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}
