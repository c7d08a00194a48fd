package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/auth"
	"github.com/shehryarbajwa/webgrab/internal/ratelimit"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// AuthMiddleware rejects requests without a valid principal and stores the
// principal in the request context.
func AuthMiddleware(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := authn.Authenticate(r)
			if err != nil {
				msg := "invalid credentials"
				switch {
				case errors.Is(err, auth.ErrNoCredentials):
					msg = "missing credentials: send X-API-Key or Authorization: Bearer"
				case errors.Is(err, auth.ErrExpiredToken):
					msg = "token has expired"
				}
				writeError(w, models.Errorf(models.CodeUnauthorized, "%s", msg))
				return
			}
			if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
				info.userID = p.UserID
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

// RateLimitMiddleware creates a middleware that enforces per-user rate limits
func RateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.FromContext(r.Context())
			if !ok || limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			limit := limiter.LimitFor(p.Plan)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.RequestsPerHour))

			if !limiter.Allow(p.UserID, p.Plan) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, models.Errorf(models.CodeRateLimited,
					"rate limit exceeded: %d requests per hour on plan %q", limit.RequestsPerHour, p.Plan))
				return
			}

			tokens := limiter.Tokens(p.UserID, p.Plan)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tokens)))

			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// requestInfo lets inner middleware report back to RequestLogger.
type requestInfo struct {
	userID string
}

type requestInfoKey struct{}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			info := &requestInfo{}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", rec.bytes),
				zap.Duration("duration", time.Since(start)),
			}
			if info.userID != "" {
				fields = append(fields, zap.String("user_id", info.userID))
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}
