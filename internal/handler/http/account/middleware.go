package account_http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	DefaultIdentityHeader = "X-User-ID"
	InternalTokenHeader   = "X-Internal-Token"
)

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying the authenticated owner id.
func WithIdentity(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, identityKey{}, ownerID)
}

func IdentityFromContext(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(identityKey{}).(string)
	return ownerID, ok && ownerID != ""
}

// RequireIdentity rejects requests that arrive without the identity header set by the gateway
// that verified the caller's token.
func RequireIdentity(header string, logger *zap.Logger) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultIdentityHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID := strings.TrimSpace(r.Header.Get(header))
			if ownerID == "" {
				logger.Warn("Request without caller identity",
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())))
				writeMessage(w, http.StatusForbidden, "Forbidden: Missing or invalid authorization.")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ownerID)))
		})
	}
}

// RequireInternalToken admits only callers presenting token in InternalTokenHeader.
// An empty token admits nobody.
func RequireInternalToken(token string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				logger.Warn("Internal request with invalid token",
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())))
				writeMessage(w, http.StatusForbidden, "Forbidden: Missing or invalid authorization.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger writes one access log line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
