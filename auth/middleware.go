package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type subjectContextKey struct{}

// AnonymousSubject is placed in the context when auth is disabled.
const AnonymousSubject = "anonymous"

// SubjectFromContext returns the authenticated subject, or "" if none.
func SubjectFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subjectContextKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSubject returns a copy of ctx carrying subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, subject)
}

// tokenFromRequest reads a bearer token from the Authorization header, then
// the access_token query parameter. Browsers cannot set headers on a
// WebSocket or EventSource request, hence the query fallback.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// RequireAuth returns middleware that rejects requests without a valid token.
// A nil verifier lets every request through as AnonymousSubject.
func RequireAuth(v *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), AnonymousSubject)))
				return
			}
			tok := tokenFromRequest(r)
			if tok == "" {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := v.Verify(tok)
			if err != nil {
				logger.Debug("Rejected gateway token", "path", r.URL.Path, "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), claims.Subject)))
		})
	}
}
