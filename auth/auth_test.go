package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-0123456789"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims(sub string) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func TestNewVerifier_EmptySecretDisables(t *testing.T) {
	assert.Nil(t, NewVerifier("", ""))
	assert.NotNil(t, NewVerifier(testSecret, ""))
}

func TestVerify(t *testing.T) {
	v := NewVerifier(testSecret, "")

	claims, err := v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("alice@example.com")))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", claims.Subject)

	_, err = v.Verify(sign(t, jwt.SigningMethodHS256, []byte("other-secret"), validClaims("a")))
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := validClaims("a")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), expired))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(sign(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims("a")))
	assert.ErrorIs(t, err, ErrInvalidToken, "only HS256 is accepted")

	_, err = v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("")))
	assert.ErrorIs(t, err, ErrInvalidToken, "subject is required")

	_, err = v.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Audience(t *testing.T) {
	v := NewVerifier(testSecret, "marketmind")

	c := validClaims("a")
	c.Audience = jwt.ClaimStrings{"marketmind"}
	_, err := v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), c))
	require.NoError(t, err)

	c.Audience = jwt.ClaimStrings{"elsewhere"}
	_, err = v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), c))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireAuth(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireAuth(NewVerifier(testSecret, ""), testLogger())(next)
	good := sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("bob"))

	tests := []struct {
		name    string
		header  string
		query   string
		code    int
		subject string
	}{
		{name: "bearer header", header: "Bearer " + good, code: http.StatusNoContent, subject: "bob"},
		{name: "query parameter", query: "?access_token=" + good, code: http.StatusNoContent, subject: "bob"},
		{name: "missing", code: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", code: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer nope", code: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.subject, seen)
			if tt.code == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestRequireAuth_DisabledPassesThrough(t *testing.T) {
	var seen string
	h := RequireAuth(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, AnonymousSubject, seen)
}
