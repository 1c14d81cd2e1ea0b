// Package auth verifies the HS256 bearer tokens that guard the gateway's
// streaming and admin endpoints. Tokens are issued by another service; this
// package only checks them.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the claim set carried by a gateway access token.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates signed tokens against a shared secret.
type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier returns nil when secret is empty, which RequireAuth treats as
// "auth disabled".
func NewVerifier(secret, audience string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret), audience: audience}
}

// Verify parses tokenString and returns its claims. Expiry is enforced when
// the token carries an exp claim.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
