// Package auth is the gateway's identity provider: it issues and verifies
// the signed bearer tokens agents present on the control channel, and hashes
// account passwords.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hcodes/tunnel/internal/domain"
)

// TokenTTL is the lifetime of issued tokens.
const TokenTTL = 30 * 24 * time.Hour

type claims struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 tokens carrying a [domain.Principal].
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: TokenTTL, now: time.Now}
}

// Issue signs a token for p.
func (t *Tokens) Issue(p domain.Principal) (string, error) {
	now := t.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		ID:    p.ID,
		Email: p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	})
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of raw and returns its principal.
// Every failure wraps [domain.ErrAuthInvalid].
func (t *Tokens) Verify(raw string) (domain.Principal, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrAuthInvalid, err)
	}
	if c.ID <= 0 {
		return domain.Principal{}, fmt.Errorf("%w: missing subject", domain.ErrAuthInvalid)
	}
	return domain.Principal{ID: c.ID, Email: c.Email}, nil
}

// BearerToken extracts the credential from an Authorization: Bearer header,
// falling back to the token query parameter for clients that cannot set
// headers on a websocket dial.
func BearerToken(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
			return "", fmt.Errorf("%w: malformed authorization header", domain.ErrAuthInvalid)
		}
		return strings.TrimSpace(tok), nil
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok, nil
	}
	return "", domain.ErrAuthMissing
}

// Authenticate extracts and verifies the request's bearer token.
func (t *Tokens) Authenticate(r *http.Request) (domain.Principal, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return domain.Principal{}, err
	}
	return t.Verify(raw)
}

type contextKey struct{}

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request context.
func (t *Tokens) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := t.Authenticate(r)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, domain.ErrAuthMissing) {
				msg = "missing authorization token"
			}
			http.Error(w, msg, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, p)))
	})
}

// PrincipalFromContext returns the principal stored by [Tokens.Middleware].
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(domain.Principal)
	return p, ok
}

// ConstantTimeEquals compares two secrets in constant time.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
