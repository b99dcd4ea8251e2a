package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin   = "admin"
	RoleService = "service"
)

var (
	ErrNoSecret     = errors.New("auth: no shared secret configured")
	ErrUnauthorized = errors.New("auth: invalid credentials")
)

// Claims are carried by service tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	Role    string
}

type principalKey struct{}

// PrincipalFrom returns the caller attached by BearerAuth.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator accepts the shared secret itself or an HS256 token signed
// with it that carries a privileged role.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Verify checks a bearer token.
func (a *Authenticator) Verify(token string) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{}, ErrNoSecret
	}
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(token), a.secret) == 1 {
		return Principal{Subject: "shared-secret", Role: RoleAdmin}, nil
	}

	claims := new(Claims)
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Role != RoleAdmin && claims.Role != RoleService {
		return Principal{}, fmt.Errorf("%w: role %q is not privileged", ErrUnauthorized, claims.Role)
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// IssueToken mints a service token valid for ttl.
func (a *Authenticator) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}
	if role != RoleAdmin && role != RoleService {
		return "", fmt.Errorf("invalid role %q", role)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func BearerAuth(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			p, err := auth.Verify(header[len(prefix):])
			if err != nil {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}
