/*
auth.go - Token issuing, password hashing, and the auth middleware

PURPOSE:
  Stateless authentication with HS256 JWTs. A token carries the user ID as
  its subject and the role as a custom claim; handlers gate on role via
  RequireRole. Passwords are stored as bcrypt hashes, never plaintext.

SEE ALSO:
  - handlers.go: Login endpoint that issues tokens
  - server.go: Where the middleware is mounted
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/vaxtrace/vaccine-engine/core"
)

// Auth issues and validates tokens.
type Auth struct {
	secret []byte
	ttl    time.Duration
}

func NewAuth(secret string, ttl time.Duration) *Auth {
	return &Auth{secret: []byte(secret), ttl: ttl}
}

type claims struct {
	Role core.Role `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs a token for the user, valid for the configured TTL.
func (a *Auth) IssueToken(u *core.User) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(u.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	})
	return token.SignedString(a.secret)
}

func (a *Auth) parseToken(raw string) (*claims, error) {
	token, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether plain matches the stored bcrypt hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// =============================================================================
// REQUEST CONTEXT
// =============================================================================

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRole
)

// CallerID returns the authenticated user's ID, if any.
func CallerID(ctx context.Context) (core.UserID, bool) {
	id, ok := ctx.Value(ctxUserID).(core.UserID)
	return id, ok
}

// CallerRole returns the authenticated user's role, if any.
func CallerRole(ctx context.Context) (core.Role, bool) {
	role, ok := ctx.Value(ctxRole).(core.Role)
	return role, ok
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// Middleware validates the Bearer token and stashes the caller's identity
// in the request context. Requests without a valid token get 401.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}

		c, err := a.parseToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, core.UserID(c.Subject))
		ctx = context.WithValue(ctx, ctxRole, c.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a route group to the listed roles. Must run after
// Middleware; an absent role means the request never passed it.
func RequireRole(roles ...core.Role) func(http.Handler) http.Handler {
	allowed := make(map[core.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := CallerRole(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
				return
			}
			if !allowed[role] {
				writeError(w, http.StatusForbidden, "Insufficient role", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
