// Package auth authenticates callers by HS256 bearer token or, for
// server-to-server calls, by user id plus a shared internal key.
package auth

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/lucid-engine/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

const (
	HeaderUserID      = "X-User-ID"
	HeaderInternalKey = "X-Internal-Key"
)

var (
	// ErrUnauthenticated is returned when a request carries no credentials.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrInvalidToken is returned for tokens that fail verification or lack a subject.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidInternalKey is returned when X-Internal-Key does not match.
	ErrInvalidInternalKey = errors.New("invalid internal api key")
)

// Identity is an authenticated caller.
type Identity struct {
	UserID    string
	ProjectID string
	SessionID string
	// Internal is set for server-to-server callers identified by header.
	Internal bool
}

// Authenticator verifies tokens and internal headers.
type Authenticator struct {
	secret          []byte
	internalKey     string
	allowUnverified bool
}

// New creates an Authenticator from cfg.
func New(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		secret:          []byte(cfg.JWTSecret),
		internalKey:     cfg.InternalAPIKey,
		allowUnverified: cfg.AllowUnverifiedInternal,
	}
}

// ParseToken verifies an HS256 token and extracts the caller. The subject is
// taken from "sub", falling back to "userId". Audience is not checked.
func (a *Authenticator) ParseToken(raw string) (Identity, error) {
	if len(a.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := Identity{
		UserID:    claimString(claims, "sub"),
		ProjectID: claimString(claims, "projectId"),
		SessionID: claimString(claims, "sessionId"),
	}
	if id.UserID == "" {
		id.UserID = claimString(claims, "userId")
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: token missing sub claim", ErrInvalidToken)
	}
	return id, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

// FromRequest authenticates an HTTP request. A bearer token is preferred;
// otherwise X-User-ID is accepted when X-Internal-Key matches the configured
// key. Without a configured key the header is accepted only when unverified
// internal callers are allowed.
func (a *Authenticator) FromRequest(r *http.Request) (Identity, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return a.ParseToken(strings.TrimPrefix(h, "Bearer "))
	}

	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		return Identity{}, ErrUnauthenticated
	}
	if a.internalKey != "" {
		key := r.Header.Get(HeaderInternalKey)
		if !hmac.Equal([]byte(key), []byte(a.internalKey)) {
			slog.Warn("Internal key mismatch", "user_id", userID)
			return Identity{}, ErrInvalidInternalKey
		}
		return Identity{UserID: userID, Internal: true}, nil
	}
	if !a.allowUnverified {
		return Identity{}, ErrInvalidInternalKey
	}
	slog.Warn("Accepting unverified internal caller", "user_id", userID)
	return Identity{UserID: userID, Internal: true}, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// identity in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.FromRequest(r)
		if err != nil {
			writeUnauthorized(w, unauthorizedMessage(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return "Invalid token"
	case errors.Is(err, ErrInvalidInternalKey):
		return "Invalid internal API key"
	default:
		return "Authentication required"
	}
}

type contextKey int

const identityKey contextKey = iota

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// UserID extracts the authenticated user id, or "".
func UserID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.UserID
}
