package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/lucid-engine/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestParseToken(t *testing.T) {
	a := New(config.AuthConfig{JWTSecret: testSecret})
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr bool
	}{
		{name: "sub claim", token: sign(t, testSecret, jwt.MapClaims{"sub": "u1", "exp": future, "aud": "authenticated"}), wantID: "u1"},
		{name: "userId fallback", token: sign(t, testSecret, jwt.MapClaims{"userId": "u2", "exp": future}), wantID: "u2"},
		{name: "no subject", token: sign(t, testSecret, jwt.MapClaims{"exp": future}), wantErr: true},
		{name: "wrong secret", token: sign(t, "other", jwt.MapClaims{"sub": "u1"}), wantErr: true},
		{name: "expired", token: sign(t, testSecret, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()}), wantErr: true},
		{name: "garbage", token: "not-a-token", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := a.ParseToken(tt.token)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id.UserID)
			assert.False(t, id.Internal)
		})
	}
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	a := New(config.AuthConfig{JWTSecret: testSecret})
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "u1"}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = a.ParseToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenWithoutSecret(t *testing.T) {
	a := New(config.AuthConfig{})
	_, err := a.ParseToken(sign(t, testSecret, jwt.MapClaims{"sub": "u1"}))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFromRequest(t *testing.T) {
	token := sign(t, testSecret, jwt.MapClaims{"sub": "jwt-user", "projectId": "p1"})

	tests := []struct {
		name    string
		cfg     config.AuthConfig
		headers map[string]string
		wantID  string
		wantErr error
	}{
		{
			name:    "bearer",
			cfg:     config.AuthConfig{JWTSecret: testSecret},
			headers: map[string]string{"Authorization": "Bearer " + token},
			wantID:  "jwt-user",
		},
		{
			name:    "bearer preferred over headers",
			cfg:     config.AuthConfig{JWTSecret: testSecret, InternalAPIKey: "k"},
			headers: map[string]string{"Authorization": "Bearer " + token, HeaderUserID: "other", HeaderInternalKey: "k"},
			wantID:  "jwt-user",
		},
		{
			name:    "internal key match",
			cfg:     config.AuthConfig{InternalAPIKey: "k"},
			headers: map[string]string{HeaderUserID: "svc-user", HeaderInternalKey: "k"},
			wantID:  "svc-user",
		},
		{
			name:    "internal key mismatch",
			cfg:     config.AuthConfig{InternalAPIKey: "k"},
			headers: map[string]string{HeaderUserID: "svc-user", HeaderInternalKey: "nope"},
			wantErr: ErrInvalidInternalKey,
		},
		{
			name:    "unverified rejected by default",
			cfg:     config.AuthConfig{},
			headers: map[string]string{HeaderUserID: "svc-user"},
			wantErr: ErrInvalidInternalKey,
		},
		{
			name:    "unverified allowed",
			cfg:     config.AuthConfig{AllowUnverifiedInternal: true},
			headers: map[string]string{HeaderUserID: "svc-user"},
			wantID:  "svc-user",
		},
		{
			name:    "no credentials",
			cfg:     config.AuthConfig{JWTSecret: testSecret},
			wantErr: ErrUnauthenticated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			id, err := New(tt.cfg).FromRequest(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id.UserID)
		})
	}
}

func TestMiddleware(t *testing.T) {
	a := New(config.AuthConfig{JWTSecret: testSecret})
	var seen string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Authentication required"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, jwt.MapClaims{"sub": "u9"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u9", seen)
}

func TestUnauthorizedBodyIsJSON(t *testing.T) {
	for _, msg := range []string{"Invalid token", "bad \x01 \"quoted\" token", "caf\u00e9 \u2028"} {
		rec := httptest.NewRecorder()
		writeUnauthorized(rec, msg)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
		assert.Equal(t, msg, body["error"])
	}
}
