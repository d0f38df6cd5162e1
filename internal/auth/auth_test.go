package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/shopmesh/orderflow/internal/domain"
	"github.com/shopmesh/orderflow/internal/httpjson"
)

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier("s3cret", "orderflow")
	require.NoError(t, err)
	return v
}

func TestVerifier(t *testing.T) {
	v := newVerifier(t)

	token, err := v.Issue(Claims{UserID: 7, Username: "ana", Email: "ana@example.com"}, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, int64(7), claims.UserID)
	require.Equal(t, "ana", claims.Username)

	t.Run("expired", func(t *testing.T) {
		expired, err := v.Issue(Claims{UserID: 7}, -time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(expired)
		require.ErrorIs(t, err, domain.ErrUnauthentic)
	})

	t.Run("no expiry", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: 7}).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		_, err = v.Verify(raw)
		require.ErrorIs(t, err, domain.ErrUnauthentic)
	})

	t.Run("other key", func(t *testing.T) {
		other, err := NewVerifier("different", "orderflow")
		require.NoError(t, err)
		raw, err := other.Issue(Claims{UserID: 7}, time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(raw)
		require.ErrorIs(t, err, domain.ErrUnauthentic)
	})

	t.Run("unsigned", func(t *testing.T) {
		claims := Claims{UserID: 7, RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.Verify(raw)
		require.ErrorIs(t, err, domain.ErrUnauthentic)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := NewVerifier("s3cret", "someone-else")
		require.NoError(t, err)
		raw, err := other.Issue(Claims{UserID: 7}, time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(raw)
		require.ErrorIs(t, err, domain.ErrUnauthentic)
	})

	t.Run("missing user", func(t *testing.T) {
		raw, err := v.Issue(Claims{Username: "ghost"}, time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(raw)
		require.ErrorIs(t, err, domain.ErrUnauthentic)
	})

	_, err = NewVerifier("", "")
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v := newVerifier(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var seen http.Header
	h := Middleware(v, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))

	token, err := v.Issue(Claims{UserID: 7, Username: "ana", Email: "ana@example.com"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		auth     string
		wantCode int
	}{
		{name: "valid", auth: "Bearer " + token, wantCode: http.StatusNoContent},
		{name: "lowercase scheme", auth: "bearer " + token, wantCode: http.StatusNoContent},
		{name: "missing", auth: "", wantCode: http.StatusUnauthorized},
		{name: "basic", auth: "Basic dXNlcjpwYXNz", wantCode: http.StatusUnauthorized},
		{name: "garbage", auth: "Bearer not-a-jwt", wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			req.Header.Set(httpjson.HeaderUserID, "999")
			req.Header.Set(httpjson.HeaderUserRole, "admin")
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode != http.StatusNoContent {
				require.Nil(t, seen)
				return
			}
			require.Equal(t, "7", seen.Get(httpjson.HeaderUserID))
			require.Equal(t, "ana", seen.Get(HeaderUserName))
			require.Equal(t, "ana@example.com", seen.Get(HeaderUserEmail))
			require.Equal(t, "customer", seen.Get(httpjson.HeaderUserRole))
		})
	}
}

func TestMiddleware_CarriesRole(t *testing.T) {
	v := newVerifier(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var role string
	h := Middleware(v, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role = r.Header.Get(httpjson.HeaderUserRole)
	}))

	token, err := v.Issue(Claims{UserID: 1, Role: domain.RoleStaff}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "staff", role)
}

func TestAccessGuards(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r := chi.NewRouter()
	r.With(RequireSelf("userId", logger)).Get("/balances/{userId}", ok)
	r.With(RequireStaff(logger)).Post("/payments/{orderId}/refund", ok)

	tests := []struct {
		name     string
		method   string
		path     string
		userID   string
		role     string
		wantCode int
	}{
		{name: "own balance", method: http.MethodGet, path: "/balances/7", userID: "7", role: "customer", wantCode: http.StatusNoContent},
		{name: "other balance", method: http.MethodGet, path: "/balances/8", userID: "7", role: "customer", wantCode: http.StatusForbidden},
		{name: "staff reads any balance", method: http.MethodGet, path: "/balances/8", userID: "1", role: "staff", wantCode: http.StatusNoContent},
		{name: "anonymous balance", method: http.MethodGet, path: "/balances/7", wantCode: http.StatusUnauthorized},
		{name: "customer refund", method: http.MethodPost, path: "/payments/9/refund", userID: "7", role: "customer", wantCode: http.StatusForbidden},
		{name: "admin refund", method: http.MethodPost, path: "/payments/9/refund", userID: "1", role: "admin", wantCode: http.StatusNoContent},
		{name: "anonymous refund", method: http.MethodPost, path: "/payments/9/refund", wantCode: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.userID != "" {
				req.Header.Set(httpjson.HeaderUserID, tt.userID)
				req.Header.Set(httpjson.HeaderUserRole, tt.role)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			require.Equal(t, tt.wantCode, rec.Code)
		})
	}
}
