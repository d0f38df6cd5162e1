package auth

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shopmesh/orderflow/internal/domain"
	"github.com/shopmesh/orderflow/internal/httpjson"
)

const (
	HeaderUserName  = "X-User-Name"
	HeaderUserEmail = "X-User-Email"
)

var identityHeaders = []string{httpjson.HeaderUserID, httpjson.HeaderUserRole, HeaderUserName, HeaderUserEmail}

// StripIdentity drops identity headers sent by the client on routes that
// do not authenticate the caller.
func StripIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range identityHeaders {
			r.Header.Del(h)
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware requires a valid bearer token. Identity headers sent by the
// client are dropped and replaced with the verified claims.
func Middleware(v *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, h := range identityHeaders {
				r.Header.Del(h)
			}

			raw, ok := bearerToken(r)
			if !ok {
				httpjson.Error(w, logger, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := v.Verify(raw)
			if err != nil {
				logger.Warn("rejected token", "path", r.URL.Path, "error", err)
				httpjson.Error(w, logger, http.StatusUnauthorized, "invalid token")
				return
			}

			r.Header.Set(httpjson.HeaderUserID, strconv.FormatInt(claims.UserID, 10))
			r.Header.Set(httpjson.HeaderUserRole, string(claims.Role))
			r.Header.Set(HeaderUserName, claims.Username)
			r.Header.Set(HeaderUserEmail, claims.Email)
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// RequireStaff lets only staff and admin callers through. It must run after
// Middleware.
func RequireStaff(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, role, ok := httpjson.Caller(r); !ok || !role.Staff() {
				logger.Warn("staff route refused", "path", r.URL.Path, "user_id", r.Header.Get(httpjson.HeaderUserID))
				httpjson.FromError(w, logger, domain.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSelf lets a caller through only when the path parameter param
// names the caller's own user id. Staff may address any user.
func RequireSelf(param string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, role, ok := httpjson.Caller(r)
			if !ok {
				httpjson.FromError(w, logger, domain.ErrUnauthentic)
				return
			}
			if !role.Staff() && chi.URLParam(r, param) != strconv.FormatInt(userID, 10) {
				logger.Warn("access to another user refused", "path", r.URL.Path, "user_id", userID)
				httpjson.FromError(w, logger, domain.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
