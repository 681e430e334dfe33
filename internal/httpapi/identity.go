package httpapi

import (
	"context"
	"net/http"
)

type contextKey string

const userIDKey contextKey = "user_id"

// IdentityConfig describes the headers an authenticating gateway sets after
// verifying the caller's token. Token verification itself happens upstream.
type IdentityConfig struct {
	Enabled         bool
	RequireVerified bool   // require VerifiedHeader == "true"
	UserIDHeader    string // default "X-User-ID"
	VerifiedHeader  string // default "X-Auth-Verified"
}

// DefaultIdentityConfig trusts the gateway headers but does not require them.
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		Enabled:        true,
		UserIDHeader:   "X-User-ID",
		VerifiedHeader: "X-Auth-Verified",
	}
}

// Identity binds the gateway-verified user id to the request context.
func Identity(cfg IdentityConfig) func(http.Handler) http.Handler {
	if cfg.UserIDHeader == "" {
		cfg.UserIDHeader = "X-User-ID"
	}
	if cfg.VerifiedHeader == "" {
		cfg.VerifiedHeader = "X-Auth-Verified"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.RequireVerified {
				if r.Header.Get(cfg.VerifiedHeader) != "true" {
					httpError(w, http.StatusUnauthorized, "authentication_error", "verification required at gateway")
					return
				}
				if r.Header.Get(cfg.UserIDHeader) == "" {
					httpError(w, http.StatusUnauthorized, "authentication_error", "missing user id")
					return
				}
			}

			ctx := r.Context()
			if userID := r.Header.Get(cfg.UserIDHeader); userID != "" {
				ctx = context.WithValue(ctx, userIDKey, userID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the caller bound by Identity.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}
