package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

const (
	// SessionCookie carries the server-side session reference.
	SessionCookie = "session_id"
	// SessionHeader is the non-browser alternative to the cookie.
	SessionHeader = "X-Session-Token"
)

type ctxKey int

const identityKey ctxKey = iota

// IdentityFromContext returns the identity RequireAuth stored.
func IdentityFromContext(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(identityKey).(session.Identity)
	return id, ok
}

func withIdentity(ctx context.Context, id session.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// credentialsFrom collects whichever artifacts the request carries.
func credentialsFrom(r *http.Request) Credentials {
	var c Credentials
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		c.Bearer = strings.TrimSpace(h[7:])
	}
	if ck, err := r.Cookie(SessionCookie); err == nil {
		c.SessionRef = ck.Value
	}
	if c.SessionRef == "" {
		c.SessionRef = r.Header.Get(SessionHeader)
	}
	return c
}

// ClientFrom extracts the caller's address and user agent.
func ClientFrom(r *http.Request) Client {
	return Client{IP: clientIP(r), UserAgent: r.UserAgent()}
}

// clientIP is the socket peer. Forwarded addresses are resolved upstream by
// the router against the trusted proxy list.
func clientIP(r *http.Request) string {
	return utilities.RemoteHost(r)
}

// RequireAuth rejects requests without a valid artifact and stores the
// identity on the request context.
func RequireAuth(svc *Service, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := svc.Authenticate(r.Context(), credentialsFrom(r))
			if err != nil {
				if !errors.Is(err, ErrUnauthenticated) {
					logger.Errorw("authenticate request", "path", r.URL.Path, "err", err)
				}
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Not authenticated"})
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

// RequireRole runs the RBAC gate. It must sit behind RequireAuth.
func RequireRole(svc *Service, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "Unauthorized: Please login first"})
				return
			}
			if err := svc.Authorize(r.Context(), id, roles, r.URL.Path, ClientFrom(r)); err != nil {
				writeJSON(w, http.StatusForbidden, map[string]any{"success": false, "error": "Forbidden: Insufficient permissions"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
