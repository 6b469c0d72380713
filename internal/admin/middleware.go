package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/whisper/pairchat/internal/auth"
)

type ctxKey struct{}

// requireAdmin accepts only bearer tokens with the admin role.
func (h *handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}

		claims, err := h.Verifier.Parse(token)
		if err != nil {
			h.log.Debug().Err(err).Msg("rejected admin token")
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if claims.Role != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminFrom returns the claims stored by requireAdmin.
func adminFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(ctxKey{}).(*auth.Claims)
	return c
}
