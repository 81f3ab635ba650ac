package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
)

type requesterKey struct{}

func WithRequester(ctx context.Context, requester *Requester) context.Context {
	return context.WithValue(ctx, requesterKey{}, requester)
}

func RequesterFromContext(ctx context.Context) (*Requester, bool) {
	requester, ok := ctx.Value(requesterKey{}).(*Requester)
	return requester, ok && requester != nil
}

// RequireRole lets the request through only when the authenticated
// requester holds one of roles. Roles are compared after normalization.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make([]Role, 0, len(roles))
	for _, role := range roles {
		allowed = append(allowed, Normalize(string(role)))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requester, ok := RequesterFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !slices.Contains(allowed, requester.Role) {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
