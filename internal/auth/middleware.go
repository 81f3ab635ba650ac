package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/LABPAAD/site-paad-backend/internal/authz"
	"github.com/LABPAAD/site-paad-backend/internal/domain"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

type principalKey struct{}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(Principal)
	return principal, ok
}

// Middleware requires a valid session carried either in the session cookie
// or as a Bearer token, and attaches the principal to the request context.
func Middleware(authenticator Authenticator, cookieName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := sessionToken(r, cookieName)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		principal, err := authenticator.Authenticate(r.Context(), token)
		if err != nil {
			kind := domain.KindOf(err)
			if kind == domain.KindInternal {
				sentry.CaptureException(err)
				writeError(w, http.StatusInternalServerError, "failed to authenticate")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		ctx = authz.WithRequester(ctx, principal.Requester())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionToken(r *http.Request, cookieName string) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		scheme, value, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", false
		}
		value = strings.TrimSpace(value)
		return value, value != ""
	}

	if cookieName == "" {
		return "", false
	}
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return "", false
	}
	value := strings.TrimSpace(cookie.Value)
	return value, value != ""
}
