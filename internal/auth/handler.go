package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/LABPAAD/site-paad-backend/internal/authz"
	"github.com/LABPAAD/site-paad-backend/internal/domain"
	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type CookieOptions struct {
	Name   string
	Secure bool
}

type Handler struct {
	service *Service
	gate    *authz.Gate
	cookie  CookieOptions
	logger  *observability.Logger
	now     func() time.Time
}

func NewHandler(service *Service, gate *authz.Gate, cookie CookieOptions, logger *observability.Logger) *Handler {
	now := time.Now
	if service != nil {
		now = service.now
	}
	return &Handler{service: service, gate: gate, cookie: cookie, logger: logger, now: now}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type twoFactorLoginRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type disableRequest struct {
	CurrentPassword string `json:"currentPassword"`
	Code            string `json:"code"`
}

type createAccountRequest struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type updateAccountRequest struct {
	Role   *string `json:"role"`
	Status *string `json:"status"`
}

type checkRequest struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Action string `json:"action"`
}

// Register mounts the auth routes. Login routes sit behind the per-IP
// limiter; everything that acts on the caller's own account needs a session.
func (h *Handler) Register(mux *http.ServeMux, limiter *LoginRateLimiter) {
	session := func(next http.HandlerFunc) http.Handler {
		return Middleware(h.service, h.cookie.Name, next)
	}
	throttled := func(next http.HandlerFunc) http.Handler {
		if limiter == nil {
			return next
		}
		return limiter.Middleware(next)
	}
	manageAccounts := authz.RequireRole(authz.RoleCoordinator, authz.RoleLabInstructor, authz.RoleMonitor)
	deactivateAccounts := authz.RequireRole(authz.RoleCoordinator, authz.RoleLabInstructor)

	mux.Handle("POST /auth/login", throttled(h.Login))
	mux.Handle("POST /auth/login/2fa", throttled(h.CompleteTwoFactorLogin))
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.Handle("POST /auth/forgot-password", throttled(h.ForgotPassword))
	mux.Handle("POST /auth/reset-password", throttled(h.ResetPassword))
	mux.Handle("GET /auth/me", session(h.Me))
	mux.Handle("POST /auth/2fa/setup", session(h.BeginEnrollment))
	mux.Handle("POST /auth/2fa/verify", session(h.ConfirmEnrollment))
	mux.Handle("POST /auth/2fa/disable", session(h.DisableTwoFactor))
	mux.Handle("POST /users", session(manageAccounts(http.HandlerFunc(h.CreateAccount)).ServeHTTP))
	mux.Handle("PUT /users/{id}", session(manageAccounts(http.HandlerFunc(h.UpdateAccount)).ServeHTTP))
	mux.Handle("DELETE /users/{id}", session(deactivateAccounts(http.HandlerFunc(h.DeactivateAccount)).ServeHTTP))
	mux.Handle("POST /authz/check", session(h.CheckPermission))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Email) == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	result, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeServiceError(w, err, "failed to login")
		return
	}

	h.setSessionCookie(w, result)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) CompleteTwoFactorLogin(w http.ResponseWriter, r *http.Request) {
	var body twoFactorLoginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.CompleteTwoFactorLogin(r.Context(), body.Email, body.Code)
	if err != nil {
		h.writeServiceError(w, err, "failed to verify two-factor code")
		return
	}

	h.setSessionCookie(w, result)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if token, ok := sessionToken(r, h.cookie.Name); ok {
		if err := h.service.Logout(r.Context(), token); err != nil {
			sentry.CaptureException(err)
			h.logger.Error("logout_failed", map[string]any{"error": err.Error()})
		}
	}

	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Email) == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	// The response never depends on whether the account exists.
	if err := h.service.RequestReset(r.Context(), body.Email); err != nil {
		if domain.KindOf(err) == domain.KindValidation {
			writeError(w, http.StatusBadRequest, domain.PublicMessage(err))
			return
		}
		sentry.CaptureException(err)
		h.logger.Error("password_reset_request_failed", map[string]any{"error": err.Error()})
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "if the account exists, a reset link has been sent",
	})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ConsumeReset(r.Context(), body.Token, body.NewPassword); err != nil {
		h.writeServiceError(w, err, "failed to reset password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, principal)
}

func (h *Handler) BeginEnrollment(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	enrollment, err := h.service.BeginEnrollment(r.Context(), principal.AccountID)
	if err != nil {
		h.writeServiceError(w, err, "failed to start two-factor enrollment")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, enrollment)
}

func (h *Handler) ConfirmEnrollment(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body codeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ConfirmEnrollment(r.Context(), principal.AccountID, body.Code); err != nil {
		h.writeServiceError(w, err, "failed to enable two-factor authentication")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"twoFactorEnabled": true})
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body disableRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	err := h.service.DisableTwoFactor(r.Context(), principal.AccountID, DisableInput{
		CurrentPassword: body.CurrentPassword,
		Code:            body.Code,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to disable two-factor authentication")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"twoFactorEnabled": false})
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	requester, ok := authz.RequesterFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body createAccountRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	created, err := h.service.CreateAccount(r.Context(), requester, NewAccount{
		Email:    body.Email,
		FullName: body.FullName,
		Password: body.Password,
		Role:     body.Role,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to create account")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	requester, ok := authz.RequesterFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body updateAccountRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	updated, err := h.service.UpdateAccount(r.Context(), requester, r.PathValue("id"), AccountUpdate{
		Role:   body.Role,
		Status: body.Status,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to update account")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// DeactivateAccount is a soft delete: the account stays but can no longer
// sign in.
func (h *Handler) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	requester, ok := authz.RequesterFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	account, err := h.service.DeactivateAccount(r.Context(), requester, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, "failed to deactivate account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]AccountSummary{"user": account})
}

// CheckPermission answers whether the caller may update or delete a
// resource, so clients can hide controls they cannot use.
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	requester, ok := authz.RequesterFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body checkRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	ref := authz.ResourceRef{Kind: authz.ResourceKind(strings.ToLower(strings.TrimSpace(body.Kind))), ID: strings.TrimSpace(body.ID)}
	switch ref.Kind {
	case authz.ResourceProject, authz.ResourcePublication, authz.ResourceAccount:
	default:
		writeError(w, http.StatusBadRequest, "kind must be project, publication or account")
		return
	}
	if ref.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	var err error
	switch strings.ToLower(strings.TrimSpace(body.Action)) {
	case "", "update":
		err = h.gate.CanMutate(r.Context(), ref, requester)
	case "delete":
		err = h.gate.CanDelete(r.Context(), ref, requester)
	default:
		writeError(w, http.StatusBadRequest, "action must be update or delete")
		return
	}

	if err != nil && domain.KindOf(err) != domain.KindForbidden {
		h.writeServiceError(w, err, "failed to check permission")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": err == nil})
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, result LoginResult) {
	if h.cookie.Name == "" || result.Token == "" || result.ExpiresAt == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    result.Token,
		Path:     "/",
		Expires:  *result.ExpiresAt,
		MaxAge:   int(result.ExpiresAt.Sub(h.now()).Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	if h.cookie.Name == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var locked domain.LockedError
	if errors.As(err, &locked) {
		retryAfter := int(locked.Until.Sub(h.now()).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, locked.Error())
		return
	}

	kind := domain.KindOf(err)
	if kind == domain.KindInternal {
		sentry.CaptureException(err)
		h.logger.Error("request_failed", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, fallback)
		return
	}

	writeError(w, kind.Status(), domain.PublicMessage(err))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
