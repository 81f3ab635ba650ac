package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

const testCookie = "paad_session"

type apiClient struct {
	t       *testing.T
	handler http.Handler
}

func newAPI(t *testing.T, f *fixture) *apiClient {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(f.service, f.gate, CookieOptions{Name: testCookie}, observability.Discard()).Register(mux, nil)
	return &apiClient{t: t, handler: mux}
}

func (c *apiClient) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	c.t.Helper()

	var payload bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			payload.WriteString(raw)
		} else {
			require.NoError(c.t, json.NewEncoder(&payload).Encode(body))
		}
	}

	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func (c *apiClient) login(email, password string) string {
	c.t.Helper()
	rec := c.do(http.MethodPost, "/auth/login", map[string]string{"email": email, "password": password}, "")
	require.Equal(c.t, http.StatusOK, rec.Code, rec.Body.String())

	var result LoginResult
	require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotEmpty(c.t, result.Token)
	return result.Token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandlerLoginSetsSessionCookie(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "member-1", "ana@paad.dev", "MEMBER", "correct-horse")
	api := newAPI(t, f)

	rec := api.do(http.MethodPost, "/auth/login", map[string]string{"email": "ana@paad.dev", "password": "correct-horse"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, testCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["twoFactorRequired"])
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "MEMBER", user["role"])
	assert.NotContains(t, rec.Body.String(), "passwordHash")

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(cookies[0])
	me := httptest.NewRecorder()
	api.handler.ServeHTTP(me, req)
	require.Equal(t, http.StatusOK, me.Code)
	assert.Equal(t, "member-1", decodeBody(t, me)["id"])
}

func TestHandlerLoginErrors(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "member-1", "ana@paad.dev", "MEMBER", "correct-horse")
	api := newAPI(t, f)

	rec := api.do(http.MethodPost, "/auth/login", `{"email":"ana@paad.dev","password":"x","extra":1}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/auth/login", map[string]string{"email": "ana@paad.dev"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for i := 0; i < 5; i++ {
		rec = api.do(http.MethodPost, "/auth/login", map[string]string{"email": "ana@paad.dev", "password": "wrong-password"}, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid credentials", decodeBody(t, rec)["error"])
	}

	rec = api.do(http.MethodPost, "/auth/login", map[string]string{"email": "ana@paad.dev", "password": "correct-horse"}, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
}

func TestHandlerSessionRequired(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)

	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/auth/me", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/auth/me", nil, "bogus").Code)
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodPost, "/auth/2fa/setup", nil, "").Code)
}

func TestHandlerLogout(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "member-1", "ana@paad.dev", "MEMBER", "correct-horse")
	api := newAPI(t, f)

	token := api.login("ana@paad.dev", "correct-horse")

	rec := api.do(http.MethodPost, "/auth/logout", nil, token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)

	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/auth/me", nil, token).Code)
}

func TestHandlerPasswordReset(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "member-1", "ana@paad.dev", "MEMBER", "correct-horse")
	api := newAPI(t, f)

	unknown := api.do(http.MethodPost, "/auth/forgot-password", map[string]string{"email": "nobody@paad.dev"}, "")
	known := api.do(http.MethodPost, "/auth/forgot-password", map[string]string{"email": "ana@paad.dev"}, "")
	require.Equal(t, http.StatusAccepted, unknown.Code)
	require.Equal(t, http.StatusAccepted, known.Code)
	assert.Equal(t, unknown.Body.String(), known.Body.String())
	assert.Equal(t, 1, f.delivery.count())

	token := f.delivery.last(t).token
	body := map[string]string{"token": token, "newPassword": "brand-new-pass"}
	assert.Equal(t, http.StatusNoContent, api.do(http.MethodPost, "/auth/reset-password", body, "").Code)

	reused := api.do(http.MethodPost, "/auth/reset-password", body, "")
	assert.Equal(t, http.StatusBadRequest, reused.Code)

	api.login("ana@paad.dev", "brand-new-pass")
}

func TestHandlerTwoFactorFlow(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "member-1", "ana@paad.dev", "MEMBER", "correct-horse")
	api := newAPI(t, f)

	token := api.login("ana@paad.dev", "correct-horse")

	setup := api.do(http.MethodPost, "/auth/2fa/setup", nil, token)
	require.Equal(t, http.StatusOK, setup.Code)
	assert.Equal(t, "no-store", setup.Header().Get("Cache-Control"))
	var enrollment Enrollment
	require.NoError(t, json.Unmarshal(setup.Body.Bytes(), &enrollment))

	verify := api.do(http.MethodPost, "/auth/2fa/verify", map[string]string{"code": f.code(t, enrollment.Secret)}, token)
	require.Equal(t, http.StatusOK, verify.Code)
	assert.Equal(t, true, decodeBody(t, verify)["twoFactorEnabled"])

	f.clock.Advance(30 * time.Second)

	rec := api.do(http.MethodPost, "/auth/login", map[string]string{"email": "ana@paad.dev", "password": "correct-horse"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["twoFactorRequired"])
	assert.Empty(t, rec.Result().Cookies())

	bad := api.do(http.MethodPost, "/auth/login/2fa", map[string]string{"email": "ana@paad.dev", "code": "abcdef"}, "")
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	good := api.do(http.MethodPost, "/auth/login/2fa", map[string]string{"email": "ana@paad.dev", "code": f.code(t, enrollment.Secret)}, "")
	require.Equal(t, http.StatusOK, good.Code)
	assert.Len(t, good.Result().Cookies(), 1)

	disable := api.do(http.MethodPost, "/auth/2fa/disable", map[string]string{"currentPassword": "correct-horse"}, token)
	require.Equal(t, http.StatusOK, disable.Code)
	assert.Equal(t, false, decodeBody(t, disable)["twoFactorEnabled"])
}

func TestHandlerDisableForbiddenForCoordinator(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "coord-1", "chief@paad.dev", "COORDINATOR", "correct-horse")
	api := newAPI(t, f)

	token := api.login("chief@paad.dev", "correct-horse")
	me := api.do(http.MethodGet, "/auth/me", nil, token)
	assert.Equal(t, true, decodeBody(t, me)["twoFactorSetupRequired"])

	f.enableTwoFactor(t, "coord-1")

	rec := api.do(http.MethodPost, "/auth/2fa/disable", map[string]string{"currentPassword": "correct-horse"}, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlerCreateAccount(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "member-1", "ana@paad.dev", "MEMBER", "correct-horse")
	f.addAccount(t, "coord-1", "chief@paad.dev", "COORDINATOR", "correct-horse")
	api := newAPI(t, f)

	input := map[string]string{"email": "new@paad.dev", "fullName": "New Member", "role": "MEMBER"}

	member := api.login("ana@paad.dev", "correct-horse")
	assert.Equal(t, http.StatusForbidden, api.do(http.MethodPost, "/users", input, member).Code)

	coordinator := api.login("chief@paad.dev", "correct-horse")
	rec := api.do(http.MethodPost, "/users", input, coordinator)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, false, decodeBody(t, rec)["pendingApproval"])

	assert.Equal(t, http.StatusConflict, api.do(http.MethodPost, "/users", input, coordinator).Code)
}

func TestHandlerUpdateAccount(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "member-1", "ana@paad.dev", "MEMBER", "correct-horse")
	f.addAccount(t, "inst-1", "inst@paad.dev", "LAB_INSTRUCTOR", "correct-horse")
	f.addAccount(t, "coord-1", "chief@paad.dev", "COORDINATOR", "correct-horse")
	api := newAPI(t, f)

	member := api.login("ana@paad.dev", "correct-horse")
	instructor := api.login("inst@paad.dev", "correct-horse")
	coordinator := api.login("chief@paad.dev", "correct-horse")

	tests := []struct {
		name   string
		token  string
		path   string
		body   any
		status int
	}{
		{name: "member is rejected by role", token: member, path: "/users/member-1", body: map[string]string{"role": "MONITOR"}, status: http.StatusForbidden},
		{name: "instructor grants coordinator", token: instructor, path: "/users/member-1", body: map[string]string{"role": "COORDINATOR"}, status: http.StatusForbidden},
		{name: "instructor grants instructor", token: instructor, path: "/users/member-1", body: map[string]string{"role": "LAB_INSTRUCTOR"}, status: http.StatusForbidden},
		{name: "unknown field", token: coordinator, path: "/users/member-1", body: map[string]string{"password": "x"}, status: http.StatusBadRequest},
		{name: "missing account", token: coordinator, path: "/users/nobody", body: map[string]string{"role": "MONITOR"}, status: http.StatusNotFound},
		{name: "coordinator grants instructor", token: coordinator, path: "/users/member-1", body: map[string]string{"role": "LAB_INSTRUCTOR"}, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPut, tt.path, tt.body, tt.token)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	assert.Equal(t, "LAB_INSTRUCTOR", f.accounts.get("member-1").Role)
}

func TestHandlerDeactivateAccount(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "member-1", "ana@paad.dev", "MEMBER", "correct-horse")
	f.addAccount(t, "mon-1", "mon@paad.dev", "MONITOR", "correct-horse")
	f.addAccount(t, "inst-1", "inst@paad.dev", "LAB_INSTRUCTOR", "correct-horse")
	api := newAPI(t, f)

	memberToken := api.login("ana@paad.dev", "correct-horse")
	monitor := api.login("mon@paad.dev", "correct-horse")
	instructor := api.login("inst@paad.dev", "correct-horse")

	assert.Equal(t, http.StatusForbidden, api.do(http.MethodDelete, "/users/member-1", nil, monitor).Code)
	assert.Equal(t, StatusActive, f.accounts.get("member-1").Status)

	rec := api.do(http.MethodDelete, "/users/member-1", nil, instructor)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	user, ok := decodeBody(t, rec)["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, StatusInactive, user["status"])

	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/auth/me", nil, memberToken).Code)
}

func TestHandlerCheckPermission(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "member-1", "ana@paad.dev", "MEMBER", "correct-horse")
	f.addAccount(t, "member-2", "bia@paad.dev", "MEMBER", "correct-horse")
	api := newAPI(t, f)

	owner := api.login("ana@paad.dev", "correct-horse")
	stranger := api.login("bia@paad.dev", "correct-horse")

	tests := []struct {
		name    string
		token   string
		body    map[string]string
		status  int
		allowed bool
	}{
		{name: "owner updates project", token: owner, body: map[string]string{"kind": "project", "id": "proj-1"}, status: http.StatusOK, allowed: true},
		{name: "stranger updates project", token: stranger, body: map[string]string{"kind": "project", "id": "proj-1"}, status: http.StatusOK},
		{name: "author updates publication", token: owner, body: map[string]string{"kind": "publication", "id": "pub-1", "action": "update"}, status: http.StatusOK, allowed: true},
		{name: "member deletes publication", token: owner, body: map[string]string{"kind": "publication", "id": "pub-1", "action": "delete"}, status: http.StatusOK},
		{name: "unknown kind", token: owner, body: map[string]string{"kind": "lab", "id": "x"}, status: http.StatusBadRequest},
		{name: "unknown action", token: owner, body: map[string]string{"kind": "project", "id": "proj-1", "action": "archive"}, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPost, "/authz/check", tt.body, tt.token)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.allowed, decodeBody(t, rec)["allowed"])
			}
		})
	}
}

func TestHandlerRateLimitedRoutes(t *testing.T) {
	f := newFixture(t)
	mux := http.NewServeMux()
	NewHandler(f.service, f.gate, CookieOptions{Name: testCookie}, observability.Discard()).
		Register(mux, NewLoginRateLimiter(1, f.clock.Now))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/auth/forgot-password", strings.NewReader(`{"email":"ana@paad.dev"}`))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusAccepted, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}
