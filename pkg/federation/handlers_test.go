package federation

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmeet/federation/pkg/attr"
	"github.com/openmeet/federation/pkg/observability"
	"github.com/openmeet/federation/pkg/session"
)

func newTestRouter(t *testing.T, adapter IdentityAdapter, cfg HandlersConfig) *mux.Router {
	t.Helper()
	gw, _, _, _ := newTestGateway(t, adapter)
	cfg.Gateway = gw
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.ErrorLevel, io.Discard)
	}
	router := mux.NewRouter()
	NewHandlers(cfg).Register(router)
	return router
}

func TestLDAPLogin_Success(t *testing.T) {
	adapter := &fakeAdapter{
		protocol: ProtocolLDAP,
		identity: testIdentity(map[string][]string{
			attr.AttrExternalID: {"jdoe"},
			"groups":            {"employees"},
		}, ""),
	}
	router := newTestRouter(t, adapter, HandlersConfig{})

	body, _ := json.Marshal(map[string]string{"username": "jdoe", "password": "secret"})
	req := httptest.NewRequest(http.MethodPost, "/auth/ldap/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "acct-jdoe", resp.AccountID)
	assert.Equal(t, []string{"staff"}, resp.Roles)
	assert.True(t, resp.Created)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookieName, cookies[0].Name)
	assert.Equal(t, resp.SessionID, cookies[0].Value)
}

func TestLDAPLogin_InvalidCredentials(t *testing.T) {
	adapter := &fakeAdapter{protocol: ProtocolLDAP, err: ErrInvalidCredentials}
	router := newTestRouter(t, adapter, HandlersConfig{})

	body, _ := json.Marshal(map[string]string{"username": "jdoe", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/auth/ldap/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeAuthenticationFailed)
}

func TestOIDCCallback_FailureRedirectsWithErrorCode(t *testing.T) {
	adapter := &fakeAdapter{protocol: ProtocolOIDC, err: ErrInvalidState}
	router := newTestRouter(t, adapter, HandlersConfig{
		ErrorRedirectURL: "https://app.example.org/login",
	})

	req := httptest.NewRequest(http.MethodGet, "/auth/oidc/callback?code=x&state=y", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.org", location.Host)
	assert.Equal(t, CodeInvalidState, location.Query().Get("error_code"))
}

func TestOIDCCallback_SuccessRedirect(t *testing.T) {
	adapter := &fakeAdapter{
		protocol: ProtocolOIDC,
		identity: testIdentity(map[string][]string{attr.AttrExternalID: {"abc123"}}, "oidc_sub:abc123"),
	}
	router := newTestRouter(t, adapter, HandlersConfig{
		SuccessRedirectURL: "https://app.example.org/home",
	})

	req := httptest.NewRequest(http.MethodGet, "/auth/oidc/callback?code=x&state=y", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.example.org/home", rec.Header().Get("Location"))
	require.Len(t, rec.Result().Cookies(), 1)
}

func TestOIDCBackchannelLogout_AlwaysAcks(t *testing.T) {
	adapter := &fakeAdapter{protocol: ProtocolOIDC, logoutErr: ErrLogoutTokenRejected}
	router := newTestRouter(t, adapter, HandlersConfig{})

	form := url.Values{"logout_token": {"garbage"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/oidc/backchannel-logout",
		bytes.NewBufferString(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShibbolethBackchannelLogout_TerminatesSessions(t *testing.T) {
	key := session.Key(session.KeyShibbolethSession, "_sess-42")
	adapter := &fakeAdapter{protocol: ProtocolShibboleth, logoutKey: key}
	gw, _, sessions, correlations := newTestGateway(t, adapter)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	require.NoError(t, sessions.Put(ctx, "local-1", SessionKeyAccountID, "acct"))
	require.NoError(t, correlations.Upsert(ctx, key, "local-1"))

	router := mux.NewRouter()
	NewHandlers(HandlersConfig{
		Gateway: gw,
		Logger:  observability.NewLogger(observability.ErrorLevel, io.Discard),
	}).Register(router)

	body, _ := json.Marshal(map[string]string{"session_id": "_sess-42"})
	req := httptest.NewRequest(http.MethodPost, "/auth/shibboleth/backchannel-logout", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, sessions.Active("local-1"))
}

func TestLogout_WithoutCookie(t *testing.T) {
	router := newTestRouter(t, &fakeAdapter{protocol: ProtocolLDAP}, HandlersConfig{})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBeginRedirectLogin_NotConfigured(t *testing.T) {
	router := newTestRouter(t, &fakeAdapter{protocol: ProtocolLDAP}, HandlersConfig{})

	req := httptest.NewRequest(http.MethodGet, "/auth/oidc/login", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
