package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/openmeet/federation/pkg/httputil"
	"github.com/openmeet/federation/pkg/observability"
)

// SessionCookieName carries the local session id on browser flows.
const SessionCookieName = "federation_session"

// LoginInitiator starts a redirect-based login and returns the provider
// URL to send the browser to.
type LoginInitiator interface {
	BeginLogin(ctx context.Context) (authURL, state string, err error)
}

// LogoutCompleter validates the provider's response to an SP-initiated
// logout.
type LogoutCompleter interface {
	CompleteLogout(ctx context.Context, req LogoutRequest) error
}

// HandlersConfig wires the HTTP layer.
type HandlersConfig struct {
	Gateway *Gateway

	// OIDCInitiator and SAMLInitiator start the respective redirect
	// flows; nil disables the route.
	OIDCInitiator LoginInitiator
	SAMLInitiator LoginInitiator

	// SAMLCompleter validates SP-initiated logout responses.
	SAMLCompleter LogoutCompleter

	// ErrorRedirectURL is the entry page failed web logins bounce back
	// to, with an error_code query parameter appended.
	ErrorRedirectURL string

	// SuccessRedirectURL receives the browser after a completed web
	// login.
	SuccessRedirectURL string

	// LoginLimiter, when set, wraps the credential-carrying endpoints
	// to throttle repeated attempts per client.
	LoginLimiter func(http.Handler) http.Handler

	Logger *observability.Logger
}

// Handlers is the thin HTTP adapter over the gateway.
type Handlers struct {
	cfg HandlersConfig
}

// NewHandlers creates the HTTP adapter.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{cfg: cfg}
}

// Register mounts all federation routes on the router.
func (h *Handlers) Register(r *mux.Router) {
	r.Handle("/auth/ldap/login", h.limited(h.LDAPLogin)).Methods(http.MethodPost)

	r.HandleFunc("/auth/oidc/login", h.OIDCLogin).Methods(http.MethodGet)
	r.Handle("/auth/oidc/callback", h.limited(h.OIDCCallback)).Methods(http.MethodGet)
	r.HandleFunc("/auth/oidc/backchannel-logout", h.OIDCBackchannelLogout).Methods(http.MethodPost)

	r.HandleFunc("/auth/saml/login", h.SAMLLogin).Methods(http.MethodGet)
	r.Handle("/auth/saml/acs", h.limited(h.SAMLCallback)).Methods(http.MethodPost)
	r.HandleFunc("/auth/saml/slo", h.SAMLSingleLogout).Methods(http.MethodPost)

	r.Handle("/auth/shibboleth/login", h.limited(h.ShibbolethLogin)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/auth/shibboleth/backchannel-logout", h.ShibbolethBackchannelLogout).Methods(http.MethodPost)

	r.HandleFunc("/auth/logout", h.Logout).Methods(http.MethodPost)
}

func (h *Handlers) limited(fn http.HandlerFunc) http.Handler {
	if h.cfg.LoginLimiter == nil {
		return fn
	}
	return h.cfg.LoginLimiter(fn)
}

type ldapLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string   `json:"session_id"`
	AccountID string   `json:"account_id"`
	Roles     []string `json:"roles"`
	Created   bool     `json:"created"`
}

// LDAPLogin handles a credential login as a JSON API call.
func (h *Handlers) LDAPLogin(w http.ResponseWriter, r *http.Request) {
	var body ldapLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteBadRequest(w, "malformed request body")
		return
	}

	result, err := h.cfg.Gateway.Authenticate(r.Context(), ProtocolLDAP, Request{
		Username: body.Username,
		Password: body.Password,
	})
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication failed", ErrorCode(err))
		return
	}
	h.setSessionCookie(w, result.SessionID)
	httputil.WriteJSON(w, http.StatusOK, loginResponse{
		SessionID: result.SessionID,
		AccountID: result.AccountID,
		Roles:     result.Roles,
		Created:   result.Created,
	})
}

// OIDCLogin starts the authorization code flow.
func (h *Handlers) OIDCLogin(w http.ResponseWriter, r *http.Request) {
	h.beginRedirectLogin(w, r, h.cfg.OIDCInitiator)
}

// OIDCCallback completes the authorization code flow.
func (h *Handlers) OIDCCallback(w http.ResponseWriter, r *http.Request) {
	h.completeWebLogin(w, r, ProtocolOIDC, Request{
		Code:  r.URL.Query().Get("code"),
		State: r.URL.Query().Get("state"),
	})
}

// OIDCBackchannelLogout handles a provider-initiated logout token. The
// response is always 200 so the provider never retries; the outcome is
// visible in logs and metrics only.
func (h *Handlers) OIDCBackchannelLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.cfg.Gateway.HandleBackchannelLogout(r.Context(), ProtocolOIDC, LogoutRequest{
		Token: r.PostFormValue("logout_token"),
	})
	w.WriteHeader(http.StatusOK)
}

// SAMLLogin starts the SAML redirect flow.
func (h *Handlers) SAMLLogin(w http.ResponseWriter, r *http.Request) {
	h.beginRedirectLogin(w, r, h.cfg.SAMLInitiator)
}

// SAMLCallback consumes the assertion POSTed to the ACS URL.
func (h *Handlers) SAMLCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.redirectError(w, r, CodeInvalidState)
		return
	}
	h.completeWebLogin(w, r, ProtocolSAML, Request{
		SAMLResponse: r.PostFormValue("SAMLResponse"),
		RelayState:   r.PostFormValue("RelayState"),
	})
}

// SAMLSingleLogout serves the SLO endpoint. A SAMLRequest is an
// IdP-initiated logout, a SAMLResponse completes an SP-initiated one.
// Both are acknowledged regardless of internal outcome.
func (h *Handlers) SAMLSingleLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	if samlRequest := r.PostFormValue("SAMLRequest"); samlRequest != "" {
		h.cfg.Gateway.HandleBackchannelLogout(r.Context(), ProtocolSAML, LogoutRequest{
			SAMLRequest: samlRequest,
		})
		w.WriteHeader(http.StatusOK)
		return
	}

	if samlResponse := r.PostFormValue("SAMLResponse"); samlResponse != "" && h.cfg.SAMLCompleter != nil {
		req := LogoutRequest{SAMLResponse: samlResponse}
		if err := h.cfg.SAMLCompleter.CompleteLogout(r.Context(), req); err != nil {
			h.log().WithError(err).Warn("saml logout response rejected")
		} else if cookie, err := r.Cookie(SessionCookieName); err == nil {
			if err := h.cfg.Gateway.Logout(r.Context(), cookie.Value); err != nil {
				h.log().WithError(err).Warn("failed to terminate session after saml logout")
			}
			h.clearSessionCookie(w)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ShibbolethLogin completes a header-based login.
func (h *Handlers) ShibbolethLogin(w http.ResponseWriter, r *http.Request) {
	h.completeWebLogin(w, r, ProtocolShibboleth, Request{Headers: r.Header})
}

type shibbolethLogoutRequest struct {
	SessionID string `json:"session_id"`
}

// ShibbolethBackchannelLogout terminates every local session correlated
// to the given upstream session id. Always acknowledged; the endpoint
// trusts the network boundary.
func (h *Handlers) ShibbolethBackchannelLogout(w http.ResponseWriter, r *http.Request) {
	var body shibbolethLogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.cfg.Gateway.HandleBackchannelLogout(r.Context(), ProtocolShibboleth, LogoutRequest{
		SessionID: body.SessionID,
	})
	w.WriteHeader(http.StatusOK)
}

// Logout terminates the caller's local session. When the protocol
// supports frontchannel logout the provider URL is returned for the UI
// to redirect to.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		httputil.WriteNoContent(w)
		return
	}

	protocol, _, _ := h.cfg.Gateway.sessions.Get(r.Context(), cookie.Value, SessionKeyAuthenticator)
	if err := h.cfg.Gateway.Logout(r.Context(), cookie.Value); err != nil {
		h.log().WithError(err).Warn("logout failed")
		httputil.WriteInternalError(w)
		return
	}
	h.clearSessionCookie(w)

	if logoutURL, ok := h.cfg.Gateway.FrontchannelLogoutURL(r.Context(), Protocol(protocol), LogoutParams{}); ok {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"logout_url": logoutURL})
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) beginRedirectLogin(w http.ResponseWriter, r *http.Request, initiator LoginInitiator) {
	if initiator == nil {
		httputil.WriteError(w, http.StatusNotFound, "protocol not configured", CodeInvalidConfiguration)
		return
	}
	authURL, _, err := initiator.BeginLogin(r.Context())
	if err != nil {
		h.log().WithError(err).Error("failed to start login")
		h.redirectError(w, r, ErrorCode(err))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handlers) completeWebLogin(w http.ResponseWriter, r *http.Request, protocol Protocol, req Request) {
	result, err := h.cfg.Gateway.Authenticate(r.Context(), protocol, req)
	if err != nil {
		h.redirectError(w, r, ErrorCode(err))
		return
	}
	h.setSessionCookie(w, result.SessionID)
	if h.cfg.SuccessRedirectURL != "" {
		http.Redirect(w, r, h.cfg.SuccessRedirectURL, http.StatusFound)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loginResponse{
		SessionID: result.SessionID,
		AccountID: result.AccountID,
		Roles:     result.Roles,
		Created:   result.Created,
	})
}

func (h *Handlers) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	if h.cfg.ErrorRedirectURL == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication failed", code)
		return
	}
	target, err := url.Parse(h.cfg.ErrorRedirectURL)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication failed", code)
		return
	}
	query := target.Query()
	query.Set("error_code", code)
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func (h *Handlers) log() *observability.Logger {
	return h.cfg.Logger
}
