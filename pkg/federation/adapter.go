package federation

import (
	"context"
	"net/http"

	"github.com/openmeet/federation/pkg/principal"
)

// Protocol identifies an external identity source.
type Protocol string

const (
	ProtocolLDAP       Protocol = "ldap"
	ProtocolOIDC       Protocol = "oidc"
	ProtocolSAML       Protocol = "saml2"
	ProtocolShibboleth Protocol = "shibboleth"
)

// Request carries the protocol-specific login material. Only the fields
// relevant to the chosen protocol are populated.
type Request struct {
	// Username and Password drive the LDAP search-and-bind flow.
	Username string
	Password string

	// Code and State come back on the OIDC redirect callback.
	Code  string
	State string

	// SAMLResponse and RelayState come back on the SAML ACS callback.
	SAMLResponse string
	RelayState   string

	// Headers carries the proxied request headers for Shibboleth.
	Headers http.Header
}

// Identity is an adapter's authentication result: the normalized
// principal plus the correlation key tying the local session to the
// external one. AccountID on the principal is set only when the adapter
// resolved the account itself as part of its protocol flow.
type Identity struct {
	Principal      *principal.Principal
	CorrelationKey string
}

// LogoutRequest carries the protocol-specific single-logout material.
type LogoutRequest struct {
	// Token is the OIDC backchannel logout_token (a signed JWT).
	Token string

	// SAMLRequest and SAMLResponse carry the deflated+encoded SAML
	// logout messages.
	SAMLRequest  string
	SAMLResponse string

	// SessionID is the upstream Shibboleth session identifier.
	SessionID string

	// LocalSessionID identifies the initiating local session for
	// SP-initiated logout completion.
	LocalSessionID string
}

// LogoutParams feeds frontchannel logout URL construction.
type LogoutParams struct {
	IDTokenHint           string
	PostLogoutRedirectURI string
	ReturnURL             string

	// NameID and SessionIndex identify the upstream SAML session.
	NameID       string
	SessionIndex string
}

// IdentityAdapter authenticates a login attempt against one external
// identity source and normalizes the result.
type IdentityAdapter interface {
	// Protocol returns the adapter's protocol tag, used as the account
	// authenticator value.
	Protocol() Protocol

	// Authenticate validates the login material against the external
	// source and returns the normalized identity. Failures are reported
	// through the package error taxonomy.
	Authenticate(ctx context.Context, req Request) (*Identity, error)
}

// BackchannelLogoutAdapter is implemented by adapters whose protocol
// supports provider-initiated backchannel logout.
type BackchannelLogoutAdapter interface {
	// ValidateLogout validates the logout material and returns the
	// correlation key of the external session to terminate. A rejected
	// message returns an error wrapping ErrLogoutTokenRejected and no
	// key.
	ValidateLogout(ctx context.Context, req LogoutRequest) (string, error)
}

// FrontchannelLogoutAdapter is implemented by adapters whose protocol
// supports redirect-based upstream logout.
type FrontchannelLogoutAdapter interface {
	// FrontchannelLogoutURL returns the provider logout URL, or false
	// when the provider does not advertise one.
	FrontchannelLogoutURL(ctx context.Context, params LogoutParams) (string, bool)
}

// AccountResolver resolves the principal to a local account. The LDAP
// adapter invokes it between directory search and bind so the resolve
// ordering of that flow is preserved.
type AccountResolver func(ctx context.Context, p *principal.Principal, protocol Protocol) error
