// Package shibboleth authenticates requests that arrive pre-authenticated
// from a Shibboleth SP proxy, reading identity attributes from HTTP
// headers.
package shibboleth

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/openmeet/federation/pkg/attr"
	"github.com/openmeet/federation/pkg/cache"
	"github.com/openmeet/federation/pkg/federation"
	"github.com/openmeet/federation/pkg/observability"
	"github.com/openmeet/federation/pkg/principal"
	"github.com/openmeet/federation/pkg/session"
)

// DefaultSessionHeader is the header the Shibboleth SP sets with its
// session identifier.
const DefaultSessionHeader = "Shib-Session-Id"

// valuePattern matches one header value segment. Shibboleth joins
// multi-valued attributes with ";" and escapes literal semicolons as
// "\;", so a segment is any run of escaped semicolons and
// non-semicolons.
var valuePattern = regexp.MustCompile(`(?:\\;|[^;])+`)

// SplitValues splits a Shibboleth multi-valued header on unescaped
// semicolons and unescapes the rest.
func SplitValues(raw string) []string {
	parts := valuePattern.FindAllString(raw, -1)
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(strings.ReplaceAll(part, `\;`, ";"))
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}

// Config holds the Shibboleth adapter settings.
type Config struct {
	// SessionHeader is the header carrying the upstream session id.
	SessionHeader string

	// AttributeMap maps logical attribute names to header names.
	AttributeMap attr.Map

	// DuplicateSessionGuard rejects a login when the upstream session id
	// was already consumed by an earlier login.
	DuplicateSessionGuard bool

	// GuardTTL bounds how long a consumed session id is remembered.
	GuardTTL time.Duration
}

// Adapter implements federation.IdentityAdapter for header-based
// Shibboleth authentication.
type Adapter struct {
	cfg    Config
	cache  cache.Cache
	logger *observability.Logger
}

// NewAdapter creates a Shibboleth adapter. The cache is only used when
// the duplicate-session guard is enabled and may be nil otherwise.
func NewAdapter(cfg Config, c cache.Cache, logger *observability.Logger) *Adapter {
	if cfg.SessionHeader == "" {
		cfg.SessionHeader = DefaultSessionHeader
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = 8 * time.Hour
	}
	return &Adapter{cfg: cfg, cache: c, logger: logger}
}

// Protocol returns the adapter's protocol tag.
func (a *Adapter) Protocol() federation.Protocol {
	return federation.ProtocolShibboleth
}

// SessionID extracts the upstream session id from the request headers.
func (a *Adapter) SessionID(headers http.Header) string {
	return headers.Get(a.cfg.SessionHeader)
}

// Authenticate reads the proxied headers into an attribute bag. The
// upstream session header must be present; with the guard enabled a
// previously consumed session id is rejected.
func (a *Adapter) Authenticate(ctx context.Context, req federation.Request) (*federation.Identity, error) {
	sessionID := a.SessionID(req.Headers)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: missing %s header", federation.ErrInvalidState, a.cfg.SessionHeader)
	}

	if a.cfg.DuplicateSessionGuard && a.cache != nil {
		guardKey := "shibboleth:consumed:" + sessionID
		if _, consumed, err := a.cache.Get(ctx, guardKey); err != nil {
			return nil, fmt.Errorf("%w: duplicate session guard unavailable: %v", federation.ErrNetworkIssue, err)
		} else if consumed {
			a.logger.WithField("upstream_session", sessionID).Warn("shibboleth session replay rejected")
			return nil, federation.ErrShibbolethSessionDuplicate
		}
		if err := a.cache.Put(ctx, guardKey, []byte("1"), a.cfg.GuardTTL); err != nil {
			return nil, fmt.Errorf("%w: duplicate session guard unavailable: %v", federation.ErrNetworkIssue, err)
		}
	}

	raw := make(map[string]interface{}, len(a.cfg.AttributeMap))
	for _, source := range a.cfg.AttributeMap {
		if value := req.Headers.Get(source); value != "" {
			raw[source] = SplitValues(value)
		}
	}
	bag := attr.MapRaw(raw, a.cfg.AttributeMap)

	return &federation.Identity{
		Principal:      principal.New(bag),
		CorrelationKey: session.Key(session.KeyShibbolethSession, sessionID),
	}, nil
}

// ValidateLogout accepts a backchannel logout notification carrying the
// upstream session id. The endpoint trusts the network boundary; the
// message carries no signature to verify.
func (a *Adapter) ValidateLogout(_ context.Context, req federation.LogoutRequest) (string, error) {
	if req.SessionID == "" {
		return "", fmt.Errorf("%w: missing session id", federation.ErrLogoutTokenRejected)
	}
	return session.Key(session.KeyShibbolethSession, req.SessionID), nil
}

// FrontchannelLogoutURL returns the configured return URL. Shibboleth
// frontchannel logout only destroys the local session; the SP handles
// its own.
func (a *Adapter) FrontchannelLogoutURL(_ context.Context, params federation.LogoutParams) (string, bool) {
	if params.ReturnURL == "" {
		return "", false
	}
	return params.ReturnURL, true
}
