// Package oidc authenticates users with the OpenID Connect
// authorization code flow and handles OIDC single logout.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/openmeet/federation/pkg/attr"
	"github.com/openmeet/federation/pkg/cache"
	"github.com/openmeet/federation/pkg/federation"
	"github.com/openmeet/federation/pkg/observability"
	"github.com/openmeet/federation/pkg/principal"
	"github.com/openmeet/federation/pkg/session"
)

// Config holds the OIDC adapter settings.
type Config struct {
	// Issuer is the provider base URL; discovery is fetched from
	// <issuer>/.well-known/openid-configuration.
	Issuer string

	ClientID     string
	ClientSecret string

	// RedirectURL is the registered callback for the code flow.
	RedirectURL string

	// Scopes are requested in addition to openid.
	Scopes []string

	// AttributeMap maps logical attribute names to ID token claims.
	// Empty means the standard claim mapping.
	AttributeMap attr.Map

	// PostLogoutRedirectURI is sent on frontchannel logout.
	PostLogoutRedirectURI string

	// DiscoveryTTL bounds provider metadata reuse.
	DiscoveryTTL time.Duration

	// StateTTL bounds how long a pending login state stays valid.
	StateTTL time.Duration
}

// Adapter implements federation.IdentityAdapter for the OIDC
// authorization code flow.
type Adapter struct {
	cfg        Config
	cache      cache.Cache
	sessions   session.Store
	httpClient *http.Client
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// NewAdapter creates an OIDC adapter. The session store holds pending
// login states; the cache holds discovery documents.
func NewAdapter(cfg Config, c cache.Cache, sessions session.Store, httpClient *http.Client, metrics *observability.Metrics, logger *observability.Logger) (*Adapter, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, federation.ConfigError("oidc issuer, client id and redirect url are required")
	}
	if cfg.DiscoveryTTL <= 0 {
		cfg.DiscoveryTTL = defaultDiscoveryTTL
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{
		cfg:        cfg,
		cache:      c,
		sessions:   sessions,
		httpClient: httpClient,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Protocol returns the adapter's protocol tag.
func (a *Adapter) Protocol() federation.Protocol {
	return federation.ProtocolOIDC
}

func stateSession(state string) string {
	return "oidc_state:" + state
}

// BeginLogin issues a fresh state, persists it and returns the provider
// authorization URL to redirect the user to.
func (a *Adapter) BeginLogin(ctx context.Context) (authURL, state string, err error) {
	doc, err := a.discovery(ctx)
	if err != nil {
		return "", "", err
	}

	state = uuid.NewString()
	issued := time.Now().UTC().Format(time.RFC3339)
	if err := a.sessions.Put(ctx, stateSession(state), "issued_at", issued); err != nil {
		return "", "", fmt.Errorf("failed to persist login state: %w", err)
	}

	return a.oauthConfig(doc).AuthCodeURL(state), state, nil
}

// Authenticate consumes the redirect callback: the state must match a
// pending login, the code is exchanged for tokens and the ID token is
// verified against the provider keys.
func (a *Adapter) Authenticate(ctx context.Context, req federation.Request) (*federation.Identity, error) {
	if req.State == "" {
		return nil, fmt.Errorf("%w: missing state", federation.ErrInvalidState)
	}
	if _, ok, err := a.sessions.Get(ctx, stateSession(req.State), "issued_at"); err != nil {
		return nil, fmt.Errorf("failed to look up login state: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("%w: unknown or expired state", federation.ErrInvalidState)
	}
	// One-time use regardless of how the rest of the flow ends.
	if err := a.sessions.Invalidate(ctx, stateSession(req.State)); err != nil {
		a.logger.WithError(err).Warn("failed to consume login state")
	}

	doc, err := a.discovery(ctx)
	if err != nil {
		return nil, err
	}

	clientCtx := gooidc.ClientContext(ctx, a.httpClient)
	token, err := a.oauthConfig(doc).Exchange(clientCtx, req.Code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: token exchange rejected: %v", federation.ErrInvalidAssertion, err)
		}
		return nil, fmt.Errorf("%w: token exchange failed: %v", federation.ErrNetworkIssue, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: token response carries no id_token", federation.ErrInvalidAssertion)
	}

	keySet := gooidc.NewRemoteKeySet(clientCtx, doc.JWKSURI)
	verifier := gooidc.NewVerifier(a.cfg.Issuer, keySet, &gooidc.Config{
		ClientID:             a.cfg.ClientID,
		SupportedSigningAlgs: doc.signingAlgs(),
	})
	idToken, err := verifier.Verify(clientCtx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id token verification failed: %v", federation.ErrInvalidAssertion, err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: malformed id token claims: %v", federation.ErrInvalidAssertion, err)
	}
	bag := attr.MapRaw(claims, a.attributeMapWithSub())

	return &federation.Identity{
		Principal:      principal.New(bag),
		CorrelationKey: session.Key(session.KeyOIDCSub, idToken.Subject),
	}, nil
}

var defaultAttributeMap = attr.Map{
	attr.AttrExternalID: "sub",
	attr.AttrUsername:   "preferred_username",
	attr.AttrEmail:      "email",
	attr.AttrFirstName:  "given_name",
	attr.AttrLastName:   "family_name",
	attr.AttrDisplay:    "name",
	attr.AttrGroups:     "groups",
}

// attributeMapWithSub forces the sub claim to feed external_id so the
// identity key cannot be remapped away.
func (a *Adapter) attributeMapWithSub() attr.Map {
	m := make(attr.Map, len(a.attributeMap())+1)
	for logical, source := range a.attributeMap() {
		m[logical] = source
	}
	m[attr.AttrExternalID] = "sub"
	return m
}

func (a *Adapter) attributeMap() attr.Map {
	if a.cfg.AttributeMap != nil {
		return a.cfg.AttributeMap
	}
	return defaultAttributeMap
}

func (a *Adapter) oauthConfig(doc *discoveryDocument) *oauth2.Config {
	scopes := append([]string{gooidc.ScopeOpenID}, a.cfg.Scopes...)
	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		RedirectURL:  a.cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}
}
