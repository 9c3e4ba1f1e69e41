package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/openmeet/federation/pkg/federation"
	"github.com/openmeet/federation/pkg/session"
)

// BackchannelLogoutEvent is the member the events claim of a logout
// token must carry.
const BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// iatSkew is the tolerated clock skew ahead of local time for the iat
// claim. Only the future bound is enforced; an arbitrarily old token
// still validates, matching the behavior callers depend on.
const iatSkew = 300

// ValidateLogout validates a backchannel logout token and returns the
// correlation key of the external session it terminates. The checks run
// in a fixed order: signature against the provider JWKS restricted to
// the discovery-advertised algorithms, then nonce absence, sub
// presence, the events member, issuer, audience and iat. Any failure
// rejects the token without touching any session.
func (a *Adapter) ValidateLogout(ctx context.Context, req federation.LogoutRequest) (string, error) {
	if req.Token == "" {
		return "", fmt.Errorf("%w: empty logout token", federation.ErrLogoutTokenRejected)
	}

	doc, err := a.discovery(ctx)
	if err != nil {
		return "", err
	}

	algs := make([]jose.SignatureAlgorithm, 0, len(doc.signingAlgs()))
	for _, alg := range doc.signingAlgs() {
		algs = append(algs, jose.SignatureAlgorithm(alg))
	}
	jws, err := jose.ParseSigned(req.Token, algs)
	if err != nil {
		return "", fmt.Errorf("%w: unparsable token: %v", federation.ErrLogoutTokenRejected, err)
	}

	keySet, err := a.fetchJWKS(ctx, doc.JWKSURI)
	if err != nil {
		return "", err
	}
	payload, err := verifyWithKeySet(jws, keySet)
	if err != nil {
		return "", fmt.Errorf("%w: signature verification failed: %v", federation.ErrLogoutTokenRejected, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return "", fmt.Errorf("%w: malformed claims: %v", federation.ErrLogoutTokenRejected, err)
	}

	if _, present := raw["nonce"]; present {
		return "", fmt.Errorf("%w: nonce claim must not be present", federation.ErrLogoutTokenRejected)
	}

	var sub string
	if err := json.Unmarshal(raw["sub"], &sub); err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", federation.ErrLogoutTokenRejected)
	}

	var events map[string]json.RawMessage
	if err := json.Unmarshal(raw["events"], &events); err != nil {
		return "", fmt.Errorf("%w: missing or malformed events claim", federation.ErrLogoutTokenRejected)
	}
	event, ok := events[BackchannelLogoutEvent]
	if !ok {
		return "", fmt.Errorf("%w: events claim lacks the backchannel logout member", federation.ErrLogoutTokenRejected)
	}
	var eventBody map[string]json.RawMessage
	if err := json.Unmarshal(event, &eventBody); err != nil {
		return "", fmt.Errorf("%w: backchannel logout event member is not an object", federation.ErrLogoutTokenRejected)
	}

	var iss string
	if err := json.Unmarshal(raw["iss"], &iss); err != nil || iss != a.cfg.Issuer {
		return "", fmt.Errorf("%w: issuer mismatch", federation.ErrLogoutTokenRejected)
	}

	if !audienceContains(raw["aud"], a.cfg.ClientID) {
		return "", fmt.Errorf("%w: audience does not include client", federation.ErrLogoutTokenRejected)
	}

	var iat int64
	if raw["iat"] == nil || json.Unmarshal(raw["iat"], &iat) != nil {
		return "", fmt.Errorf("%w: iat claim missing or not an integer", federation.ErrLogoutTokenRejected)
	}
	if iat > time.Now().Unix()+iatSkew {
		return "", fmt.Errorf("%w: iat is in the future", federation.ErrLogoutTokenRejected)
	}

	return session.Key(session.KeyOIDCSub, sub), nil
}

// FrontchannelLogoutURL builds the provider end-session redirect. False
// when the provider advertises no end_session_endpoint.
func (a *Adapter) FrontchannelLogoutURL(ctx context.Context, params federation.LogoutParams) (string, bool) {
	doc, err := a.discovery(ctx)
	if err != nil || doc.EndSessionEndpoint == "" {
		return "", false
	}

	endpoint, err := url.Parse(doc.EndSessionEndpoint)
	if err != nil {
		return "", false
	}
	query := endpoint.Query()
	if params.IDTokenHint != "" {
		query.Set("id_token_hint", params.IDTokenHint)
	}
	redirect := params.PostLogoutRedirectURI
	if redirect == "" {
		redirect = a.cfg.PostLogoutRedirectURI
	}
	if redirect != "" {
		query.Set("post_logout_redirect_uri", redirect)
	}
	endpoint.RawQuery = query.Encode()
	return endpoint.String(), true
}

func (a *Adapter) fetchJWKS(ctx context.Context, jwksURI string) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, federation.ConfigError("invalid jwks url: %v", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: jwks fetch failed: %v", federation.ErrNetworkIssue, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: jwks endpoint returned %d", federation.ErrNetworkIssue, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: jwks read failed: %v", federation.ErrNetworkIssue, err)
	}
	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(data, &keySet); err != nil {
		return nil, federation.ConfigError("malformed jwks document: %v", err)
	}
	return &keySet, nil
}

func verifyWithKeySet(jws *jose.JSONWebSignature, keySet *jose.JSONWebKeySet) ([]byte, error) {
	var kid string
	if len(jws.Signatures) > 0 {
		kid = jws.Signatures[0].Header.KeyID
	}
	candidates := keySet.Keys
	if kid != "" {
		candidates = keySet.Key(kid)
	}
	var lastErr error
	for _, key := range candidates {
		payload, err := jws.Verify(key)
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable key in jwks")
	}
	return nil, lastErr
}

func audienceContains(raw json.RawMessage, clientID string) bool {
	if raw == nil {
		return false
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single == clientID
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		for _, aud := range many {
			if aud == clientID {
				return true
			}
		}
	}
	return false
}
