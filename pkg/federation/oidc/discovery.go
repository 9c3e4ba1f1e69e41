package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openmeet/federation/pkg/federation"
)

// discoveryDocument is the subset of the OIDC provider metadata the
// adapter consumes.
type discoveryDocument struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	EndSessionEndpoint    string   `json:"end_session_endpoint"`
	IDTokenSigningAlgs    []string `json:"id_token_signing_alg_values_supported"`
}

// discovery returns the provider metadata, cache-aside with the
// configured TTL. Fetch errors are returned and never cached, so the
// next call retries; two concurrent misses may both fetch, which is
// harmless.
func (a *Adapter) discovery(ctx context.Context) (*discoveryDocument, error) {
	cacheKey := "oidc:discovery:" + a.cfg.Issuer

	if a.cache != nil {
		if data, ok, err := a.cache.Get(ctx, cacheKey); err == nil && ok {
			var doc discoveryDocument
			if err := json.Unmarshal(data, &doc); err == nil {
				if a.metrics != nil {
					a.metrics.DiscoveryCacheHitsTotal.Inc()
				}
				return &doc, nil
			}
		}
	}
	if a.metrics != nil {
		a.metrics.DiscoveryCacheMissesTotal.Inc()
	}

	doc, data, err := a.fetchDiscovery(ctx)
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		if err := a.cache.Put(ctx, cacheKey, data, a.cfg.DiscoveryTTL); err != nil {
			a.logger.WithError(err).Warn("failed to cache discovery document")
		}
	}
	return doc, nil
}

func (a *Adapter) fetchDiscovery(ctx context.Context) (*discoveryDocument, []byte, error) {
	url := strings.TrimSuffix(a.cfg.Issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, federation.ConfigError("invalid issuer url: %v", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: discovery fetch failed: %v", federation.ErrNetworkIssue, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%w: discovery endpoint returned %d", federation.ErrNetworkIssue, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: discovery read failed: %v", federation.ErrNetworkIssue, err)
	}
	var doc discoveryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, federation.ConfigError("malformed discovery document: %v", err)
	}
	if doc.Issuer != a.cfg.Issuer {
		return nil, nil, federation.ConfigError("discovery issuer %q does not match configured issuer %q", doc.Issuer, a.cfg.Issuer)
	}
	return &doc, data, nil
}

// signingAlgs returns the discovery-advertised ID token algorithms, or
// RS256 when the provider does not list any.
func (d *discoveryDocument) signingAlgs() []string {
	if len(d.IDTokenSigningAlgs) == 0 {
		return []string{"RS256"}
	}
	return d.IDTokenSigningAlgs
}

// defaultDiscoveryTTL bounds how long provider metadata is reused.
const defaultDiscoveryTTL = 15 * time.Minute
