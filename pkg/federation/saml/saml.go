// Package saml authenticates users against a SAML 2.0 identity
// provider acting as a service provider with the POST binding.
package saml

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/openmeet/federation/pkg/attr"
	"github.com/openmeet/federation/pkg/federation"
	"github.com/openmeet/federation/pkg/observability"
	"github.com/openmeet/federation/pkg/principal"
	"github.com/openmeet/federation/pkg/session"
)

// Config holds the SAML adapter settings.
type Config struct {
	// IdentityProviderSSOURL receives AuthnRequests, SLOURL receives
	// LogoutRequests.
	IdentityProviderSSOURL string
	IdentityProviderSLOURL string
	IdentityProviderIssuer string

	ServiceProviderIssuer       string
	AssertionConsumerServiceURL string
	AudienceURI                 string

	// IDPCertificatePEM is the IdP signing certificate.
	IDPCertificatePEM string

	// SPCertificatePEM and SPPrivateKeyPEM sign outgoing requests when
	// SignRequests is set.
	SPCertificatePEM string
	SPPrivateKeyPEM  string
	SignRequests     bool

	NameIDFormat string

	// AttributeMap maps logical attribute names to assertion attribute
	// names.
	AttributeMap attr.Map

	// RelayStateTTL bounds how long a pending login stays valid.
	RelayStateTTL time.Duration
}

// Adapter implements federation.IdentityAdapter for SAML 2.0.
type Adapter struct {
	cfg      Config
	sp       *saml2.SAMLServiceProvider
	sessions session.Store
	logger   *observability.Logger
}

// NewAdapter creates a SAML adapter. Certificate or key problems are
// configuration errors and surface at construction.
func NewAdapter(cfg Config, sessions session.Store, logger *observability.Logger) (*Adapter, error) {
	if cfg.IdentityProviderSSOURL == "" || cfg.IdentityProviderIssuer == "" || cfg.AssertionConsumerServiceURL == "" {
		return nil, federation.ConfigError("saml sso url, idp issuer and acs url are required")
	}
	if cfg.RelayStateTTL <= 0 {
		cfg.RelayStateTTL = 10 * time.Minute
	}

	certBlock, _ := pem.Decode([]byte(cfg.IDPCertificatePEM))
	if certBlock == nil {
		return nil, federation.ConfigError("idp certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, federation.ConfigError("failed to parse idp certificate: %v", err)
	}
	certStore := &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}}

	var keyStore dsig.X509KeyStore
	if cfg.SignRequests {
		keyStore, err = parseKeyStore(cfg.SPPrivateKeyPEM, cfg.SPCertificatePEM)
		if err != nil {
			return nil, err
		}
	} else {
		keyStore = dsig.RandomKeyStoreForTest()
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.IdentityProviderSSOURL,
		IdentityProviderSLOURL:      cfg.IdentityProviderSLOURL,
		IdentityProviderIssuer:      cfg.IdentityProviderIssuer,
		ServiceProviderIssuer:       cfg.ServiceProviderIssuer,
		AssertionConsumerServiceURL: cfg.AssertionConsumerServiceURL,
		AudienceURI:                 cfg.AudienceURI,
		IDPCertificateStore:         certStore,
		SPKeyStore:                  keyStore,
		SignAuthnRequests:           cfg.SignRequests,
		ForceAuthn:                  true,
		NameIdFormat:                cfg.NameIDFormat,
	}

	return &Adapter{cfg: cfg, sp: sp, sessions: sessions, logger: logger}, nil
}

func parseKeyStore(keyPEM, certPEM string) (dsig.X509KeyStore, error) {
	keyBlock, _ := pem.Decode([]byte(keyPEM))
	if keyBlock == nil {
		return nil, federation.ConfigError("sp private key is not valid PEM")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, federation.ConfigError("failed to parse sp private key: %v", err)
		}
		rsaKey, ok := pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, federation.ConfigError("sp private key is not RSA")
		}
		privateKey = rsaKey
	}
	certBlock, _ := pem.Decode([]byte(certPEM))
	if certBlock == nil {
		return nil, federation.ConfigError("sp certificate is not valid PEM")
	}
	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: [][]byte{certBlock.Bytes},
	}, nil
}

// Protocol returns the adapter's protocol tag.
func (a *Adapter) Protocol() federation.Protocol {
	return federation.ProtocolSAML
}

func relaySession(relayState string) string {
	return "saml_relay:" + relayState
}

// BeginLogin builds the IdP redirect URL with a fresh relay state and
// persists the state for callback verification.
func (a *Adapter) BeginLogin(ctx context.Context) (authURL, relayState string, err error) {
	relayState = uuid.NewString()
	issued := time.Now().UTC().Format(time.RFC3339)
	if err := a.sessions.Put(ctx, relaySession(relayState), "issued_at", issued); err != nil {
		return "", "", fmt.Errorf("failed to persist relay state: %w", err)
	}

	authURL, err = a.sp.BuildAuthURL(relayState)
	if err != nil {
		return "", "", federation.ConfigError("failed to build authn request: %v", err)
	}
	return authURL, relayState, nil
}

// Authenticate consumes the ACS callback: relay state must match a
// pending login and the assertion must validate against the IdP
// certificate.
func (a *Adapter) Authenticate(ctx context.Context, req federation.Request) (*federation.Identity, error) {
	if req.RelayState == "" {
		return nil, fmt.Errorf("%w: missing relay state", federation.ErrInvalidState)
	}
	if _, ok, err := a.sessions.Get(ctx, relaySession(req.RelayState), "issued_at"); err != nil {
		return nil, fmt.Errorf("failed to look up relay state: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("%w: unknown or expired relay state", federation.ErrInvalidState)
	}
	if err := a.sessions.Invalidate(ctx, relaySession(req.RelayState)); err != nil {
		a.logger.WithError(err).Warn("failed to consume relay state")
	}

	if req.SAMLResponse == "" {
		return nil, fmt.Errorf("%w: missing SAMLResponse", federation.ErrInvalidAssertion)
	}

	assertionInfo, err := a.sp.RetrieveAssertionInfo(req.SAMLResponse)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrInvalidAssertion, err)
	}
	if warn := assertionInfo.WarningInfo; warn != nil {
		if warn.InvalidTime {
			return nil, fmt.Errorf("%w: assertion outside its validity window", federation.ErrInvalidAssertion)
		}
		if warn.NotInAudience {
			return nil, fmt.Errorf("%w: assertion not issued for this audience", federation.ErrInvalidAssertion)
		}
	}

	raw := make(map[string]interface{}, len(assertionInfo.Values))
	for _, assertionAttr := range assertionInfo.Values {
		values := make([]string, 0, len(assertionAttr.Values))
		for _, v := range assertionAttr.Values {
			values = append(values, v.Value)
		}
		raw[assertionAttr.Name] = values
	}
	bag := attr.MapRaw(raw, a.cfg.AttributeMap)
	if !bag.Has(attr.AttrExternalID) && assertionInfo.NameID != "" {
		bag.Add(attr.AttrExternalID, assertionInfo.NameID)
	}

	return &federation.Identity{
		Principal:      principal.New(bag),
		CorrelationKey: session.Key(session.KeySAMLNameID, assertionInfo.NameID),
	}, nil
}
