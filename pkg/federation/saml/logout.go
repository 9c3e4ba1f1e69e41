package saml

import (
	"context"
	"fmt"

	saml2 "github.com/russellhaering/gosaml2"

	"github.com/openmeet/federation/pkg/federation"
	"github.com/openmeet/federation/pkg/session"
)

// ValidateLogout validates an IdP-initiated LogoutRequest and returns
// the correlation key of the upstream session it terminates.
func (a *Adapter) ValidateLogout(_ context.Context, req federation.LogoutRequest) (string, error) {
	if req.SAMLRequest == "" {
		return "", fmt.Errorf("%w: missing SAMLRequest", federation.ErrLogoutTokenRejected)
	}

	logoutRequest, err := a.sp.ValidateEncodedLogoutRequestPOST(req.SAMLRequest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", federation.ErrLogoutTokenRejected, err)
	}
	if logoutRequest.NameID == nil || logoutRequest.NameID.Value == "" {
		return "", fmt.Errorf("%w: logout request carries no NameID", federation.ErrLogoutTokenRejected)
	}
	return session.Key(session.KeySAMLNameID, logoutRequest.NameID.Value), nil
}

// CompleteLogout validates the IdP's LogoutResponse to an SP-initiated
// logout. The caller terminates the initiating local session on
// success.
func (a *Adapter) CompleteLogout(_ context.Context, req federation.LogoutRequest) error {
	if req.SAMLResponse == "" {
		return fmt.Errorf("%w: missing SAMLResponse", federation.ErrInvalidAssertion)
	}
	response, err := a.sp.ValidateEncodedLogoutResponsePOST(req.SAMLResponse)
	if err != nil {
		return fmt.Errorf("%w: %v", federation.ErrInvalidAssertion, err)
	}
	if response.Status == nil || response.Status.StatusCode == nil || response.Status.StatusCode.Value != saml2.StatusCodeSuccess {
		return fmt.Errorf("%w: logout response status is not success", federation.ErrInvalidAssertion)
	}
	return nil
}

// FrontchannelLogoutURL builds the SP-initiated LogoutRequest redirect
// to the IdP SLO endpoint. False when no SLO URL is configured or the
// upstream NameID is unknown.
func (a *Adapter) FrontchannelLogoutURL(_ context.Context, params federation.LogoutParams) (string, bool) {
	if a.cfg.IdentityProviderSLOURL == "" || params.NameID == "" {
		return "", false
	}
	doc, err := a.sp.BuildLogoutRequestDocument(params.NameID, params.SessionIndex)
	if err != nil {
		a.logger.WithError(err).Warn("failed to build logout request")
		return "", false
	}
	logoutURL, err := a.sp.BuildLogoutURLRedirect(params.ReturnURL, doc)
	if err != nil {
		a.logger.WithError(err).Warn("failed to build logout url")
		return "", false
	}
	return logoutURL, true
}
