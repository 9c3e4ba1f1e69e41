package federation

import (
	"errors"
	"fmt"

	"github.com/openmeet/federation/pkg/principal"
)

// Sentinel errors returned by identity adapters and the gateway. Callers
// classify failures with errors.Is and map them to redirect codes with
// ErrorCode.
var (
	// ErrUserNotFound indicates the external directory has no entry for
	// the supplied identifier.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidCredentials indicates the directory rejected the supplied
	// credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrNetworkIssue indicates the identity provider could not be
	// reached or did not answer in time.
	ErrNetworkIssue = errors.New("identity provider unreachable")

	// ErrInvalidConfiguration indicates the local federation configuration
	// is inconsistent with what the provider requires.
	ErrInvalidConfiguration = errors.New("invalid federation configuration")

	// ErrInvalidAssertion indicates a response from the provider failed
	// signature or content validation.
	ErrInvalidAssertion = errors.New("invalid assertion")

	// ErrInvalidState indicates a state or relay value did not match the
	// one issued for the login attempt.
	ErrInvalidState = errors.New("state mismatch")

	// ErrShibbolethSessionDuplicate indicates a Shibboleth session ID was
	// presented for login while a login for the same session ID is
	// already established.
	ErrShibbolethSessionDuplicate = errors.New("duplicate shibboleth session")

	// ErrLogoutTokenRejected indicates a backchannel logout token failed
	// validation.
	ErrLogoutTokenRejected = errors.New("logout token rejected")
)

// Redirect error codes carried in the error_code query parameter when a
// login attempt is bounced back to the entry page.
const (
	CodeMissingAttributes          = "missing_attributes"
	CodeNetworkIssue               = "network_issue"
	CodeInvalidConfiguration       = "invalid_configuration"
	CodeInvalidState               = "invalid_state"
	CodeShibbolethDuplicateSession = "shibboleth_session_duplicate_exception"
	CodeAuthenticationFailed       = "authentication_failed"
)

// ErrorCode maps an authentication failure to its redirect error code.
func ErrorCode(err error) string {
	if _, ok := principal.IsMissingAttribute(err); ok {
		return CodeMissingAttributes
	}
	switch {
	case errors.Is(err, ErrNetworkIssue):
		return CodeNetworkIssue
	case errors.Is(err, ErrInvalidConfiguration):
		return CodeInvalidConfiguration
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrShibbolethSessionDuplicate):
		return CodeShibbolethDuplicateSession
	default:
		return CodeAuthenticationFailed
	}
}

// ConfigError wraps a configuration problem so it classifies as
// ErrInvalidConfiguration.
func ConfigError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
