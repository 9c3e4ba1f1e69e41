package federation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmeet/federation/pkg/attr"
	"github.com/openmeet/federation/pkg/observability"
	"github.com/openmeet/federation/pkg/principal"
	"github.com/openmeet/federation/pkg/roles"
	"github.com/openmeet/federation/pkg/session"
)

type fakeAdapter struct {
	protocol  Protocol
	identity  *Identity
	err       error
	logoutKey string
	logoutErr error
}

func (a *fakeAdapter) Protocol() Protocol { return a.protocol }

func (a *fakeAdapter) Authenticate(_ context.Context, _ Request) (*Identity, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.identity, nil
}

func (a *fakeAdapter) ValidateLogout(_ context.Context, _ LogoutRequest) (string, error) {
	if a.logoutErr != nil {
		return "", a.logoutErr
	}
	return a.logoutKey, nil
}

type fakeAccounts struct {
	accounts map[string]*principal.Account
	roles    map[string][]string
	saves    int
	syncs    int
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		accounts: make(map[string]*principal.Account),
		roles:    make(map[string][]string),
	}
}

func (s *fakeAccounts) FindOrCreate(_ context.Context, authenticator, externalID string, defaults principal.Defaults) (*principal.Account, bool, error) {
	key := authenticator + "/" + externalID
	if account, ok := s.accounts[key]; ok {
		copied := *account
		return &copied, false, nil
	}
	account := &principal.Account{
		ID:            "acct-" + externalID,
		Authenticator: authenticator,
		ExternalID:    externalID,
		Locale:        defaults.Locale,
		Timezone:      defaults.Timezone,
	}
	s.accounts[key] = account
	copied := *account
	return &copied, true, nil
}

func (s *fakeAccounts) Save(_ context.Context, account *principal.Account) error {
	s.saves++
	s.accounts[account.Authenticator+"/"+account.ExternalID] = account
	return nil
}

func (s *fakeAccounts) SyncRoles(_ context.Context, accountID string, desired []string) error {
	s.syncs++
	s.roles[accountID] = desired
	return nil
}

func testRules(t *testing.T) *roles.Store {
	t.Helper()
	parsed, err := roles.ParseRules([]byte(`
rules:
  - name: staff
    conditions:
      - attribute: groups
        pattern: "^employees$"
`))
	require.NoError(t, err)
	return roles.NewStaticStore(parsed)
}

func testIdentity(values map[string][]string, correlationKey string) *Identity {
	bag := attr.NewBag()
	for name, vs := range values {
		bag.Add(name, vs...)
	}
	return &Identity{Principal: principal.New(bag), CorrelationKey: correlationKey}
}

func newTestGateway(t *testing.T, adapter IdentityAdapter) (*Gateway, *fakeAccounts, *session.MemoryStore, *session.MemoryCorrelationStore) {
	t.Helper()
	accounts := newFakeAccounts()
	sessions := session.NewMemoryStore()
	correlations := session.NewMemoryCorrelationStore()
	gw := NewGateway(GatewayConfig{
		Adapters:     []IdentityAdapter{adapter},
		Accounts:     accounts,
		Sessions:     sessions,
		Correlations: correlations,
		Rules:        testRules(t),
		Logger:       observability.NewLogger(observability.ErrorLevel, io.Discard),
	})
	return gw, accounts, sessions, correlations
}

func TestAuthenticate_FullFlow(t *testing.T) {
	adapter := &fakeAdapter{
		protocol: ProtocolOIDC,
		identity: testIdentity(map[string][]string{
			attr.AttrExternalID: {"abc123"},
			attr.AttrEmail:      {"jdoe@example.org"},
			"groups":            {"employees"},
		}, session.Key(session.KeyOIDCSub, "abc123")),
	}
	gw, accounts, sessions, correlations := newTestGateway(t, adapter)

	result, err := gw.Authenticate(context.Background(), ProtocolOIDC, Request{})
	require.NoError(t, err)

	assert.Equal(t, "acct-abc123", result.AccountID)
	assert.True(t, result.Created)
	assert.Equal(t, []string{"staff"}, result.Roles)
	assert.Equal(t, []string{"staff"}, accounts.roles["acct-abc123"])
	assert.True(t, sessions.Active(result.SessionID))

	stored, ok, err := sessions.Get(context.Background(), result.SessionID, SessionKeyCorrelationKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "oidc_sub:abc123", stored)

	ids, err := correlations.FindByKey(context.Background(), "oidc_sub:abc123")
	require.NoError(t, err)
	assert.Equal(t, []string{result.SessionID}, ids)
}

func TestAuthenticate_AdapterFailureWritesNothing(t *testing.T) {
	adapter := &fakeAdapter{protocol: ProtocolLDAP, err: ErrInvalidCredentials}
	gw, accounts, _, _ := newTestGateway(t, adapter)

	_, err := gw.Authenticate(context.Background(), ProtocolLDAP, Request{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Empty(t, accounts.accounts)
	assert.Zero(t, accounts.syncs)
}

func TestAuthenticate_MissingIdentityAttributeWritesNothing(t *testing.T) {
	adapter := &fakeAdapter{
		protocol: ProtocolOIDC,
		identity: testIdentity(map[string][]string{attr.AttrEmail: {"jdoe@example.org"}}, ""),
	}
	gw, accounts, _, _ := newTestGateway(t, adapter)

	_, err := gw.Authenticate(context.Background(), ProtocolOIDC, Request{})
	name, ok := principal.IsMissingAttribute(err)
	require.True(t, ok)
	assert.Equal(t, attr.AttrExternalID, name)
	assert.Zero(t, accounts.syncs)
	assert.Equal(t, CodeMissingAttributes, ErrorCode(err))
}

func TestAuthenticate_UnknownProtocol(t *testing.T) {
	gw, _, _, _ := newTestGateway(t, &fakeAdapter{protocol: ProtocolLDAP})

	_, err := gw.Authenticate(context.Background(), ProtocolSAML, Request{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestAuthenticate_SkipsResolutionWhenAdapterResolved(t *testing.T) {
	identity := testIdentity(map[string][]string{attr.AttrExternalID: {"jdoe"}}, "")
	identity.Principal.AccountID = "acct-preresolved"
	adapter := &fakeAdapter{protocol: ProtocolLDAP, identity: identity}
	gw, accounts, _, _ := newTestGateway(t, adapter)

	result, err := gw.Authenticate(context.Background(), ProtocolLDAP, Request{})
	require.NoError(t, err)
	assert.Equal(t, "acct-preresolved", result.AccountID)
	assert.Empty(t, accounts.accounts)
	assert.Equal(t, 1, accounts.syncs)
}

func TestHandleBackchannelLogout_TerminatesCorrelatedSession(t *testing.T) {
	key := session.Key(session.KeyOIDCSub, "abc123")
	adapter := &fakeAdapter{protocol: ProtocolOIDC, logoutKey: key}
	gw, _, sessions, correlations := newTestGateway(t, adapter)

	require.NoError(t, sessions.Put(context.Background(), "sess-1", SessionKeyAccountID, "acct-abc123"))
	require.NoError(t, correlations.Upsert(context.Background(), key, "sess-1"))

	ok := gw.HandleBackchannelLogout(context.Background(), ProtocolOIDC, LogoutRequest{Token: "token"})
	assert.True(t, ok)
	assert.False(t, sessions.Active("sess-1"))

	ids, err := correlations.FindByKey(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHandleBackchannelLogout_RejectedTokenMutatesNothing(t *testing.T) {
	adapter := &fakeAdapter{protocol: ProtocolOIDC, logoutErr: errors.New("bad token")}
	gw, _, sessions, correlations := newTestGateway(t, adapter)

	key := session.Key(session.KeyOIDCSub, "abc123")
	require.NoError(t, sessions.Put(context.Background(), "sess-1", SessionKeyAccountID, "acct-abc123"))
	require.NoError(t, correlations.Upsert(context.Background(), key, "sess-1"))

	ok := gw.HandleBackchannelLogout(context.Background(), ProtocolOIDC, LogoutRequest{Token: "token"})
	assert.False(t, ok)
	assert.True(t, sessions.Active("sess-1"))
}

func TestHandleBackchannelLogout_NoCorrelatedSession(t *testing.T) {
	adapter := &fakeAdapter{protocol: ProtocolOIDC, logoutKey: session.Key(session.KeyOIDCSub, "nobody")}
	gw, _, _, _ := newTestGateway(t, adapter)

	ok := gw.HandleBackchannelLogout(context.Background(), ProtocolOIDC, LogoutRequest{Token: "token"})
	assert.False(t, ok)
}

func TestLogout_RemovesSessionAndCorrelation(t *testing.T) {
	gw, _, sessions, correlations := newTestGateway(t, &fakeAdapter{protocol: ProtocolOIDC})

	key := session.Key(session.KeyOIDCSub, "abc123")
	require.NoError(t, sessions.Put(context.Background(), "sess-1", SessionKeyAccountID, "acct"))
	require.NoError(t, correlations.Upsert(context.Background(), key, "sess-1"))

	require.NoError(t, gw.Logout(context.Background(), "sess-1"))
	assert.False(t, sessions.Active("sess-1"))
	ids, err := correlations.FindByKey(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"network", ErrNetworkIssue, CodeNetworkIssue},
		{"config", ConfigError("bad"), CodeInvalidConfiguration},
		{"state", ErrInvalidState, CodeInvalidState},
		{"duplicate", ErrShibbolethSessionDuplicate, CodeShibbolethDuplicateSession},
		{"missing", &principal.MissingAttributeError{Name: "email"}, CodeMissingAttributes},
		{"credentials", ErrInvalidCredentials, CodeAuthenticationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ErrorCode(tt.err))
		})
	}
}

func TestAuthenticate_LoginLoggingToggles(t *testing.T) {
	newGateway := func(buf *bytes.Buffer, adapter IdentityAdapter, logSuccess, logFailure bool) *Gateway {
		return NewGateway(GatewayConfig{
			Adapters:            []IdentityAdapter{adapter},
			Accounts:            newFakeAccounts(),
			Sessions:            session.NewMemoryStore(),
			Correlations:        session.NewMemoryCorrelationStore(),
			Rules:               testRules(t),
			Logger:              observability.NewLogger(observability.InfoLevel, buf),
			LogSuccessfulLogins: logSuccess,
			LogFailedLogins:     logFailure,
		})
	}
	okAdapter := func() *fakeAdapter {
		return &fakeAdapter{
			protocol: ProtocolLDAP,
			identity: testIdentity(map[string][]string{attr.AttrExternalID: {"jdoe"}}, ""),
		}
	}

	t.Run("success logged when enabled", func(t *testing.T) {
		var buf bytes.Buffer
		gw := newGateway(&buf, okAdapter(), true, true)
		_, err := gw.Authenticate(context.Background(), ProtocolLDAP, Request{})
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "external login completed")
	})

	t.Run("success silent when disabled", func(t *testing.T) {
		var buf bytes.Buffer
		gw := newGateway(&buf, okAdapter(), false, true)
		_, err := gw.Authenticate(context.Background(), ProtocolLDAP, Request{})
		require.NoError(t, err)
		assert.NotContains(t, buf.String(), "external login completed")
	})

	t.Run("failure logged when enabled", func(t *testing.T) {
		var buf bytes.Buffer
		gw := newGateway(&buf, &fakeAdapter{protocol: ProtocolLDAP, err: ErrInvalidCredentials}, true, true)
		_, err := gw.Authenticate(context.Background(), ProtocolLDAP, Request{})
		require.Error(t, err)
		assert.Contains(t, buf.String(), "external login failed")
	})

	t.Run("failure silent when disabled", func(t *testing.T) {
		var buf bytes.Buffer
		gw := newGateway(&buf, &fakeAdapter{protocol: ProtocolLDAP, err: ErrInvalidCredentials}, true, false)
		_, err := gw.Authenticate(context.Background(), ProtocolLDAP, Request{})
		require.Error(t, err)
		assert.NotContains(t, buf.String(), "external login failed")
	})
}
