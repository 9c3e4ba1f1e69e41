package ldap

import (
	"context"
	"errors"
	"io"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmeet/federation/pkg/attr"
	"github.com/openmeet/federation/pkg/federation"
	"github.com/openmeet/federation/pkg/observability"
	"github.com/openmeet/federation/pkg/principal"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func testConfig() Config {
	return Config{
		URL:            "ldap://ldap.example.org:389",
		BaseDN:         "ou=people,dc=example,dc=org",
		LoginAttribute: "uid",
		AttributeMap: attr.Map{
			attr.AttrExternalID: "uid",
			attr.AttrUsername:   "uid",
			attr.AttrEmail:      "mail",
			attr.AttrGroups:     "memberOf",
		},
	}
}

func TestNewAdapter_RequiresCoreSettings(t *testing.T) {
	_, err := NewAdapter(Config{}, nil, testLogger())
	assert.ErrorIs(t, err, federation.ErrInvalidConfiguration)

	_, err = NewAdapter(Config{URL: "ldap://x"}, nil, testLogger())
	assert.ErrorIs(t, err, federation.ErrInvalidConfiguration)
}

func TestAuthenticate_EmptyCredentials(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil, testLogger())
	require.NoError(t, err)

	_, err = adapter.Authenticate(context.Background(), federation.Request{Username: "jdoe"})
	assert.ErrorIs(t, err, federation.ErrInvalidCredentials)

	_, err = adapter.Authenticate(context.Background(), federation.Request{Password: "secret"})
	assert.ErrorIs(t, err, federation.ErrInvalidCredentials)
}

func TestEntryBag_MapsOnlyConfiguredAttributes(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil, testLogger())
	require.NoError(t, err)

	entry := &goldap.Entry{
		DN: "uid=jdoe,ou=people,dc=example,dc=org",
		Attributes: []*goldap.EntryAttribute{
			{Name: "uid", Values: []string{"jdoe"}},
			{Name: "mail", Values: []string{"jdoe@example.org"}},
			{Name: "memberOf", Values: []string{"cn=staff", "cn=admins"}},
			{Name: "telephoneNumber", Values: []string{"555-0100"}},
		},
	}

	bag := adapter.entryBag(entry)
	externalID, ok := bag.First(attr.AttrExternalID)
	require.True(t, ok)
	assert.Equal(t, "jdoe", externalID)
	assert.Equal(t, []string{"cn=staff", "cn=admins"}, bag.Values(attr.AttrGroups))
	assert.False(t, bag.Has("telephoneNumber"))
}

func TestEntryBag_CaseInsensitiveAttributeNames(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil, testLogger())
	require.NoError(t, err)

	entry := &goldap.Entry{
		DN: "uid=jdoe,ou=people,dc=example,dc=org",
		Attributes: []*goldap.EntryAttribute{
			{Name: "UID", Values: []string{"jdoe"}},
			{Name: "Mail", Values: []string{"jdoe@example.org"}},
		},
	}

	bag := adapter.entryBag(entry)
	email, ok := bag.First(attr.AttrEmail)
	require.True(t, ok)
	assert.Equal(t, "jdoe@example.org", email)
}

// fakeConn scripts the directory side of the search-resolve-bind flow.
type fakeConn struct {
	ops          []string
	bindErrs     map[string]error
	entries      []*goldap.Entry
	freshEntries []*goldap.Entry
	searchErr    error
	searches     int
}

func (c *fakeConn) Bind(username, password string) error {
	c.ops = append(c.ops, "bind:"+username)
	return c.bindErrs[username]
}

func (c *fakeConn) Search(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	c.searches++
	c.ops = append(c.ops, "search")
	if c.searchErr != nil {
		return nil, c.searchErr
	}
	if c.searches > 1 && c.freshEntries != nil {
		return &goldap.SearchResult{Entries: c.freshEntries}, nil
	}
	return &goldap.SearchResult{Entries: c.entries}, nil
}

func (c *fakeConn) Close() error {
	c.ops = append(c.ops, "close")
	return nil
}

func jdoeEntry(mail string) *goldap.Entry {
	return &goldap.Entry{
		DN: "uid=jdoe,ou=people,dc=example,dc=org",
		Attributes: []*goldap.EntryAttribute{
			{Name: "uid", Values: []string{"jdoe"}},
			{Name: "mail", Values: []string{mail}},
		},
	}
}

func newFlowAdapter(t *testing.T, cfg Config, conn *fakeConn, resolve federation.AccountResolver) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(cfg, resolve, testLogger())
	require.NoError(t, err)
	adapter.dial = func() (directoryConn, error) { return conn, nil }
	return adapter
}

func TestAuthenticate_ResolvesAccountBetweenSearchAndBind(t *testing.T) {
	conn := &fakeConn{entries: []*goldap.Entry{jdoeEntry("jdoe@example.org")}}
	resolve := func(ctx context.Context, p *principal.Principal, protocol federation.Protocol) error {
		conn.ops = append(conn.ops, "resolve")
		assert.Equal(t, federation.ProtocolLDAP, protocol)
		p.AccountID = "acct-1"
		return nil
	}
	adapter := newFlowAdapter(t, testConfig(), conn, resolve)

	identity, err := adapter.Authenticate(context.Background(),
		federation.Request{Username: "jdoe", Password: "secret"})
	require.NoError(t, err)

	assert.Equal(t, "acct-1", identity.Principal.AccountID)
	externalID, ok := identity.Principal.Attributes.First(attr.AttrExternalID)
	require.True(t, ok)
	assert.Equal(t, "jdoe", externalID)
	assert.Equal(t, []string{"search", "resolve", "bind:uid=jdoe,ou=people,dc=example,dc=org", "close"}, conn.ops)
}

func TestAuthenticate_ServiceBindRunsFirst(t *testing.T) {
	cfg := testConfig()
	cfg.BindDN = "cn=service,dc=example,dc=org"
	cfg.BindPassword = "svc-secret"
	conn := &fakeConn{entries: []*goldap.Entry{jdoeEntry("jdoe@example.org")}}
	adapter := newFlowAdapter(t, cfg, conn, nil)

	_, err := adapter.Authenticate(context.Background(),
		federation.Request{Username: "jdoe", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "bind:cn=service,dc=example,dc=org", conn.ops[0])
}

func TestAuthenticate_BindRejectedAfterResolve(t *testing.T) {
	conn := &fakeConn{
		entries: []*goldap.Entry{jdoeEntry("jdoe@example.org")},
		bindErrs: map[string]error{
			"uid=jdoe,ou=people,dc=example,dc=org": goldap.NewError(
				goldap.LDAPResultInvalidCredentials, errors.New("invalid credentials")),
		},
	}
	resolved := false
	resolve := func(ctx context.Context, p *principal.Principal, protocol federation.Protocol) error {
		resolved = true
		p.AccountID = "acct-1"
		return nil
	}
	adapter := newFlowAdapter(t, testConfig(), conn, resolve)

	_, err := adapter.Authenticate(context.Background(),
		federation.Request{Username: "jdoe", Password: "wrong"})
	assert.ErrorIs(t, err, federation.ErrInvalidCredentials)
	assert.True(t, resolved, "account resolution happens before the user bind")
}

func TestAuthenticate_UserNotFound(t *testing.T) {
	adapter := newFlowAdapter(t, testConfig(), &fakeConn{}, nil)

	_, err := adapter.Authenticate(context.Background(),
		federation.Request{Username: "ghost", Password: "secret"})
	assert.ErrorIs(t, err, federation.ErrUserNotFound)
}

func TestAuthenticate_AmbiguousLoginIsConfigError(t *testing.T) {
	conn := &fakeConn{entries: []*goldap.Entry{
		jdoeEntry("a@example.org"),
		jdoeEntry("b@example.org"),
	}}
	adapter := newFlowAdapter(t, testConfig(), conn, nil)

	_, err := adapter.Authenticate(context.Background(),
		federation.Request{Username: "jdoe", Password: "secret"})
	assert.ErrorIs(t, err, federation.ErrInvalidConfiguration)
}

func TestAuthenticate_DialFailureIsNetworkIssue(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil, testLogger())
	require.NoError(t, err)
	adapter.dial = func() (directoryConn, error) { return nil, errors.New("connection refused") }

	_, err = adapter.Authenticate(context.Background(),
		federation.Request{Username: "jdoe", Password: "secret"})
	assert.ErrorIs(t, err, federation.ErrNetworkIssue)
}

func TestAuthenticate_ServiceBindRejectedIsConfigError(t *testing.T) {
	cfg := testConfig()
	cfg.BindDN = "cn=service,dc=example,dc=org"
	cfg.BindPassword = "stale"
	conn := &fakeConn{bindErrs: map[string]error{
		"cn=service,dc=example,dc=org": goldap.NewError(
			goldap.LDAPResultInvalidCredentials, errors.New("invalid credentials")),
	}}
	adapter := newFlowAdapter(t, cfg, conn, nil)

	_, err := adapter.Authenticate(context.Background(),
		federation.Request{Username: "jdoe", Password: "secret"})
	assert.ErrorIs(t, err, federation.ErrInvalidConfiguration)
}

func TestAuthenticate_SyncAttributesAsUserResyncsProfile(t *testing.T) {
	cfg := testConfig()
	cfg.SyncAttributesAsUser = true
	conn := &fakeConn{
		entries:      []*goldap.Entry{jdoeEntry("service-view@example.org")},
		freshEntries: []*goldap.Entry{jdoeEntry("user-view@example.org")},
	}
	var seenEmails []string
	resolve := func(ctx context.Context, p *principal.Principal, protocol federation.Protocol) error {
		email, _ := p.Attributes.First(attr.AttrEmail)
		seenEmails = append(seenEmails, email)
		p.AccountID = "acct-1"
		return nil
	}
	adapter := newFlowAdapter(t, cfg, conn, resolve)

	identity, err := adapter.Authenticate(context.Background(),
		federation.Request{Username: "jdoe", Password: "secret"})
	require.NoError(t, err)

	// The second resolve carries the post-bind view so the stored
	// profile picks up attributes hidden from the service account.
	assert.Equal(t, []string{"service-view@example.org", "user-view@example.org"}, seenEmails)
	email, ok := identity.Principal.Attributes.First(attr.AttrEmail)
	require.True(t, ok)
	assert.Equal(t, "user-view@example.org", email)
}

func TestAuthenticate_ReFetchFailureKeepsServiceView(t *testing.T) {
	cfg := testConfig()
	cfg.SyncAttributesAsUser = true
	conn := &fakeConn{
		entries:      []*goldap.Entry{jdoeEntry("service-view@example.org")},
		freshEntries: []*goldap.Entry{},
	}
	resolves := 0
	resolve := func(ctx context.Context, p *principal.Principal, protocol federation.Protocol) error {
		resolves++
		p.AccountID = "acct-1"
		return nil
	}
	adapter := newFlowAdapter(t, cfg, conn, resolve)

	identity, err := adapter.Authenticate(context.Background(),
		federation.Request{Username: "jdoe", Password: "secret"})
	require.NoError(t, err)

	assert.Equal(t, 1, resolves)
	email, ok := identity.Principal.Attributes.First(attr.AttrEmail)
	require.True(t, ok)
	assert.Equal(t, "service-view@example.org", email)
}

func TestNewAdapter_Defaults(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "person", adapter.cfg.ObjectClass)
	assert.Positive(t, adapter.cfg.ConnectTimeout)
	assert.Positive(t, adapter.cfg.RequestTimeout)
	assert.Equal(t, federation.ProtocolLDAP, adapter.Protocol())
}
