// Package ldap authenticates users against an LDAP directory with a
// search-then-bind flow.
package ldap

import (
	"context"
	"fmt"
	"net"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/openmeet/federation/pkg/attr"
	"github.com/openmeet/federation/pkg/federation"
	"github.com/openmeet/federation/pkg/observability"
	"github.com/openmeet/federation/pkg/principal"
)

// Config holds the LDAP adapter settings.
type Config struct {
	// URL is the directory address, e.g. ldaps://ldap.example.org:636.
	URL string

	// BindDN and BindPassword authenticate the service connection used
	// for the user search. Empty means anonymous search.
	BindDN       string
	BindPassword string

	// BaseDN is the subtree searched for user entries.
	BaseDN string

	// ObjectClass restricts the search to entries of this class.
	ObjectClass string

	// LoginAttribute is the entry attribute matched against the
	// presented login, e.g. uid.
	LoginAttribute string

	// AttributeMap maps logical attribute names to entry attribute
	// names. Only mapped attributes are requested from the directory.
	AttributeMap attr.Map

	// SyncAttributesAsUser re-reads the entry over the user's own bound
	// connection after bind, for directories that hide attributes from
	// the service account.
	SyncAttributesAsUser bool

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// directoryConn is the subset of *goldap.Conn the adapter drives, kept
// narrow so the search-resolve-bind flow is testable without a live
// directory.
type directoryConn interface {
	Bind(username, password string) error
	Search(req *goldap.SearchRequest) (*goldap.SearchResult, error)
	Close() error
}

// Adapter implements federation.IdentityAdapter against an LDAP
// directory. The account is resolved between search and bind, so a
// directory entry gets a local account even when the first bind attempt
// carries a wrong password.
type Adapter struct {
	cfg     Config
	resolve federation.AccountResolver
	logger  *observability.Logger
	dial    func() (directoryConn, error)
}

// NewAdapter creates an LDAP adapter. The resolver is invoked after the
// directory search and before the bind.
func NewAdapter(cfg Config, resolve federation.AccountResolver, logger *observability.Logger) (*Adapter, error) {
	if cfg.URL == "" || cfg.BaseDN == "" || cfg.LoginAttribute == "" {
		return nil, federation.ConfigError("ldap url, base dn and login attribute are required")
	}
	if cfg.ObjectClass == "" {
		cfg.ObjectClass = "person"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	a := &Adapter{cfg: cfg, resolve: resolve, logger: logger}
	a.dial = a.dialDirectory
	return a, nil
}

// Protocol returns the adapter's protocol tag.
func (a *Adapter) Protocol() federation.Protocol {
	return federation.ProtocolLDAP
}

// Authenticate searches for the user entry, resolves the local account
// and then verifies the password with a bind as the entry DN.
func (a *Adapter) Authenticate(ctx context.Context, req federation.Request) (*federation.Identity, error) {
	if req.Username == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: empty login or password", federation.ErrInvalidCredentials)
	}
	log := a.logger.WithField("login", req.Username)

	conn, err := a.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrNetworkIssue, err)
	}
	defer conn.Close()

	if a.cfg.BindDN != "" {
		if err := conn.Bind(a.cfg.BindDN, a.cfg.BindPassword); err != nil {
			if goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials) {
				return nil, federation.ConfigError("service bind rejected: %v", err)
			}
			return nil, fmt.Errorf("%w: service bind failed: %v", federation.ErrNetworkIssue, err)
		}
	}

	entry, err := a.searchEntry(conn, req.Username)
	if err != nil {
		log.WithError(err).Warn("ldap user search failed")
		return nil, err
	}

	bag := a.entryBag(entry)
	p := principal.New(bag)
	if a.resolve != nil {
		if err := a.resolve(ctx, p, federation.ProtocolLDAP); err != nil {
			return nil, err
		}
	}

	if err := conn.Bind(entry.DN, req.Password); err != nil {
		if goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials) {
			log.Warn("ldap bind rejected")
			return nil, federation.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: bind failed: %v", federation.ErrNetworkIssue, err)
	}

	if a.cfg.SyncAttributesAsUser {
		// The connection is now bound as the user, so a re-read sees
		// attributes the service account may not. The account profile
		// was already written from the service-account view, so resolve
		// again to sync it from the refreshed bag.
		if fresh, err := a.searchEntry(conn, req.Username); err == nil {
			p.Attributes = a.entryBag(fresh)
			if a.resolve != nil {
				if err := a.resolve(ctx, p, federation.ProtocolLDAP); err != nil {
					return nil, err
				}
			}
		} else {
			log.WithError(err).Warn("post-bind attribute re-fetch failed, keeping service-account view")
		}
	}

	log.Info("ldap authentication succeeded")
	return &federation.Identity{Principal: p}, nil
}

func (a *Adapter) dialDirectory() (directoryConn, error) {
	conn, err := goldap.DialURL(a.cfg.URL, goldap.DialWithDialer(&net.Dialer{Timeout: a.cfg.ConnectTimeout}))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(a.cfg.RequestTimeout)
	return conn, nil
}

func (a *Adapter) searchEntry(conn directoryConn, login string) (*goldap.Entry, error) {
	filter := fmt.Sprintf("(&(objectClass=%s)(%s=%s))",
		goldap.EscapeFilter(a.cfg.ObjectClass),
		a.cfg.LoginAttribute,
		goldap.EscapeFilter(login))

	attrs := make([]string, 0, len(a.cfg.AttributeMap))
	for _, source := range a.cfg.AttributeMap {
		attrs = append(attrs, source)
	}

	result, err := conn.Search(goldap.NewSearchRequest(
		a.cfg.BaseDN,
		goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases,
		2, int(a.cfg.RequestTimeout.Seconds()), false,
		filter,
		attrs,
		nil,
	))
	if err != nil {
		return nil, fmt.Errorf("%w: search failed: %v", federation.ErrNetworkIssue, err)
	}
	switch len(result.Entries) {
	case 0:
		return nil, federation.ErrUserNotFound
	case 1:
		return result.Entries[0], nil
	default:
		return nil, federation.ConfigError("login %q matches %d directory entries", login, len(result.Entries))
	}
}

func (a *Adapter) entryBag(entry *goldap.Entry) *attr.Bag {
	raw := make(map[string]interface{}, len(entry.Attributes))
	for _, entryAttr := range entry.Attributes {
		raw[entryAttr.Name] = entryAttr.Values
	}
	return attr.MapRaw(raw, a.cfg.AttributeMap)
}
