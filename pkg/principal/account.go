package principal

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/openmeet/federation/pkg/attr"
)

// Account is the local representation of an externally managed user.
// While the account's authenticator stays external, first name, last
// name and email are overwritten from the identity source on every
// login; the local row is not the system of record for them.
type Account struct {
	ID            string
	Authenticator string
	ExternalID    string
	Username      string
	Email         string
	FirstName     string
	LastName      string
	Locale        string
	Timezone      string
	PasswordHash  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Defaults are applied when an account is first provisioned.
type Defaults struct {
	Locale   string
	Timezone string
}

// Store is the account persistence contract consumed by the federation
// core; the relational implementation lives elsewhere.
type Store interface {
	// FindOrCreate looks up the account keyed by (authenticator,
	// externalID), creating it with the given defaults when absent.
	// The bool reports whether the account was created.
	FindOrCreate(ctx context.Context, authenticator, externalID string, defaults Defaults) (*Account, bool, error)

	// Save persists the account's mutable profile fields.
	Save(ctx context.Context, account *Account) error

	// SyncRoles reconciles the account's automatically assigned roles
	// against the desired set: missing desired roles are added tagged
	// automatic, automatic roles not in the set are removed, manually
	// granted roles are never touched.
	SyncRoles(ctx context.Context, accountID string, desired []string) error
}

// ResolveConfig controls account resolution for one protocol.
type ResolveConfig struct {
	// IdentityAttribute is the logical attribute keying the account.
	// Defaults to external_id.
	IdentityAttribute string

	// Mandatory lists additional logical attributes that must be
	// present after mapping for authentication to proceed.
	Mandatory []string

	Defaults Defaults
}

// Resolve finds or creates the local account for the principal and
// synchronizes its profile fields from the attribute bag. The identity
// attribute and every configured mandatory attribute must be present;
// otherwise a MissingAttributeError is returned and nothing is written.
func Resolve(ctx context.Context, store Store, p *Principal, protocolTag string, cfg ResolveConfig) (*Account, bool, error) {
	identityAttr := cfg.IdentityAttribute
	if identityAttr == "" {
		identityAttr = attr.AttrExternalID
	}

	externalID, ok := p.First(identityAttr)
	if !ok {
		return nil, false, &MissingAttributeError{Name: identityAttr}
	}
	for _, name := range cfg.Mandatory {
		if !p.Attributes.Has(name) {
			return nil, false, &MissingAttributeError{Name: name}
		}
	}

	account, created, err := store.FindOrCreate(ctx, protocolTag, externalID, cfg.Defaults)
	if err != nil {
		return nil, false, err
	}
	if created {
		account.PasswordHash = UnusablePassword()
	}

	syncProfile(account, p)
	if err := store.Save(ctx, account); err != nil {
		return nil, created, err
	}

	p.AccountID = account.ID
	return account, created, nil
}

// syncProfile overwrites the mutable profile fields from the bag.
func syncProfile(account *Account, p *Principal) {
	if v, ok := p.First(attr.AttrUsername); ok {
		account.Username = v
	}
	if v, ok := p.First(attr.AttrEmail); ok {
		account.Email = v
	}
	if v, ok := p.First(attr.AttrFirstName); ok {
		account.FirstName = v
	}
	if v, ok := p.First(attr.AttrLastName); ok {
		account.LastName = v
	}
}

// UnusablePassword returns a random placeholder that can never verify
// against any presented password; externally managed accounts must not
// authenticate locally.
func UnusablePassword() string {
	b := make([]byte, 32)
	rand.Read(b)
	return "!" + base64.RawStdEncoding.EncodeToString(b)
}
