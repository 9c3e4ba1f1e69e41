// Package attr holds the normalized attribute model shared by every
// identity protocol adapter.
//
// A Bag is the multi-valued attribute set of one externally
// authenticated principal. Adapters never populate a Bag directly;
// they hand their raw protocol payload (LDAP entry attributes, OIDC
// claims, SAML assertion attributes, SSO agent headers) to MapRaw
// together with a configured attribute Map, which translates
// protocol-specific source names into the logical names the rest of
// the core operates on.
//
// Mapping is total: unmapped keys, missing keys and odd value shapes
// never produce an error at this stage. Whether required attributes
// are actually present is decided later by the principal layer.
package attr
