// Package auth defines the identity bound to a transaction or session:
// system, admin, or an authenticated end-user carrying JWT/OIDC claims
// (§4.3, §4.8). Kept separate from pkg/txn and pkg/session so both can
// depend on it without an import cycle.
package auth

// Kind distinguishes the three identity classes recognized by the store.
type Kind int

const (
	KindSystem Kind = iota
	KindAdmin
	KindUser
)

// Identity is the principal a transaction or session runs as.
type Identity struct {
	Kind    Kind
	Subject string
	Claims  map[string]interface{}
}

// System returns the identity used by internal components (retention,
// backfill, scheduler) that bypass developer-view restrictions.
func System() Identity { return Identity{Kind: KindSystem, Subject: "system"} }

// Admin returns the identity used by the admin CLI.
func Admin() Identity { return Identity{Kind: KindAdmin, Subject: "admin"} }

// User returns an authenticated end-user identity carrying JWT/OIDC claims.
func User(subject string, claims map[string]interface{}) Identity {
	return Identity{Kind: KindUser, Subject: subject, Claims: claims}
}

// CanAccessSystemTables reports whether this identity may read or write
// tables whose name is reserved for internal bookkeeping (§4.3: "writes on
// system tables require admin/system identity").
func (id Identity) CanAccessSystemTables() bool {
	return id.Kind == KindSystem || id.Kind == KindAdmin
}

// IsAuthenticated reports whether this is a real end-user identity, as
// opposed to an anonymous connection.
func (id Identity) IsAuthenticated() bool { return id.Kind == KindUser && id.Subject != "" }
