// Package identity models principal profiles held by the identity provider
// and the client used to read and write them.
package identity

import (
	"context"
	"time"

	"github.com/haven-realty/haven-authz/internal/catalog"
)

// Grant provenance sources.
const (
	SourceDirect = "direct"
	SourceBundle = "bundle"
)

// GrantMeta records where an explicit permission came from.
type GrantMeta struct {
	Source     string    `json:"source"`
	BundleID   string    `json:"bundle_id,omitempty"`
	BundleName string    `json:"bundle_name,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	GrantedBy  string    `json:"granted_by,omitempty"`
	GrantedAt  time.Time `json:"granted_at"`
}

// TemporaryGrant is a time-bounded permission entry. Expired entries remain
// on the profile until a reconciliation run prunes them; readers filter by
// ExpiresAt.
type TemporaryGrant struct {
	GrantedAt  time.Time `json:"granted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	GrantedBy  string    `json:"granted_by,omitempty"`
	Source     string    `json:"source,omitempty"`
	BundleID   string    `json:"bundle_id,omitempty"`
	BundleName string    `json:"bundle_name,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Profile is the authorization-relevant slice of a principal's identity
// provider record.
type Profile struct {
	ID                   string
	Email                string
	Role                 catalog.Role
	Permissions          []string
	PermissionMeta       map[string]GrantMeta
	TemporaryPermissions map[string]TemporaryGrant
}

// HasExplicit reports whether the profile's explicit list contains id.
func (p Profile) HasExplicit(id string) bool {
	for _, perm := range p.Permissions {
		if perm == id {
			return true
		}
	}
	return false
}

// Ref is a principal reference: either a bare id or a full profile already
// loaded by the caller. Resolved once at the API boundary.
type Ref struct {
	id      string
	profile *Profile
}

// RefID builds a reference from a principal id.
func RefID(id string) Ref {
	return Ref{id: id}
}

// RefProfile builds a reference from a loaded profile.
func RefProfile(p Profile) Ref {
	return Ref{id: p.ID, profile: &p}
}

// ID returns the principal id, empty when neither id nor profile id is set.
func (r Ref) ID() string {
	return r.id
}

// Profile returns the embedded profile when the reference carries one.
func (r Ref) Profile() (Profile, bool) {
	if r.profile == nil {
		return Profile{}, false
	}
	return *r.profile, true
}

// Email returns the profile email when available.
func (r Ref) Email() string {
	if r.profile == nil {
		return ""
	}
	return r.profile.Email
}

// Store reads and writes principal profiles at the identity provider. The
// provider has no partial-field semantics: UpdateProfile writes the full
// metadata blob, so callers must merge before writing.
type Store interface {
	GetProfile(ctx context.Context, id string) (Profile, error)
	UpdateProfile(ctx context.Context, profile Profile) error
	ListProfiles(ctx context.Context, offset, limit int) ([]Profile, error)
}
