// Package grants persists permission grants scoped to individual resource
// instances.
package grants

import (
	"time"

	"github.com/google/uuid"
)

// Grant is a resource-scoped permission grant. Revocation flips Active and
// stamps the revocation fields; rows are never deleted so the audit history
// survives. An expired grant stays Active until a reconciliation run flips
// it, so readers must apply the expiry predicate themselves.
type Grant struct {
	ID           uuid.UUID
	PrincipalID  string
	PermissionID string
	ResourceType string
	ResourceID   string
	Active       bool
	GrantedAt    time.Time
	GrantedBy    string
	ExpiresAt    *time.Time
	Reason       string
	RevokedAt    *time.Time
	RevokedBy    string
	RevokeReason string
	UpdatedAt    time.Time
}

// Expired reports whether the grant's expiry has passed at the given
// instant. Grants without an expiry never expire.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// GrantInput carries the fields for creating or refreshing a grant.
type GrantInput struct {
	PrincipalID  string
	PermissionID string
	ResourceType string
	ResourceID   string
	GrantedBy    string
	Reason       string
	ExpiresAt    *time.Time
}

// RevokeInput identifies the grant tuple to revoke.
type RevokeInput struct {
	PrincipalID  string
	PermissionID string
	ResourceType string
	ResourceID   string
	RevokedBy    string
	Reason       string
}

// RevokeResult reports the outcome of a revoke call. Found is false when no
// active grant matched; callers commonly revoke idempotently, so that is
// not an error.
type RevokeResult struct {
	Found bool
	Grant Grant
}

// ResourceList is the answer to "which resources of this type can the
// principal act on". All set means the principal holds the permission
// role-wide or explicitly and is unrestricted; an empty IDs slice with All
// unset means no resource-scoped access at all.
type ResourceList struct {
	All bool
	IDs []string
}
