// Package catalog defines the closed permission catalog and per-role defaults.
package catalog

import (
	"sort"
	"strings"
)

// Role enumerates the platform roles, lowest privilege first.
type Role string

const (
	RoleUser      Role = "user"
	RoleAgent     Role = "agent"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Permission domains.
const (
	DomainListings   = "listings"
	DomainUsers      = "users"
	DomainMedia      = "media"
	DomainFinance    = "finance"
	DomainModeration = "moderation"
	DomainSystem     = "system"
)

// Permission identifiers, one constant per grantable capability.
const (
	PermListingsView    = "listings:view"
	PermListingsCreate  = "listings:create"
	PermListingsEdit    = "listings:edit"
	PermListingsDelete  = "listings:delete"
	PermListingsSubmit  = "listings:submit"
	PermListingsApprove = "listings:approve"
	PermListingsPublish = "listings:publish"
	PermListingsFeature = "listings:feature"

	PermUsersView        = "users:view"
	PermUsersEdit        = "users:edit"
	PermUsersSuspend     = "users:suspend"
	PermUsersManageRoles = "users:manage_roles"

	PermMediaView     = "media:view"
	PermMediaUpload   = "media:upload"
	PermMediaDelete   = "media:delete"
	PermMediaModerate = "media:moderate"

	PermFinanceView    = "finance:view"
	PermFinanceManage  = "finance:manage"
	PermFinancePayouts = "finance:payouts"

	PermModerationView    = "moderation:view"
	PermModerationResolve = "moderation:resolve"
	PermModerationRemove  = "moderation:remove"

	PermSystemAudit    = "system:audit"
	PermSystemSettings = "system:settings"
	PermSystemBundles  = "system:bundles"
)

var all = []string{
	PermListingsView, PermListingsCreate, PermListingsEdit, PermListingsDelete,
	PermListingsSubmit, PermListingsApprove, PermListingsPublish, PermListingsFeature,
	PermUsersView, PermUsersEdit, PermUsersSuspend, PermUsersManageRoles,
	PermMediaView, PermMediaUpload, PermMediaDelete, PermMediaModerate,
	PermFinanceView, PermFinanceManage, PermFinancePayouts,
	PermModerationView, PermModerationResolve, PermModerationRemove,
	PermSystemAudit, PermSystemSettings, PermSystemBundles,
}

var (
	allSet   Set
	defaults map[Role]Set
)

func init() {
	allSet = NewSet(all...)

	userSet := NewSet(
		PermListingsView,
		PermMediaView,
		PermMediaUpload,
	)
	agentSet := userSet.Union(NewSet(
		PermListingsCreate,
		PermListingsEdit,
		PermListingsDelete,
		PermListingsSubmit,
		PermFinanceView,
	))
	moderatorSet := agentSet.Union(NewSet(
		PermListingsApprove,
		PermListingsPublish,
		PermModerationView,
		PermModerationResolve,
		PermModerationRemove,
		PermMediaModerate,
		PermMediaDelete,
		PermUsersView,
	))

	defaults = map[Role]Set{
		RoleUser:      userSet,
		RoleAgent:     agentSet,
		RoleModerator: moderatorSet,
		// Admin holds the full catalog; new permissions are picked up
		// automatically without touching this table.
		RoleAdmin: allSet.Clone(),
	}
}

// All returns every permission identifier in the catalog.
func All() []string {
	out := make([]string, len(all))
	copy(out, all)
	return out
}

// Valid reports whether id names a permission in the catalog.
func Valid(id string) bool {
	return allSet.Has(id)
}

// Domain extracts the domain component of a permission identifier.
func Domain(id string) string {
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i]
	}
	return ""
}

// Domains returns the catalog domains in sorted order.
func Domains() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range all {
		d := Domain(id)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// DefaultPermissions returns the role's default permission set. An
// unrecognized role falls back to the lowest-privilege defaults.
func DefaultPermissions(role Role) Set {
	if set, ok := defaults[role]; ok {
		return set.Clone()
	}
	return defaults[RoleUser].Clone()
}

// ValidRole reports whether role is one of the fixed role values.
func ValidRole(role Role) bool {
	_, ok := defaults[role]
	return ok
}
