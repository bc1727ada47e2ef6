// Package access computes effective permissions for principals and caches
// the results.
package access

import (
	"time"

	"github.com/haven-realty/haven-authz/internal/catalog"
	"github.com/haven-realty/haven-authz/internal/identity"
)

// Resolve computes the effective permission set for a profile at the given
// instant: role defaults, explicit grants, and unexpired temporary grants.
// Expired temporary entries are filtered out but never removed from the
// profile; pruning is the reconciler's job.
func Resolve(profile identity.Profile, now time.Time) catalog.Set {
	set := catalog.DefaultPermissions(profile.Role)
	for _, perm := range profile.Permissions {
		set.Add(perm)
	}
	for perm, grant := range profile.TemporaryPermissions {
		if grant.ExpiresAt.After(now) {
			set.Add(perm)
		}
	}
	return set
}

// Check reports whether the profile holds the permission at the given
// instant.
func Check(profile identity.Profile, permissionID string, now time.Time) bool {
	return Resolve(profile, now).Has(permissionID)
}

// CheckAll reports whether the profile holds every listed permission. An
// empty list is false: requiring nothing is not a meaningful allow.
func CheckAll(profile identity.Profile, permissionIDs []string, now time.Time) bool {
	if len(permissionIDs) == 0 {
		return false
	}
	set := Resolve(profile, now)
	for _, id := range permissionIDs {
		if !set.Has(id) {
			return false
		}
	}
	return true
}

// CheckAny reports whether the profile holds at least one listed
// permission. An empty list is false.
func CheckAny(profile identity.Profile, permissionIDs []string, now time.Time) bool {
	if len(permissionIDs) == 0 {
		return false
	}
	set := Resolve(profile, now)
	for _, id := range permissionIDs {
		if set.Has(id) {
			return true
		}
	}
	return false
}
