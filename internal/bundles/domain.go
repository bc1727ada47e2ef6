// Package bundles manages named groups of permissions that can be applied
// to a principal atomically.
package bundles

import (
	"time"

	"github.com/google/uuid"
)

// Bundle is a named, reusable set of permission identifiers.
type Bundle struct {
	ID          uuid.UUID
	Name        string
	Description string
	Permissions []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BundleInput carries the fields for creating or updating a bundle.
type BundleInput struct {
	Name        string
	Description string
	Permissions []string
}

// ApplyInput describes a bundle application to one principal.
type ApplyInput struct {
	PrincipalID string
	BundleID    uuid.UUID
	AppliedBy   string
	Reason      string
	Temporary   bool
	ExpiresAt   *time.Time
}

// ApplyResult reports which permissions the application actually added.
// Permissions the principal already held keep their original provenance and
// are listed separately.
type ApplyResult struct {
	Added       []string
	AlreadyHeld []string
}
