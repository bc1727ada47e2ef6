package grants

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haven-realty/haven-authz/internal/catalog"
	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/shared"
)

// PermissionFacade is the slice of the access facade this service needs:
// role-wide short-circuit checks and cache invalidation after mutations.
type PermissionFacade interface {
	HasPermission(ctx context.Context, ref identity.Ref, permissionID string) (bool, error)
	InvalidatePrincipal(ctx context.Context, principalID string)
}

// Service orchestrates resource-scoped grant operations.
type Service struct {
	repo   Repository
	access PermissionFacade
	audit  shared.Recorder
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, access PermissionFacade, audit shared.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, access: access, audit: audit, logger: logger, now: time.Now}
}

func validateTuple(principalID, permissionID, resourceType, resourceID string) error {
	switch {
	case principalID == "":
		return fmt.Errorf("grants: %w: principal id required", shared.ErrInvalidInput)
	case !catalog.Valid(permissionID):
		return fmt.Errorf("grants: %w: unknown permission %q", shared.ErrInvalidInput, permissionID)
	case resourceType == "":
		return fmt.Errorf("grants: %w: resource type required", shared.ErrInvalidInput)
	case resourceID == "":
		return fmt.Errorf("grants: %w: resource id required", shared.ErrInvalidInput)
	}
	return nil
}

// Grant creates a resource-scoped grant, or refreshes the existing active
// grant for the same tuple. Idempotent: a repeat call updates expiry,
// reason, and grantor on the one active row instead of inserting a second.
func (s *Service) Grant(ctx context.Context, input GrantInput) (Grant, error) {
	if err := validateTuple(input.PrincipalID, input.PermissionID, input.ResourceType, input.ResourceID); err != nil {
		return Grant{}, err
	}
	if input.GrantedBy == "" {
		return Grant{}, fmt.Errorf("grants: %w: granted_by required", shared.ErrInvalidInput)
	}
	now := s.now()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return Grant{}, fmt.Errorf("grants: %w: expires_at must be in the future", shared.ErrInvalidInput)
	}
	grant, err := s.repo.Upsert(ctx, input, now)
	if err != nil {
		return Grant{}, err
	}
	s.recordAudit(ctx, shared.AuditLog{
		Actor:    input.GrantedBy,
		Action:   "grants.grant",
		Entity:   "resource_grant",
		EntityID: grant.ID.String(),
		Meta: map[string]any{
			"principal_id":  input.PrincipalID,
			"permission_id": input.PermissionID,
			"resource_type": input.ResourceType,
			"resource_id":   input.ResourceID,
			"reason":        input.Reason,
		},
		At: now,
	})
	s.access.InvalidatePrincipal(ctx, input.PrincipalID)
	return grant, nil
}

// Revoke deactivates the active grant for the tuple. A missing grant is a
// non-fatal outcome reported through RevokeResult.Found.
func (s *Service) Revoke(ctx context.Context, input RevokeInput) (RevokeResult, error) {
	if err := validateTuple(input.PrincipalID, input.PermissionID, input.ResourceType, input.ResourceID); err != nil {
		return RevokeResult{}, err
	}
	now := s.now()
	grant, found, err := s.repo.Revoke(ctx, input, now)
	if err != nil {
		return RevokeResult{}, err
	}
	if !found {
		return RevokeResult{Found: false}, nil
	}
	s.recordAudit(ctx, shared.AuditLog{
		Actor:    input.RevokedBy,
		Action:   "grants.revoke",
		Entity:   "resource_grant",
		EntityID: grant.ID.String(),
		Meta: map[string]any{
			"principal_id":  input.PrincipalID,
			"permission_id": input.PermissionID,
			"resource_type": input.ResourceType,
			"resource_id":   input.ResourceID,
			"reason":        input.Reason,
		},
		At: now,
	})
	s.access.InvalidatePrincipal(ctx, input.PrincipalID)
	return RevokeResult{Found: true, Grant: grant}, nil
}

// Check reports whether the principal may act on the specific resource. A
// role-wide or explicit grant short-circuits; otherwise the scoped store is
// consulted. Store failures fail closed.
func (s *Service) Check(ctx context.Context, ref identity.Ref, permissionID, resourceType, resourceID string) (bool, error) {
	allowed, err := s.access.HasPermission(ctx, ref, permissionID)
	if err != nil {
		return false, err
	}
	if allowed {
		return true, nil
	}
	principalID := ref.ID()
	if principalID == "" {
		return false, nil
	}
	return s.repo.FindActive(ctx, principalID, permissionID, resourceType, resourceID, s.now())
}

// ListResourcesWithPermission answers which resources of one type the
// principal can act on. A role-wide or explicit grant yields the All
// sentinel; otherwise the scoped store's active, unexpired grants are
// enumerated.
func (s *Service) ListResourcesWithPermission(ctx context.Context, ref identity.Ref, permissionID, resourceType string) (ResourceList, error) {
	allowed, err := s.access.HasPermission(ctx, ref, permissionID)
	if err != nil {
		return ResourceList{}, err
	}
	if allowed {
		return ResourceList{All: true}, nil
	}
	principalID := ref.ID()
	if principalID == "" {
		return ResourceList{}, nil
	}
	ids, err := s.repo.ListResourceIDs(ctx, principalID, permissionID, resourceType, s.now())
	if err != nil {
		return ResourceList{}, err
	}
	return ResourceList{IDs: ids}, nil
}

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", log.Action), slog.Any("error", err))
	}
}
