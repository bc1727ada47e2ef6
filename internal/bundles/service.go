package bundles

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haven-realty/haven-authz/internal/catalog"
	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/shared"
)

// Invalidator clears a principal's cached permissions after a mutation.
type Invalidator interface {
	InvalidatePrincipal(ctx context.Context, principalID string)
}

// Service orchestrates bundle CRUD and bundle application.
type Service struct {
	repo     Repository
	profiles identity.Store
	cache    Invalidator
	audit    shared.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, profiles identity.Store, cache Invalidator, audit shared.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, profiles: profiles, cache: cache, audit: audit, logger: logger, now: time.Now}
}

// validateInput normalizes and checks a bundle definition. A single unknown
// permission identifier rejects the whole write.
func validateInput(input BundleInput) (BundleInput, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return input, fmt.Errorf("bundles: %w: bundle name required", shared.ErrInvalidInput)
	}
	if len(input.Permissions) == 0 {
		return input, fmt.Errorf("bundles: %w: bundle needs at least one permission", shared.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(input.Permissions))
	deduped := make([]string, 0, len(input.Permissions))
	for _, id := range input.Permissions {
		if !catalog.Valid(id) {
			return input, fmt.Errorf("bundles: %w: unknown permission %q", shared.ErrInvalidInput, id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		deduped = append(deduped, id)
	}
	sort.Strings(deduped)
	input.Permissions = deduped
	return input, nil
}

// CreateBundle validates and inserts a bundle definition.
func (s *Service) CreateBundle(ctx context.Context, input BundleInput) (Bundle, error) {
	input, err := validateInput(input)
	if err != nil {
		return Bundle{}, err
	}
	return s.repo.Create(ctx, input)
}

// UpdateBundle validates and replaces a bundle definition.
func (s *Service) UpdateBundle(ctx context.Context, id uuid.UUID, input BundleInput) (Bundle, error) {
	input, err := validateInput(input)
	if err != nil {
		return Bundle{}, err
	}
	return s.repo.Update(ctx, id, input)
}

// DeleteBundle removes a bundle definition. Principals keep permissions
// already applied from it; only the definition goes away.
func (s *Service) DeleteBundle(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

// GetBundle fetches one bundle.
func (s *Service) GetBundle(ctx context.Context, id uuid.UUID) (Bundle, error) {
	return s.repo.Get(ctx, id)
}

// ListBundles returns all bundle definitions.
func (s *Service) ListBundles(ctx context.Context) ([]Bundle, error) {
	return s.repo.List(ctx)
}

// ApplyToUser unions the bundle's permissions into the principal's profile.
// Only permissions newly added by this call get bundle provenance;
// permissions the principal already held keep their original provenance
// untouched. The full profile blob is merged and written back in one shot.
func (s *Service) ApplyToUser(ctx context.Context, input ApplyInput) (ApplyResult, error) {
	if input.PrincipalID == "" {
		return ApplyResult{}, fmt.Errorf("bundles: %w: principal id required", shared.ErrInvalidInput)
	}
	if input.AppliedBy == "" {
		return ApplyResult{}, fmt.Errorf("bundles: %w: applied_by required", shared.ErrInvalidInput)
	}
	now := s.now()
	if input.Temporary && (input.ExpiresAt == nil || !input.ExpiresAt.After(now)) {
		return ApplyResult{}, fmt.Errorf("bundles: %w: temporary apply needs a future expires_at", shared.ErrInvalidInput)
	}
	bundle, err := s.repo.Get(ctx, input.BundleID)
	if err != nil {
		return ApplyResult{}, err
	}
	profile, err := s.profiles.GetProfile(ctx, input.PrincipalID)
	if err != nil {
		return ApplyResult{}, err
	}

	if profile.PermissionMeta == nil {
		profile.PermissionMeta = make(map[string]identity.GrantMeta)
	}
	if profile.TemporaryPermissions == nil {
		profile.TemporaryPermissions = make(map[string]identity.TemporaryGrant)
	}

	var result ApplyResult
	for _, perm := range bundle.Permissions {
		if profile.HasExplicit(perm) {
			result.AlreadyHeld = append(result.AlreadyHeld, perm)
			continue
		}
		if input.Temporary {
			if existing, ok := profile.TemporaryPermissions[perm]; ok && existing.ExpiresAt.After(now) {
				result.AlreadyHeld = append(result.AlreadyHeld, perm)
				continue
			}
			profile.TemporaryPermissions[perm] = identity.TemporaryGrant{
				GrantedAt:  now,
				ExpiresAt:  *input.ExpiresAt,
				GrantedBy:  input.AppliedBy,
				Source:     identity.SourceBundle,
				BundleID:   bundle.ID.String(),
				BundleName: bundle.Name,
				Reason:     input.Reason,
			}
		} else {
			profile.Permissions = append(profile.Permissions, perm)
			profile.PermissionMeta[perm] = identity.GrantMeta{
				Source:     identity.SourceBundle,
				BundleID:   bundle.ID.String(),
				BundleName: bundle.Name,
				Reason:     input.Reason,
				GrantedBy:  input.AppliedBy,
				GrantedAt:  now,
			}
		}
		result.Added = append(result.Added, perm)
	}
	sort.Strings(result.Added)
	sort.Strings(result.AlreadyHeld)

	if len(result.Added) > 0 {
		if err := s.profiles.UpdateProfile(ctx, profile); err != nil {
			return ApplyResult{}, err
		}
		s.recordAudit(ctx, shared.AuditLog{
			Actor:    input.AppliedBy,
			Action:   "bundles.apply",
			Entity:   "principal",
			EntityID: input.PrincipalID,
			Meta: map[string]any{
				"bundle_id":   bundle.ID.String(),
				"bundle_name": bundle.Name,
				"added":       result.Added,
				"temporary":   input.Temporary,
				"reason":      input.Reason,
			},
			At: now,
		})
		if s.cache != nil {
			s.cache.InvalidatePrincipal(ctx, input.PrincipalID)
		}
	}
	return result, nil
}

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", log.Action), slog.Any("error", err))
	}
}
