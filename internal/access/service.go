package access

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haven-realty/haven-authz/internal/catalog"
	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/shared"
)

// Service is the permission facade used by the rest of the application. It
// loads profiles, resolves effective permissions through the cache, and
// fans invalidations out to peer instances.
type Service struct {
	profiles  identity.Store
	cache     *PermissionCache
	broadcast *Broadcaster
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the facade. broadcast may be nil.
func NewService(profiles identity.Store, cache *PermissionCache, broadcast *Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		profiles:  profiles,
		cache:     cache,
		broadcast: broadcast,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) loadProfile(ctx context.Context, ref identity.Ref) (identity.Profile, error) {
	if profile, ok := ref.Profile(); ok {
		return profile, nil
	}
	if ref.ID() == "" {
		return identity.Profile{}, fmt.Errorf("access: %w: principal reference is empty", shared.ErrInvalidInput)
	}
	return s.profiles.GetProfile(ctx, ref.ID())
}

func (s *Service) resolveSet(ctx context.Context, ref identity.Ref) (catalog.Set, error) {
	key := s.cache.Key(ref)
	return s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (catalog.Set, error) {
		profile, err := s.loadProfile(ctx, ref)
		if err != nil {
			return nil, err
		}
		return Resolve(profile, s.now()), nil
	})
}

// GetUserPermissions returns the principal's effective permissions, sorted.
func (s *Service) GetUserPermissions(ctx context.Context, ref identity.Ref) ([]string, error) {
	set, err := s.resolveSet(ctx, ref)
	if err != nil {
		return nil, err
	}
	return set.Slice(), nil
}

// HasPermission reports whether the principal holds the permission. On a
// store failure it fails closed: the result is false and the error carries
// the cause for callers that want to retry.
func (s *Service) HasPermission(ctx context.Context, ref identity.Ref, permissionID string) (bool, error) {
	key := s.cache.Key(ref)
	if allowed, ok := s.cache.GetCheck(key, permissionID); ok {
		return allowed, nil
	}
	set, err := s.resolveSet(ctx, ref)
	if err != nil {
		return false, err
	}
	allowed := set.Has(permissionID)
	s.cache.SetCheck(key, permissionID, allowed)
	return allowed, nil
}

// HasAllPermissions reports whether the principal holds every listed
// permission. An empty list is false.
func (s *Service) HasAllPermissions(ctx context.Context, ref identity.Ref, permissionIDs []string) (bool, error) {
	if len(permissionIDs) == 0 {
		return false, nil
	}
	set, err := s.resolveSet(ctx, ref)
	if err != nil {
		return false, err
	}
	for _, id := range permissionIDs {
		if !set.Has(id) {
			return false, nil
		}
	}
	return true, nil
}

// HasAnyPermission reports whether the principal holds at least one listed
// permission. An empty list is false.
func (s *Service) HasAnyPermission(ctx context.Context, ref identity.Ref, permissionIDs []string) (bool, error) {
	if len(permissionIDs) == 0 {
		return false, nil
	}
	set, err := s.resolveSet(ctx, ref)
	if err != nil {
		return false, err
	}
	for _, id := range permissionIDs {
		if set.Has(id) {
			return true, nil
		}
	}
	return false, nil
}

// GetDomainPermissions returns the effective permissions the principal
// holds within one domain.
func (s *Service) GetDomainPermissions(ctx context.Context, ref identity.Ref, domain string) ([]string, error) {
	key := s.cache.Key(ref)
	if perms, ok := s.cache.GetDomain(key, domain); ok {
		return perms, nil
	}
	set, err := s.resolveSet(ctx, ref)
	if err != nil {
		return nil, err
	}
	var perms []string
	for _, id := range set.Slice() {
		if catalog.Domain(id) == domain {
			perms = append(perms, id)
		}
	}
	s.cache.SetDomain(key, domain, perms)
	return perms, nil
}

// ClearUserPermissionCache drops the principal from every cache table on
// this instance and announces the invalidation to peers.
func (s *Service) ClearUserPermissionCache(ctx context.Context, ref identity.Ref) {
	key := s.cache.Key(ref)
	if key == "" {
		return
	}
	s.cache.Invalidate(key)
	if err := s.broadcast.Publish(ctx, key); err != nil {
		s.logger.Warn("publish cache invalidation", slog.String("principal", key), slog.Any("error", err))
	}
}

// InvalidatePrincipal invalidates by bare principal id. It is the hook
// mutation services call before reporting success.
func (s *Service) InvalidatePrincipal(ctx context.Context, principalID string) {
	s.ClearUserPermissionCache(ctx, identity.RefID(principalID))
}
