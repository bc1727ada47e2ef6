package bundles

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/haven-realty/haven-authz/internal/catalog"
	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/shared"
)

type memoryBundleRepo struct {
	bundles map[uuid.UUID]Bundle
}

func newMemoryBundleRepo() *memoryBundleRepo {
	return &memoryBundleRepo{bundles: make(map[uuid.UUID]Bundle)}
}

func (r *memoryBundleRepo) Create(ctx context.Context, input BundleInput) (Bundle, error) {
	bundle := Bundle{
		ID:          uuid.New(),
		Name:        input.Name,
		Description: input.Description,
		Permissions: input.Permissions,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	r.bundles[bundle.ID] = bundle
	return bundle, nil
}

func (r *memoryBundleRepo) Update(ctx context.Context, id uuid.UUID, input BundleInput) (Bundle, error) {
	bundle, ok := r.bundles[id]
	if !ok {
		return Bundle{}, fmt.Errorf("bundles: %s: %w", id, shared.ErrNotFound)
	}
	bundle.Name = input.Name
	bundle.Description = input.Description
	bundle.Permissions = input.Permissions
	bundle.UpdatedAt = time.Now()
	r.bundles[id] = bundle
	return bundle, nil
}

func (r *memoryBundleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := r.bundles[id]; !ok {
		return fmt.Errorf("bundles: %s: %w", id, shared.ErrNotFound)
	}
	delete(r.bundles, id)
	return nil
}

func (r *memoryBundleRepo) Get(ctx context.Context, id uuid.UUID) (Bundle, error) {
	bundle, ok := r.bundles[id]
	if !ok {
		return Bundle{}, fmt.Errorf("bundles: %s: %w", id, shared.ErrNotFound)
	}
	return bundle, nil
}

func (r *memoryBundleRepo) GetByName(ctx context.Context, name string) (Bundle, error) {
	for _, bundle := range r.bundles {
		if bundle.Name == name {
			return bundle, nil
		}
	}
	return Bundle{}, fmt.Errorf("bundles: %q: %w", name, shared.ErrNotFound)
}

func (r *memoryBundleRepo) List(ctx context.Context) ([]Bundle, error) {
	var out []Bundle
	for _, bundle := range r.bundles {
		out = append(out, bundle)
	}
	return out, nil
}

type memoryProfileStore struct {
	profiles map[string]identity.Profile
	updates  int
}

func newMemoryProfileStore() *memoryProfileStore {
	return &memoryProfileStore{profiles: make(map[string]identity.Profile)}
}

func (s *memoryProfileStore) GetProfile(ctx context.Context, id string) (identity.Profile, error) {
	profile, ok := s.profiles[id]
	if !ok {
		return identity.Profile{}, fmt.Errorf("identity: profile %s: %w", id, shared.ErrNotFound)
	}
	return profile, nil
}

func (s *memoryProfileStore) UpdateProfile(ctx context.Context, profile identity.Profile) error {
	s.profiles[profile.ID] = profile
	s.updates++
	return nil
}

func (s *memoryProfileStore) ListProfiles(ctx context.Context, offset, limit int) ([]identity.Profile, error) {
	return nil, nil
}

type stubInvalidator struct {
	invalidated []string
}

func (i *stubInvalidator) InvalidatePrincipal(ctx context.Context, principalID string) {
	i.invalidated = append(i.invalidated, principalID)
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestBundleService() (*Service, *memoryBundleRepo, *memoryProfileStore, *stubInvalidator) {
	repo := newMemoryBundleRepo()
	profiles := newMemoryProfileStore()
	invalidator := &stubInvalidator{}
	svc := NewService(repo, profiles, invalidator, nil, nil)
	svc.now = fixedNow
	return svc, repo, profiles, invalidator
}

func TestCreateBundleRejectsUnknownPermission(t *testing.T) {
	svc, repo, _, _ := newTestBundleService()

	_, err := svc.CreateBundle(context.Background(), BundleInput{
		Name:        "Broken",
		Permissions: []string{catalog.PermListingsView, "listings:teleport"},
	})
	require.ErrorIs(t, err, shared.ErrInvalidInput)
	// No partial write.
	require.Empty(t, repo.bundles)
}

func TestCreateBundleDeduplicates(t *testing.T) {
	svc, _, _, _ := newTestBundleService()

	bundle, err := svc.CreateBundle(context.Background(), BundleInput{
		Name:        "Dupes",
		Permissions: []string{catalog.PermMediaUpload, catalog.PermListingsView, catalog.PermMediaUpload},
	})
	require.NoError(t, err)
	require.Equal(t, []string{catalog.PermListingsView, catalog.PermMediaUpload}, bundle.Permissions)
}

func TestApplyPreservesExistingProvenance(t *testing.T) {
	svc, _, profiles, invalidator := newTestBundleService()
	ctx := context.Background()

	directMeta := identity.GrantMeta{
		Source:    identity.SourceDirect,
		Reason:    "manual grant",
		GrantedBy: "admin_0",
		GrantedAt: fixedNow().Add(-24 * time.Hour),
	}
	profiles.profiles["user_1"] = identity.Profile{
		ID:          "user_1",
		Role:        catalog.RoleUser,
		Permissions: []string{catalog.PermListingsCreate},
		PermissionMeta: map[string]identity.GrantMeta{
			catalog.PermListingsCreate: directMeta,
		},
	}

	bundle, err := svc.CreateBundle(ctx, BundleInput{
		Name:        "Pair",
		Permissions: []string{catalog.PermListingsCreate, catalog.PermListingsEdit},
	})
	require.NoError(t, err)

	result, err := svc.ApplyToUser(ctx, ApplyInput{
		PrincipalID: "user_1",
		BundleID:    bundle.ID,
		AppliedBy:   "admin_1",
		Reason:      "promotion",
	})
	require.NoError(t, err)
	require.Equal(t, []string{catalog.PermListingsEdit}, result.Added)
	require.Equal(t, []string{catalog.PermListingsCreate}, result.AlreadyHeld)

	updated := profiles.profiles["user_1"]
	// The pre-existing direct grant keeps its provenance.
	require.Equal(t, directMeta, updated.PermissionMeta[catalog.PermListingsCreate])
	// The newly added permission carries bundle provenance.
	added := updated.PermissionMeta[catalog.PermListingsEdit]
	require.Equal(t, identity.SourceBundle, added.Source)
	require.Equal(t, bundle.ID.String(), added.BundleID)
	require.Equal(t, "Pair", added.BundleName)
	require.Contains(t, updated.Permissions, catalog.PermListingsEdit)

	require.Equal(t, []string{"user_1"}, invalidator.invalidated)
}

func TestApplyTemporaryWritesTemporaryGrants(t *testing.T) {
	svc, _, profiles, _ := newTestBundleService()
	ctx := context.Background()
	profiles.profiles["user_1"] = identity.Profile{ID: "user_1", Role: catalog.RoleUser}

	bundle, err := svc.CreateBundle(ctx, BundleInput{
		Name:        "Temp",
		Permissions: []string{catalog.PermListingsApprove},
	})
	require.NoError(t, err)

	// Missing expiry is rejected outright.
	_, err = svc.ApplyToUser(ctx, ApplyInput{
		PrincipalID: "user_1",
		BundleID:    bundle.ID,
		AppliedBy:   "admin_1",
		Temporary:   true,
	})
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	expires := fixedNow().Add(24 * time.Hour)
	result, err := svc.ApplyToUser(ctx, ApplyInput{
		PrincipalID: "user_1",
		BundleID:    bundle.ID,
		AppliedBy:   "admin_1",
		Temporary:   true,
		ExpiresAt:   &expires,
	})
	require.NoError(t, err)
	require.Equal(t, []string{catalog.PermListingsApprove}, result.Added)

	grant := profiles.profiles["user_1"].TemporaryPermissions[catalog.PermListingsApprove]
	require.Equal(t, expires, grant.ExpiresAt)
	require.Equal(t, identity.SourceBundle, grant.Source)
	// The explicit list is untouched.
	require.Empty(t, profiles.profiles["user_1"].Permissions)
}

func TestApplyUnknownBundle(t *testing.T) {
	svc, _, profiles, _ := newTestBundleService()
	profiles.profiles["user_1"] = identity.Profile{ID: "user_1", Role: catalog.RoleUser}

	_, err := svc.ApplyToUser(context.Background(), ApplyInput{
		PrincipalID: "user_1",
		BundleID:    uuid.New(),
		AppliedBy:   "admin_1",
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestApplyNoopSkipsWriteAndInvalidation(t *testing.T) {
	svc, _, profiles, invalidator := newTestBundleService()
	ctx := context.Background()
	profiles.profiles["user_1"] = identity.Profile{
		ID:          "user_1",
		Role:        catalog.RoleUser,
		Permissions: []string{catalog.PermListingsView},
	}

	bundle, err := svc.CreateBundle(ctx, BundleInput{
		Name:        "Held",
		Permissions: []string{catalog.PermListingsView},
	})
	require.NoError(t, err)

	result, err := svc.ApplyToUser(ctx, ApplyInput{
		PrincipalID: "user_1",
		BundleID:    bundle.ID,
		AppliedBy:   "admin_1",
	})
	require.NoError(t, err)
	require.Empty(t, result.Added)
	require.Equal(t, 0, profiles.updates)
	require.Empty(t, invalidator.invalidated)
}

func TestInitializeDefaultBundlesIsIdempotent(t *testing.T) {
	svc, repo, _, _ := newTestBundleService()
	ctx := context.Background()

	created, err := svc.InitializeDefaultBundles(ctx)
	require.NoError(t, err)
	require.Equal(t, len(DefaultBundles()), created)

	created, err = svc.InitializeDefaultBundles(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, created)
	require.Len(t, repo.bundles, len(DefaultBundles()))
}
