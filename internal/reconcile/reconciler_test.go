package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/haven-realty/haven-authz/internal/catalog"
	"github.com/haven-realty/haven-authz/internal/grants"
	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/shared"
)

type memoryProfileStore struct {
	mu            sync.Mutex
	profiles      map[string]identity.Profile
	failingUpdate map[string]bool
	failListing   bool
	lists         int
	limits        []int
}

func newMemoryProfileStore() *memoryProfileStore {
	return &memoryProfileStore{
		profiles:      make(map[string]identity.Profile),
		failingUpdate: make(map[string]bool),
	}
}

func (s *memoryProfileStore) GetProfile(ctx context.Context, id string) (identity.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[id]
	if !ok {
		return identity.Profile{}, fmt.Errorf("identity: profile %s: %w", id, shared.ErrNotFound)
	}
	return profile, nil
}

func (s *memoryProfileStore) UpdateProfile(ctx context.Context, profile identity.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failingUpdate[profile.ID] {
		return fmt.Errorf("identity: %w: provider down", shared.ErrUnavailable)
	}
	s.profiles[profile.ID] = profile
	return nil
}

func (s *memoryProfileStore) ListProfiles(ctx context.Context, offset, limit int) ([]identity.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	s.limits = append(s.limits, limit)
	if s.failListing {
		return nil, fmt.Errorf("identity: %w: provider down", shared.ErrUnavailable)
	}
	var ids []string
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]identity.Profile, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.profiles[id])
	}
	return out, nil
}

type memoryGrantRepo struct {
	mu             sync.Mutex
	grants         map[uuid.UUID]grants.Grant
	failDeactivate map[uuid.UUID]bool
	failListing    bool
	limits         []int
}

func newMemoryGrantRepo() *memoryGrantRepo {
	return &memoryGrantRepo{
		grants:         make(map[uuid.UUID]grants.Grant),
		failDeactivate: make(map[uuid.UUID]bool),
	}
}

func (r *memoryGrantRepo) Upsert(ctx context.Context, input grants.GrantInput, now time.Time) (grants.Grant, error) {
	panic("not used")
}

func (r *memoryGrantRepo) Revoke(ctx context.Context, input grants.RevokeInput, now time.Time) (grants.Grant, bool, error) {
	panic("not used")
}

func (r *memoryGrantRepo) FindActive(ctx context.Context, principalID, permissionID, resourceType, resourceID string, now time.Time) (bool, error) {
	panic("not used")
}

func (r *memoryGrantRepo) ListResourceIDs(ctx context.Context, principalID, permissionID, resourceType string, now time.Time) ([]string, error) {
	panic("not used")
}

func (r *memoryGrantRepo) ListExpiredActive(ctx context.Context, after uuid.UUID, limit int, now time.Time) ([]grants.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = append(r.limits, limit)
	if r.failListing {
		return nil, fmt.Errorf("grants: %w: database down", shared.ErrUnavailable)
	}
	var matched []grants.Grant
	for _, g := range r.grants {
		if g.Active && g.Expired(now) && g.ID.String() > after.String() {
			matched = append(matched, g)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ID.String() < matched[j].ID.String()
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (r *memoryGrantRepo) Deactivate(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDeactivate[id] {
		return false, fmt.Errorf("grants: %w: database down", shared.ErrUnavailable)
	}
	g, ok := r.grants[id]
	if !ok || !g.Active {
		return false, nil
	}
	g.Active = false
	g.RevokedAt = &now
	g.RevokeReason = reason
	g.UpdatedAt = now
	r.grants[id] = g
	return true, nil
}

func (r *memoryGrantRepo) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.grants {
		if g.Active {
			n++
		}
	}
	return n
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

func profileWithTemps(id string, temps map[string]time.Time) identity.Profile {
	grantsMap := make(map[string]identity.TemporaryGrant, len(temps))
	for perm, exp := range temps {
		grantsMap[perm] = identity.TemporaryGrant{
			Source:    identity.SourceDirect,
			ExpiresAt: exp,
		}
	}
	return identity.Profile{ID: id, Role: catalog.RoleUser, TemporaryPermissions: grantsMap}
}

func TestProfileSweepPrunesExpired(t *testing.T) {
	profiles := newMemoryProfileStore()
	invalidator := &stubInvalidator{}
	sweeper := NewProfileSweeper(profiles, invalidator, nil, nil, 0)
	sweeper.now = fixedNow

	profiles.profiles["user_1"] = profileWithTemps("user_1", map[string]time.Time{
		catalog.PermListingsApprove: fixedNow().Add(-time.Hour),
		catalog.PermMediaUpload:     fixedNow().Add(time.Hour),
	})
	profiles.profiles["user_2"] = profileWithTemps("user_2", map[string]time.Time{
		catalog.PermListingsEdit: fixedNow().Add(48 * time.Hour),
	})

	report, err := sweeper.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, report.Processed)
	require.Equal(t, 1, report.ExpiredFound)
	require.Equal(t, 1, report.Updated)
	require.Equal(t, 0, report.Errors)

	swept := profiles.profiles["user_1"].TemporaryPermissions
	require.NotContains(t, swept, catalog.PermListingsApprove)
	require.Contains(t, swept, catalog.PermMediaUpload)
	require.Equal(t, []string{"user_1"}, invalidator.invalidated)
}

func TestProfileSweepIsIdempotent(t *testing.T) {
	profiles := newMemoryProfileStore()
	sweeper := NewProfileSweeper(profiles, nil, nil, nil, 0)
	sweeper.now = fixedNow

	profiles.profiles["user_1"] = profileWithTemps("user_1", map[string]time.Time{
		catalog.PermListingsApprove: fixedNow().Add(-time.Hour),
	})

	report, err := sweeper.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, report.Updated)

	report, err = sweeper.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 0, report.ExpiredFound)
	require.Equal(t, 0, report.Updated)
	require.Equal(t, 0, report.Errors)
}

func TestProfileSweepCountsUpdateErrors(t *testing.T) {
	profiles := newMemoryProfileStore()
	sweeper := NewProfileSweeper(profiles, nil, nil, nil, 0)
	sweeper.now = fixedNow

	profiles.profiles["user_1"] = profileWithTemps("user_1", map[string]time.Time{
		catalog.PermListingsApprove: fixedNow().Add(-time.Hour),
	})
	profiles.profiles["user_2"] = profileWithTemps("user_2", map[string]time.Time{
		catalog.PermListingsEdit: fixedNow().Add(-time.Hour),
	})
	profiles.failingUpdate["user_1"] = true

	report, err := sweeper.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, report.Processed)
	require.Equal(t, 2, report.ExpiredFound)
	// The failing profile is counted and skipped; the other still updates.
	require.Equal(t, 1, report.Updated)
	require.Equal(t, 1, report.Errors)
	require.Len(t, report.ErrorDetails, 1)
}

func TestProfileSweepAbortsOnFetchError(t *testing.T) {
	profiles := newMemoryProfileStore()
	profiles.failListing = true
	sweeper := NewProfileSweeper(profiles, nil, nil, nil, 0)

	_, err := sweeper.Run(context.Background(), 0)
	require.ErrorIs(t, err, shared.ErrUnavailable)
}

func TestProfileSweepPaginates(t *testing.T) {
	profiles := newMemoryProfileStore()
	sweeper := NewProfileSweeper(profiles, nil, nil, nil, 2)
	sweeper.now = fixedNow

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("user_%d", i)
		profiles.profiles[id] = profileWithTemps(id, nil)
	}

	report, err := sweeper.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 5, report.Processed)
	// Three pages: 2 + 2 + 1.
	require.Equal(t, 3, profiles.lists)
}

func TestProfileSweepStopsOnCancel(t *testing.T) {
	profiles := newMemoryProfileStore()
	sweeper := NewProfileSweeper(profiles, nil, nil, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := sweeper.Run(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, report.Processed)
}

func expiredGrant(principalID string, expiresAt time.Time) grants.Grant {
	return grants.Grant{
		ID:           uuid.New(),
		PrincipalID:  principalID,
		PermissionID: catalog.PermListingsEdit,
		ResourceType: "listing",
		ResourceID:   "lst_1",
		Active:       true,
		GrantedAt:    expiresAt.Add(-24 * time.Hour),
		GrantedBy:    "admin_1",
		ExpiresAt:    &expiresAt,
	}
}

func TestGrantSweepDeactivatesExpired(t *testing.T) {
	repo := newMemoryGrantRepo()
	invalidator := &stubInvalidator{}
	sweeper := NewGrantSweeper(repo, invalidator, nil, nil, 0)
	sweeper.now = fixedNow

	expired := expiredGrant("user_1", fixedNow().Add(-time.Hour))
	live := expiredGrant("user_2", fixedNow().Add(time.Hour))
	repo.grants[expired.ID] = expired
	repo.grants[live.ID] = live

	report, err := sweeper.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, 1, report.Updated)
	require.Equal(t, 0, report.Errors)
	require.Equal(t, 1, repo.activeCount())
	require.False(t, repo.grants[expired.ID].Active)
	require.Equal(t, "expired", repo.grants[expired.ID].RevokeReason)
	require.Equal(t, []string{"user_1"}, invalidator.invalidated)
}

func TestGrantSweepIsIdempotent(t *testing.T) {
	repo := newMemoryGrantRepo()
	sweeper := NewGrantSweeper(repo, nil, nil, nil, 0)
	sweeper.now = fixedNow

	expired := expiredGrant("user_1", fixedNow().Add(-time.Hour))
	repo.grants[expired.ID] = expired

	report, err := sweeper.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, report.Updated)

	report, err = sweeper.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 0, report.Processed)
	require.Equal(t, 0, report.Updated)
}

func TestGrantSweepCountsDeactivateErrors(t *testing.T) {
	repo := newMemoryGrantRepo()
	sweeper := NewGrantSweeper(repo, nil, nil, nil, 0)
	sweeper.now = fixedNow

	broken := expiredGrant("user_1", fixedNow().Add(-time.Hour))
	fine := expiredGrant("user_2", fixedNow().Add(-time.Hour))
	repo.grants[broken.ID] = broken
	repo.grants[fine.ID] = fine
	repo.failDeactivate[broken.ID] = true

	report, err := sweeper.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, report.Processed)
	require.Equal(t, 1, report.Updated)
	require.Equal(t, 1, report.Errors)
}

func TestGrantSweepAbortsOnFetchError(t *testing.T) {
	repo := newMemoryGrantRepo()
	repo.failListing = true
	sweeper := NewGrantSweeper(repo, nil, nil, nil, 0)

	_, err := sweeper.Run(context.Background(), 0)
	require.ErrorIs(t, err, shared.ErrUnavailable)
}

func TestGrantSweepPaginatesByCursor(t *testing.T) {
	repo := newMemoryGrantRepo()
	sweeper := NewGrantSweeper(repo, nil, nil, nil, 2)
	sweeper.now = fixedNow

	for i := 0; i < 5; i++ {
		g := expiredGrant(fmt.Sprintf("user_%d", i), fixedNow().Add(-time.Hour))
		repo.grants[g.ID] = g
	}

	report, err := sweeper.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 5, report.Processed)
	require.Equal(t, 5, report.Updated)
	require.Equal(t, 0, repo.activeCount())
}
