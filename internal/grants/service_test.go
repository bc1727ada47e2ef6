package grants

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
	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/shared"
)

type memoryGrantRepo struct {
	mu      sync.Mutex
	grants  map[uuid.UUID]Grant
	failing bool
}

func newMemoryGrantRepo() *memoryGrantRepo {
	return &memoryGrantRepo{grants: make(map[uuid.UUID]Grant)}
}

func (r *memoryGrantRepo) activeFor(input GrantInput) (Grant, bool) {
	for _, g := range r.grants {
		if g.Active && g.PrincipalID == input.PrincipalID && g.PermissionID == input.PermissionID &&
			g.ResourceType == input.ResourceType && g.ResourceID == input.ResourceID {
			return g, true
		}
	}
	return Grant{}, false
}

func (r *memoryGrantRepo) Upsert(ctx context.Context, input GrantInput, now time.Time) (Grant, error) {
	if r.failing {
		return Grant{}, shared.ErrUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.activeFor(input); ok {
		existing.GrantedBy = input.GrantedBy
		existing.ExpiresAt = input.ExpiresAt
		existing.Reason = input.Reason
		existing.UpdatedAt = now
		r.grants[existing.ID] = existing
		return existing, nil
	}
	grant := Grant{
		ID:           uuid.New(),
		PrincipalID:  input.PrincipalID,
		PermissionID: input.PermissionID,
		ResourceType: input.ResourceType,
		ResourceID:   input.ResourceID,
		Active:       true,
		GrantedAt:    now,
		GrantedBy:    input.GrantedBy,
		ExpiresAt:    input.ExpiresAt,
		Reason:       input.Reason,
		UpdatedAt:    now,
	}
	r.grants[grant.ID] = grant
	return grant, nil
}

func (r *memoryGrantRepo) Revoke(ctx context.Context, input RevokeInput, now time.Time) (Grant, bool, error) {
	if r.failing {
		return Grant{}, false, shared.ErrUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.activeFor(GrantInput{
		PrincipalID:  input.PrincipalID,
		PermissionID: input.PermissionID,
		ResourceType: input.ResourceType,
		ResourceID:   input.ResourceID,
	})
	if !ok {
		return Grant{}, false, nil
	}
	existing.Active = false
	existing.RevokedAt = &now
	existing.RevokedBy = input.RevokedBy
	existing.RevokeReason = input.Reason
	existing.UpdatedAt = now
	r.grants[existing.ID] = existing
	return existing, true, nil
}

func (r *memoryGrantRepo) FindActive(ctx context.Context, principalID, permissionID, resourceType, resourceID string, now time.Time) (bool, error) {
	if r.failing {
		return false, shared.ErrUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.grants {
		if g.Active && !g.Expired(now) && g.PrincipalID == principalID && g.PermissionID == permissionID &&
			g.ResourceType == resourceType && g.ResourceID == resourceID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryGrantRepo) ListResourceIDs(ctx context.Context, principalID, permissionID, resourceType string, now time.Time) ([]string, error) {
	if r.failing {
		return nil, shared.ErrUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, g := range r.grants {
		if g.Active && !g.Expired(now) && g.PrincipalID == principalID && g.PermissionID == permissionID &&
			g.ResourceType == resourceType {
			ids = append(ids, g.ResourceID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memoryGrantRepo) ListExpiredActive(ctx context.Context, after uuid.UUID, limit int, now time.Time) ([]Grant, error) {
	if r.failing {
		return nil, shared.ErrUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Grant
	for _, g := range r.grants {
		if g.Active && g.Expired(now) && g.ID.String() > after.String() {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryGrantRepo) Deactivate(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	if r.failing {
		return false, shared.ErrUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
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
	count := 0
	for _, g := range r.grants {
		if g.Active {
			count++
		}
	}
	return count
}

type stubFacade struct {
	roleWide     map[string]bool
	err          error
	invalidated  []string
	invalidateMu sync.Mutex
}

func (f *stubFacade) HasPermission(ctx context.Context, ref identity.Ref, permissionID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.roleWide[ref.ID()+":"+permissionID], nil
}

func (f *stubFacade) InvalidatePrincipal(ctx context.Context, principalID string) {
	f.invalidateMu.Lock()
	defer f.invalidateMu.Unlock()
	f.invalidated = append(f.invalidated, principalID)
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestGrantService(repo Repository, facade *stubFacade) (*Service, *memoryAudit) {
	audit := &memoryAudit{}
	svc := NewService(repo, facade, audit, nil)
	svc.now = fixedNow
	return svc, audit
}

func TestGrantIsIdempotentPerTuple(t *testing.T) {
	repo := newMemoryGrantRepo()
	facade := &stubFacade{roleWide: map[string]bool{}}
	svc, audit := newTestGrantService(repo, facade)
	ctx := context.Background()

	input := GrantInput{
		PrincipalID:  "user_1",
		PermissionID: catalog.PermListingsEdit,
		ResourceType: "listing",
		ResourceID:   "lst_42",
		GrantedBy:    "admin_1",
		Reason:       "first",
	}
	first, err := svc.Grant(ctx, input)
	require.NoError(t, err)

	input.Reason = "second"
	second, err := svc.Grant(ctx, input)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, repo.activeCount())
	require.Equal(t, "second", second.Reason)
	require.Len(t, audit.logs, 2)
	require.Contains(t, facade.invalidated, "user_1")
}

func TestGrantRejectsUnknownPermission(t *testing.T) {
	svc, _ := newTestGrantService(newMemoryGrantRepo(), &stubFacade{})
	_, err := svc.Grant(context.Background(), GrantInput{
		PrincipalID:  "user_1",
		PermissionID: "listings:fly",
		ResourceType: "listing",
		ResourceID:   "lst_1",
		GrantedBy:    "admin_1",
	})
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestRevokeMissingGrantIsNonFatal(t *testing.T) {
	facade := &stubFacade{}
	svc, audit := newTestGrantService(newMemoryGrantRepo(), facade)

	result, err := svc.Revoke(context.Background(), RevokeInput{
		PrincipalID:  "user_1",
		PermissionID: catalog.PermListingsEdit,
		ResourceType: "listing",
		ResourceID:   "lst_1",
		RevokedBy:    "admin_1",
	})
	require.NoError(t, err)
	require.False(t, result.Found)
	require.Empty(t, audit.logs)
	require.Empty(t, facade.invalidated)
}

func TestRevokePreservesRow(t *testing.T) {
	repo := newMemoryGrantRepo()
	facade := &stubFacade{}
	svc, _ := newTestGrantService(repo, facade)
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantInput{
		PrincipalID:  "user_1",
		PermissionID: catalog.PermListingsEdit,
		ResourceType: "listing",
		ResourceID:   "lst_1",
		GrantedBy:    "admin_1",
	})
	require.NoError(t, err)

	result, err := svc.Revoke(ctx, RevokeInput{
		PrincipalID:  "user_1",
		PermissionID: catalog.PermListingsEdit,
		ResourceType: "listing",
		ResourceID:   "lst_1",
		RevokedBy:    "admin_2",
		Reason:       "offboarded",
	})
	require.NoError(t, err)
	require.True(t, result.Found)
	require.False(t, result.Grant.Active)
	require.Equal(t, "admin_2", result.Grant.RevokedBy)

	// The row survives for audit history.
	require.Len(t, repo.grants, 1)
}

func TestCheckShortCircuitsOnRoleWideGrant(t *testing.T) {
	repo := newMemoryGrantRepo()
	facade := &stubFacade{roleWide: map[string]bool{"user_1:" + catalog.PermListingsEdit: true}}
	svc, _ := newTestGrantService(repo, facade)

	allowed, err := svc.Check(context.Background(), identity.RefID("user_1"), catalog.PermListingsEdit, "listing", "lst_1")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestCheckConsultsScopedStore(t *testing.T) {
	repo := newMemoryGrantRepo()
	facade := &stubFacade{roleWide: map[string]bool{}}
	svc, _ := newTestGrantService(repo, facade)
	ctx := context.Background()

	allowed, err := svc.Check(ctx, identity.RefID("user_1"), catalog.PermListingsEdit, "listing", "lst_1")
	require.NoError(t, err)
	require.False(t, allowed)

	_, err = svc.Grant(ctx, GrantInput{
		PrincipalID:  "user_1",
		PermissionID: catalog.PermListingsEdit,
		ResourceType: "listing",
		ResourceID:   "lst_1",
		GrantedBy:    "admin_1",
	})
	require.NoError(t, err)

	allowed, err = svc.Check(ctx, identity.RefID("user_1"), catalog.PermListingsEdit, "listing", "lst_1")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestCheckIgnoresExpiredScopedGrant(t *testing.T) {
	repo := newMemoryGrantRepo()
	facade := &stubFacade{roleWide: map[string]bool{}}
	svc, _ := newTestGrantService(repo, facade)
	ctx := context.Background()

	expires := fixedNow().Add(time.Hour)
	_, err := svc.Grant(ctx, GrantInput{
		PrincipalID:  "user_1",
		PermissionID: catalog.PermListingsEdit,
		ResourceType: "listing",
		ResourceID:   "lst_1",
		GrantedBy:    "admin_1",
		ExpiresAt:    &expires,
	})
	require.NoError(t, err)

	// Past the expiry the grant row is still active but readers must treat
	// it as expired.
	svc.now = func() time.Time { return fixedNow().Add(2 * time.Hour) }
	allowed, err := svc.Check(ctx, identity.RefID("user_1"), catalog.PermListingsEdit, "listing", "lst_1")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, 1, repo.activeCount())
}

func TestCheckFailsClosedOnStoreError(t *testing.T) {
	repo := newMemoryGrantRepo()
	repo.failing = true
	facade := &stubFacade{roleWide: map[string]bool{}}
	svc, _ := newTestGrantService(repo, facade)

	allowed, err := svc.Check(context.Background(), identity.RefID("user_1"), catalog.PermListingsEdit, "listing", "lst_1")
	require.ErrorIs(t, err, shared.ErrUnavailable)
	require.False(t, allowed)
}

func TestCheckFailsClosedOnFacadeError(t *testing.T) {
	facade := &stubFacade{err: fmt.Errorf("access: %w", shared.ErrUnavailable)}
	svc, _ := newTestGrantService(newMemoryGrantRepo(), facade)

	allowed, err := svc.Check(context.Background(), identity.RefID("user_1"), catalog.PermListingsEdit, "listing", "lst_1")
	require.ErrorIs(t, err, shared.ErrUnavailable)
	require.False(t, allowed)
}

func TestListResourcesDistinguishesAllFromEmpty(t *testing.T) {
	repo := newMemoryGrantRepo()
	facade := &stubFacade{roleWide: map[string]bool{"mod_1:" + catalog.PermListingsApprove: true}}
	svc, _ := newTestGrantService(repo, facade)
	ctx := context.Background()

	// Role-wide holder: unrestricted.
	list, err := svc.ListResourcesWithPermission(ctx, identity.RefID("mod_1"), catalog.PermListingsApprove, "listing")
	require.NoError(t, err)
	require.True(t, list.All)
	require.Empty(t, list.IDs)

	// No grants at all: empty, not ALL.
	list, err = svc.ListResourcesWithPermission(ctx, identity.RefID("user_1"), catalog.PermListingsApprove, "listing")
	require.NoError(t, err)
	require.False(t, list.All)
	require.Empty(t, list.IDs)

	// Scoped grants enumerate.
	for _, id := range []string{"lst_2", "lst_1"} {
		_, err = svc.Grant(ctx, GrantInput{
			PrincipalID:  "user_1",
			PermissionID: catalog.PermListingsApprove,
			ResourceType: "listing",
			ResourceID:   id,
			GrantedBy:    "admin_1",
		})
		require.NoError(t, err)
	}
	list, err = svc.ListResourcesWithPermission(ctx, identity.RefID("user_1"), catalog.PermListingsApprove, "listing")
	require.NoError(t, err)
	require.False(t, list.All)
	require.Equal(t, []string{"lst_1", "lst_2"}, list.IDs)
}
