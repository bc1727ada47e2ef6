// Package reconcile deactivates expired temporary permissions, both on
// identity-provider profiles and on resource-scoped grants.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haven-realty/haven-authz/internal/grants"
	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/shared"
)

// DefaultBatchSize bounds one fetch against either backing store.
const DefaultBatchSize = 100

// Report is the terminal output of one reconciliation run. A run with a
// nonzero error count still counts as completed; callers inspect Errors,
// not just the returned error (which is reserved for fetch aborts).
type Report struct {
	Processed    int      `json:"processed"`
	ExpiredFound int      `json:"expired_found"`
	Updated      int      `json:"updated"`
	Errors       int      `json:"errors"`
	ErrorDetails []string `json:"error_details,omitempty"`
}

func (r *Report) recordError(detail string) {
	r.Errors++
	r.ErrorDetails = append(r.ErrorDetails, detail)
}

// Invalidator clears a principal's cached permissions after a mutation.
type Invalidator interface {
	InvalidatePrincipal(ctx context.Context, principalID string)
}

// ProfileSweeper prunes expired temporary permissions from identity
// provider profiles in bounded batches.
type ProfileSweeper struct {
	profiles  identity.Store
	cache     Invalidator
	audit     shared.Recorder
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewProfileSweeper constructs a sweeper. batchSize <= 0 uses the default.
func NewProfileSweeper(profiles identity.Store, cache Invalidator, audit shared.Recorder, logger *slog.Logger, batchSize int) *ProfileSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &ProfileSweeper{
		profiles:  profiles,
		cache:     cache,
		audit:     audit,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run scans every profile page by page and removes temporary permission
// entries whose expiry has passed. One profile failing is counted and
// skipped; a failed page fetch aborts the run because the pagination
// cursor is no longer trustworthy. batchSize overrides the configured
// page size for this run only; <= 0 keeps the configured value.
func (s *ProfileSweeper) Run(ctx context.Context, batchSize int) (Report, error) {
	size := s.batchSize
	if batchSize > 0 {
		size = batchSize
	}
	var report Report
	now := s.now()
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := s.profiles.ListProfiles(ctx, offset, size)
		if err != nil {
			return report, fmt.Errorf("reconcile: fetch profiles at offset %d: %w", offset, err)
		}
		for _, profile := range batch {
			report.Processed++
			s.sweepProfile(ctx, profile, now, &report)
		}
		if len(batch) < size {
			break
		}
		offset += size
	}
	s.logger.Info("profile sweep complete",
		slog.Int("processed", report.Processed),
		slog.Int("expired_found", report.ExpiredFound),
		slog.Int("updated", report.Updated),
		slog.Int("errors", report.Errors))
	return report, nil
}

func (s *ProfileSweeper) sweepProfile(ctx context.Context, profile identity.Profile, now time.Time, report *Report) {
	if profile.ID == "" {
		report.recordError("profile without id in listing")
		return
	}
	var expired []string
	for perm, grant := range profile.TemporaryPermissions {
		if !grant.ExpiresAt.After(now) {
			expired = append(expired, perm)
		}
	}
	if len(expired) == 0 {
		return
	}
	report.ExpiredFound += len(expired)
	for _, perm := range expired {
		delete(profile.TemporaryPermissions, perm)
	}
	if err := s.profiles.UpdateProfile(ctx, profile); err != nil {
		report.recordError(fmt.Sprintf("update profile %s: %v", profile.ID, err))
		return
	}
	report.Updated++
	s.recordAudit(ctx, shared.AuditLog{
		Actor:    "system",
		Action:   "reconcile.expire_profile_grants",
		Entity:   "principal",
		EntityID: profile.ID,
		Meta:     map[string]any{"expired": expired},
		At:       now,
	})
	if s.cache != nil {
		s.cache.InvalidatePrincipal(ctx, profile.ID)
	}
}

func (s *ProfileSweeper) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", log.Action), slog.Any("error", err))
	}
}

// GrantSweeper deactivates expired resource-scoped grants in bounded
// batches, keyed by an id cursor.
type GrantSweeper struct {
	repo      grants.Repository
	cache     Invalidator
	audit     shared.Recorder
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewGrantSweeper constructs a sweeper. batchSize <= 0 uses the default.
func NewGrantSweeper(repo grants.Repository, cache Invalidator, audit shared.Recorder, logger *slog.Logger, batchSize int) *GrantSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &GrantSweeper{
		repo:      repo,
		cache:     cache,
		audit:     audit,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run deactivates active grants whose expiry has passed. Re-running is a
// no-op for grants already deactivated: the store reports them as not
// updated and they no longer match the expired-active query. batchSize
// overrides the configured page size for this run only; <= 0 keeps the
// configured value.
func (s *GrantSweeper) Run(ctx context.Context, batchSize int) (Report, error) {
	size := s.batchSize
	if batchSize > 0 {
		size = batchSize
	}
	var report Report
	now := s.now()
	var cursor uuid.UUID
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := s.repo.ListExpiredActive(ctx, cursor, size, now)
		if err != nil {
			return report, fmt.Errorf("reconcile: fetch expired grants after %s: %w", cursor, err)
		}
		for _, grant := range batch {
			report.Processed++
			report.ExpiredFound++
			cursor = grant.ID
			updated, err := s.repo.Deactivate(ctx, grant.ID, "expired", now)
			if err != nil {
				report.recordError(fmt.Sprintf("deactivate grant %s: %v", grant.ID, err))
				continue
			}
			if !updated {
				// Another run got here first; nothing to do.
				continue
			}
			report.Updated++
			s.recordAudit(ctx, shared.AuditLog{
				Actor:    "system",
				Action:   "reconcile.expire_resource_grants",
				Entity:   "resource_grant",
				EntityID: grant.ID.String(),
				Meta: map[string]any{
					"principal_id":  grant.PrincipalID,
					"permission_id": grant.PermissionID,
					"resource_type": grant.ResourceType,
					"resource_id":   grant.ResourceID,
				},
				At: now,
			})
			if s.cache != nil {
				s.cache.InvalidatePrincipal(ctx, grant.PrincipalID)
			}
		}
		if len(batch) < size {
			break
		}
	}
	s.logger.Info("grant sweep complete",
		slog.Int("processed", report.Processed),
		slog.Int("expired_found", report.ExpiredFound),
		slog.Int("updated", report.Updated),
		slog.Int("errors", report.Errors))
	return report, nil
}

func (s *GrantSweeper) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", log.Action), slog.Any("error", err))
	}
}
