// Package verify detects and heals role divergence between the identity
// provider profile and the application database mirror.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haven-realty/haven-authz/internal/catalog"
	"github.com/haven-realty/haven-authz/internal/directory"
	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/shared"
)

// FixDirection selects which store's role value wins when healing. There is
// no authoritative store encoded in the data; the caller's choice is the
// policy decision.
type FixDirection string

const (
	// DirectionProviderWins copies the identity provider's role into the
	// database mirror.
	DirectionProviderWins FixDirection = "provider"
	// DirectionDatabaseWins copies the database mirror's role into the
	// identity provider profile.
	DirectionDatabaseWins FixDirection = "database"
)

// DefaultVerifyLimit bounds one bulk verification page.
const DefaultVerifyLimit = 100

// RoleConsistency is the single-principal check result. Divergence is a
// reported condition, not an error.
type RoleConsistency struct {
	PrincipalID  string       `json:"principal_id"`
	Consistent   bool         `json:"consistent"`
	ProviderRole catalog.Role `json:"provider_role"`
	DBRole       catalog.Role `json:"db_role"`
	CheckedAt    time.Time    `json:"checked_at"`
}

// VerifyOptions controls a bulk verification run.
type VerifyOptions struct {
	Limit        int
	AutoFix      bool
	FixDirection FixDirection
}

// VerifyReport is the terminal output of a bulk verification run.
type VerifyReport struct {
	Total        int               `json:"total"`
	Consistent   int               `json:"consistent"`
	Inconsistent int               `json:"inconsistent"`
	Fixed        int               `json:"fixed"`
	Errors       int               `json:"errors"`
	Details      []RoleConsistency `json:"details,omitempty"`
	ErrorDetails []string          `json:"error_details,omitempty"`
}

// Invalidator clears a principal's cached permissions after a mutation.
type Invalidator interface {
	InvalidatePrincipal(ctx context.Context, principalID string)
}

// Service implements the consistency verifier.
type Service struct {
	profiles identity.Store
	records  directory.Repository
	cache    Invalidator
	audit    shared.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(profiles identity.Store, records directory.Repository, cache Invalidator, audit shared.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		profiles: profiles,
		records:  records,
		cache:    cache,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// CheckUserRoleConsistency compares the role held by both stores for one
// principal.
func (s *Service) CheckUserRoleConsistency(ctx context.Context, principalID string) (RoleConsistency, error) {
	if principalID == "" {
		return RoleConsistency{}, fmt.Errorf("verify: %w: principal id required", shared.ErrInvalidInput)
	}
	profile, err := s.profiles.GetProfile(ctx, principalID)
	if err != nil {
		return RoleConsistency{}, err
	}
	record, err := s.records.Get(ctx, principalID)
	if err != nil {
		return RoleConsistency{}, err
	}
	return RoleConsistency{
		PrincipalID:  principalID,
		Consistent:   profile.Role == record.Role,
		ProviderRole: profile.Role,
		DBRole:       record.Role,
		CheckedAt:    s.now(),
	}, nil
}

// VerifyRoleConsistency cross-checks one bounded page of the database
// principal table against the identity provider. Per-principal failures are
// counted, never fatal; the run completes regardless and callers must
// inspect the error count.
func (s *Service) VerifyRoleConsistency(ctx context.Context, opts VerifyOptions) (VerifyReport, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultVerifyLimit
	}
	if opts.AutoFix && opts.FixDirection != DirectionProviderWins && opts.FixDirection != DirectionDatabaseWins {
		return VerifyReport{}, fmt.Errorf("verify: %w: auto-fix requires a fix direction", shared.ErrInvalidInput)
	}
	records, err := s.records.List(ctx, "", limit)
	if err != nil {
		return VerifyReport{}, err
	}
	var report VerifyReport
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Total++
		profile, err := s.profiles.GetProfile(ctx, record.PrincipalID)
		if err != nil {
			report.Errors++
			report.ErrorDetails = append(report.ErrorDetails, fmt.Sprintf("fetch profile %s: %v", record.PrincipalID, err))
			continue
		}
		result := RoleConsistency{
			PrincipalID:  record.PrincipalID,
			Consistent:   profile.Role == record.Role,
			ProviderRole: profile.Role,
			DBRole:       record.Role,
			CheckedAt:    s.now(),
		}
		if result.Consistent {
			report.Consistent++
			continue
		}
		report.Inconsistent++
		report.Details = append(report.Details, result)
		if !opts.AutoFix {
			continue
		}
		if err := s.FixUserRoleInconsistency(ctx, record.PrincipalID, opts.FixDirection); err != nil {
			report.Errors++
			report.ErrorDetails = append(report.ErrorDetails, fmt.Sprintf("fix %s: %v", record.PrincipalID, err))
			continue
		}
		report.Fixed++
	}
	return report, nil
}

// FixUserRoleInconsistency heals one principal by copying the winning
// store's role over the other's, then invalidates the permission cache
// since role is the dominant resolution input.
func (s *Service) FixUserRoleInconsistency(ctx context.Context, principalID string, direction FixDirection) error {
	if principalID == "" {
		return fmt.Errorf("verify: %w: principal id required", shared.ErrInvalidInput)
	}
	profile, err := s.profiles.GetProfile(ctx, principalID)
	if err != nil {
		return err
	}
	record, err := s.records.Get(ctx, principalID)
	if err != nil {
		return err
	}
	if profile.Role == record.Role {
		return nil
	}
	now := s.now()
	var from, to catalog.Role
	switch direction {
	case DirectionProviderWins:
		from, to = record.Role, profile.Role
		if err := s.records.UpdateRole(ctx, principalID, profile.Role); err != nil {
			return err
		}
	case DirectionDatabaseWins:
		from, to = profile.Role, record.Role
		profile.Role = record.Role
		if err := s.profiles.UpdateProfile(ctx, profile); err != nil {
			return err
		}
	default:
		return fmt.Errorf("verify: %w: unknown fix direction %q", shared.ErrInvalidInput, direction)
	}
	s.recordAudit(ctx, shared.AuditLog{
		Actor:    "system",
		Action:   "verify.fix_role",
		Entity:   "principal",
		EntityID: principalID,
		Meta: map[string]any{
			"direction": string(direction),
			"from":      string(from),
			"to":        string(to),
		},
		At: now,
	})
	if s.cache != nil {
		s.cache.InvalidatePrincipal(ctx, principalID)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", log.Action), slog.Any("error", err))
	}
}
