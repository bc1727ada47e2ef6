package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haven-realty/haven-authz/internal/shared"
)

// Repository is the persistence contract for resource-scoped grants.
type Repository interface {
	Upsert(ctx context.Context, input GrantInput, now time.Time) (Grant, error)
	Revoke(ctx context.Context, input RevokeInput, now time.Time) (Grant, bool, error)
	FindActive(ctx context.Context, principalID, permissionID, resourceType, resourceID string, now time.Time) (bool, error)
	ListResourceIDs(ctx context.Context, principalID, permissionID, resourceType string, now time.Time) ([]string, error)
	ListExpiredActive(ctx context.Context, after uuid.UUID, limit int, now time.Time) ([]Grant, error)
	Deactivate(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error)
}

// PGRepository provides PostgreSQL backed persistence over the
// resource_grants table. A partial unique index on
// (principal_id, permission_id, resource_type, resource_id) WHERE active
// makes Upsert atomic per tuple.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const grantColumns = `id, principal_id, permission_id, resource_type, resource_id, active, granted_at, granted_by, expires_at, reason, revoked_at, COALESCE(revoked_by, ''), COALESCE(revoke_reason, ''), updated_at`

// Upsert inserts a grant or, when an active row already exists for the
// tuple, refreshes its metadata in place.
func (r *PGRepository) Upsert(ctx context.Context, input GrantInput, now time.Time) (Grant, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO resource_grants (id, principal_id, permission_id, resource_type, resource_id, active, granted_at, granted_by, expires_at, reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7, $8, $9, $6)
		ON CONFLICT (principal_id, permission_id, resource_type, resource_id) WHERE active
		DO UPDATE SET granted_by = EXCLUDED.granted_by,
		              expires_at = EXCLUDED.expires_at,
		              reason     = EXCLUDED.reason,
		              updated_at = EXCLUDED.updated_at
		RETURNING `+grantColumns,
		uuid.New(), input.PrincipalID, input.PermissionID, input.ResourceType, input.ResourceID,
		now, input.GrantedBy, input.ExpiresAt, input.Reason)
	grant, err := scanGrant(row)
	if err != nil {
		return Grant{}, fmt.Errorf("grants: upsert: %w: %v", shared.ErrUnavailable, err)
	}
	return grant, nil
}

// Revoke flips the active row for the tuple, stamping revocation metadata.
// The boolean result is false when no active row matched.
func (r *PGRepository) Revoke(ctx context.Context, input RevokeInput, now time.Time) (Grant, bool, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE resource_grants
		SET active = FALSE, revoked_at = $5, revoked_by = $6, revoke_reason = $7, updated_at = $5
		WHERE principal_id = $1 AND permission_id = $2 AND resource_type = $3 AND resource_id = $4 AND active
		RETURNING `+grantColumns,
		input.PrincipalID, input.PermissionID, input.ResourceType, input.ResourceID,
		now, input.RevokedBy, input.Reason)
	grant, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, false, nil
		}
		return Grant{}, false, fmt.Errorf("grants: revoke: %w: %v", shared.ErrUnavailable, err)
	}
	return grant, true, nil
}

// FindActive reports whether an active, unexpired grant exists for the
// tuple.
func (r *PGRepository) FindActive(ctx context.Context, principalID, permissionID, resourceType, resourceID string, now time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM resource_grants
			WHERE principal_id = $1 AND permission_id = $2 AND resource_type = $3 AND resource_id = $4
			  AND active AND (expires_at IS NULL OR expires_at > $5)
		)`,
		principalID, permissionID, resourceType, resourceID, now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("grants: find active: %w: %v", shared.ErrUnavailable, err)
	}
	return exists, nil
}

// ListResourceIDs returns the resource ids of the principal's active,
// unexpired grants for one permission and resource type.
func (r *PGRepository) ListResourceIDs(ctx context.Context, principalID, permissionID, resourceType string, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT resource_id FROM resource_grants
		WHERE principal_id = $1 AND permission_id = $2 AND resource_type = $3
		  AND active AND (expires_at IS NULL OR expires_at > $4)
		ORDER BY resource_id`,
		principalID, permissionID, resourceType, now)
	if err != nil {
		return nil, fmt.Errorf("grants: list resources: %w: %v", shared.ErrUnavailable, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("grants: list resources: %w: %v", shared.ErrUnavailable, err)
	}
	return ids, nil
}

// ListExpiredActive returns one id-ordered batch of grants that are still
// active but past their expiry.
func (r *PGRepository) ListExpiredActive(ctx context.Context, after uuid.UUID, limit int, now time.Time) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+grantColumns+` FROM resource_grants
		WHERE active AND expires_at IS NOT NULL AND expires_at <= $1 AND id > $2
		ORDER BY id
		LIMIT $3`,
		now, after, limit)
	if err != nil {
		return nil, fmt.Errorf("grants: list expired: %w: %v", shared.ErrUnavailable, err)
	}
	defer rows.Close()
	var grants []Grant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("grants: list expired: %w: %v", shared.ErrUnavailable, err)
	}
	return grants, nil
}

// Deactivate marks one grant inactive with the given reason, returning
// false when the row was already inactive.
func (r *PGRepository) Deactivate(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE resource_grants
		SET active = FALSE, revoked_at = $2, revoke_reason = $3, updated_at = $2
		WHERE id = $1 AND active`,
		id, now, reason)
	if err != nil {
		return false, fmt.Errorf("grants: deactivate: %w: %v", shared.ErrUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanGrant(row pgx.Row) (Grant, error) {
	var g Grant
	err := row.Scan(&g.ID, &g.PrincipalID, &g.PermissionID, &g.ResourceType, &g.ResourceID,
		&g.Active, &g.GrantedAt, &g.GrantedBy, &g.ExpiresAt, &g.Reason,
		&g.RevokedAt, &g.RevokedBy, &g.RevokeReason, &g.UpdatedAt)
	if err != nil {
		return Grant{}, err
	}
	return g, nil
}
