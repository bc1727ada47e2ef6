// Package directory persists the application-database mirror of principal
// records. The identity provider owns the profile; only the role field is
// mirrored here, which is what the consistency verifier reconciles.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haven-realty/haven-authz/internal/catalog"
	"github.com/haven-realty/haven-authz/internal/shared"
)

// Record is one principal row in the principals table.
type Record struct {
	PrincipalID string
	Email       string
	Role        catalog.Role
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository is the persistence contract for principal records.
type Repository interface {
	Get(ctx context.Context, principalID string) (Record, error)
	List(ctx context.Context, afterID string, limit int) ([]Record, error)
	UpdateRole(ctx context.Context, principalID string, role catalog.Role) error
}

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Get fetches one principal record.
func (r *PGRepository) Get(ctx context.Context, principalID string) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT principal_id, email, role, created_at, updated_at FROM principals WHERE principal_id = $1`, principalID)
	var rec Record
	if err := row.Scan(&rec.PrincipalID, &rec.Email, &rec.Role, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("directory: principal %s: %w", principalID, shared.ErrNotFound)
		}
		return Record{}, fmt.Errorf("directory: get: %w: %v", shared.ErrUnavailable, err)
	}
	return rec, nil
}

// List returns one id-ordered page of principal records.
func (r *PGRepository) List(ctx context.Context, afterID string, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT principal_id, email, role, created_at, updated_at FROM principals
		WHERE principal_id > $1
		ORDER BY principal_id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("directory: list: %w: %v", shared.ErrUnavailable, err)
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.PrincipalID, &rec.Email, &rec.Role, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: list: %w: %v", shared.ErrUnavailable, err)
	}
	return records, nil
}

// UpdateRole writes the mirrored role for one principal.
func (r *PGRepository) UpdateRole(ctx context.Context, principalID string, role catalog.Role) error {
	tag, err := r.pool.Exec(ctx, `UPDATE principals SET role = $2, updated_at = NOW() WHERE principal_id = $1`, principalID, role)
	if err != nil {
		return fmt.Errorf("directory: update role: %w: %v", shared.ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("directory: principal %s: %w", principalID, shared.ErrNotFound)
	}
	return nil
}
