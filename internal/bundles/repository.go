package bundles

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haven-realty/haven-authz/internal/shared"
)

// Repository is the persistence contract for bundle definitions.
type Repository interface {
	Create(ctx context.Context, input BundleInput) (Bundle, error)
	Update(ctx context.Context, id uuid.UUID, input BundleInput) (Bundle, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (Bundle, error)
	GetByName(ctx context.Context, name string) (Bundle, error)
	List(ctx context.Context) ([]Bundle, error)
}

// PGRepository provides PostgreSQL backed persistence over the
// permission_bundles table.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const bundleColumns = `id, name, description, permissions, created_at, updated_at`

// Create inserts a new bundle.
func (r *PGRepository) Create(ctx context.Context, input BundleInput) (Bundle, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permission_bundles (id, name, description, permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING `+bundleColumns,
		uuid.New(), input.Name, input.Description, input.Permissions)
	bundle, err := scanBundle(row)
	if err != nil {
		return Bundle{}, fmt.Errorf("bundles: create: %w: %v", shared.ErrUnavailable, err)
	}
	return bundle, nil
}

// Update replaces a bundle's definition.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, input BundleInput) (Bundle, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE permission_bundles
		SET name = $2, description = $3, permissions = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING `+bundleColumns,
		id, input.Name, input.Description, input.Permissions)
	bundle, err := scanBundle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bundle{}, fmt.Errorf("bundles: %s: %w", id, shared.ErrNotFound)
		}
		return Bundle{}, fmt.Errorf("bundles: update: %w: %v", shared.ErrUnavailable, err)
	}
	return bundle, nil
}

// Delete removes a bundle definition.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_bundles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("bundles: delete: %w: %v", shared.ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bundles: %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

// Get fetches a bundle by id.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Bundle, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bundleColumns+` FROM permission_bundles WHERE id = $1`, id)
	bundle, err := scanBundle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bundle{}, fmt.Errorf("bundles: %s: %w", id, shared.ErrNotFound)
		}
		return Bundle{}, fmt.Errorf("bundles: get: %w: %v", shared.ErrUnavailable, err)
	}
	return bundle, nil
}

// GetByName fetches a bundle by its unique name.
func (r *PGRepository) GetByName(ctx context.Context, name string) (Bundle, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bundleColumns+` FROM permission_bundles WHERE name = $1`, name)
	bundle, err := scanBundle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bundle{}, fmt.Errorf("bundles: %q: %w", name, shared.ErrNotFound)
		}
		return Bundle{}, fmt.Errorf("bundles: get by name: %w: %v", shared.ErrUnavailable, err)
	}
	return bundle, nil
}

// List returns all bundles ordered by name.
func (r *PGRepository) List(ctx context.Context) ([]Bundle, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+bundleColumns+` FROM permission_bundles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("bundles: list: %w: %v", shared.ErrUnavailable, err)
	}
	defer rows.Close()
	var bundles []Bundle
	for rows.Next() {
		bundle, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, bundle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bundles: list: %w: %v", shared.ErrUnavailable, err)
	}
	return bundles, nil
}

func scanBundle(row pgx.Row) (Bundle, error) {
	var b Bundle
	err := row.Scan(&b.ID, &b.Name, &b.Description, &b.Permissions, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Bundle{}, err
	}
	return b, nil
}
