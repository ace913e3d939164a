package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const grantsLogPrefix = "db:grants"

// GrantRepository persists remembered permission decisions in Postgres. It
// satisfies permission.GrantStore.
type GrantRepository struct {
	pool *pgxpool.Pool
}

// NewGrantRepository creates a repository backed by pool.
func NewGrantRepository(pool *pgxpool.Pool) *GrantRepository {
	return &GrantRepository{pool: pool}
}

// GetGrant returns the stored mode for (app, permission), or "" when nothing
// has been remembered.
func (r *GrantRepository) GetGrant(ctx context.Context, app, permission string) (string, error) {
	var mode string
	err := r.pool.QueryRow(ctx,
		`SELECT mode FROM permission_grants WHERE app = $1 AND permission = $2`,
		app, permission).Scan(&mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s - get %s/%s: %w", grantsLogPrefix, app, permission, err)
	}
	return mode, nil
}

// PutGrant stores mode for (app, permission), replacing any earlier decision.
func (r *GrantRepository) PutGrant(ctx context.Context, app, permission, mode string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO permission_grants (app, permission, mode)
		VALUES ($1, $2, $3)
		ON CONFLICT (app, permission)
		DO UPDATE SET mode = EXCLUDED.mode, modified = now()`,
		app, permission, mode)
	if err != nil {
		return fmt.Errorf("%s - put %s/%s: %w", grantsLogPrefix, app, permission, err)
	}
	return nil
}

// ListGrants returns every remembered decision for app, ordered by permission.
func (r *GrantRepository) ListGrants(ctx context.Context, app string) ([]PermissionGrant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT app, permission, mode, created, modified
		FROM permission_grants
		WHERE app = $1
		ORDER BY permission`, app)
	if err != nil {
		return nil, fmt.Errorf("%s - list %s: %w", grantsLogPrefix, app, err)
	}
	grants, err := pgx.CollectRows(rows, pgx.RowToStructByPos[PermissionGrant])
	if err != nil {
		return nil, fmt.Errorf("%s - scan %s: %w", grantsLogPrefix, app, err)
	}
	return grants, nil
}

// DeleteGrant forgets the decision for (app, permission). It reports whether
// a row was removed.
func (r *GrantRepository) DeleteGrant(ctx context.Context, app, permission string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM permission_grants WHERE app = $1 AND permission = $2`,
		app, permission)
	if err != nil {
		return false, fmt.Errorf("%s - delete %s/%s: %w", grantsLogPrefix, app, permission, err)
	}
	return tag.RowsAffected() > 0, nil
}
