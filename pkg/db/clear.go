// Package db provides grant data clearing.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearGrants removes every remembered permission decision. With app set,
// only that app's decisions are removed. Schema is preserved.
func ClearGrants(ctx context.Context, pool *pgxpool.Pool, app string) (int64, error) {
	if app == "" {
		slog.Info(fmt.Sprintf("%s - Clearing all permission grants", clearLogPrefix))
		tag, err := pool.Exec(ctx, `DELETE FROM permission_grants`)
		if err != nil {
			return 0, fmt.Errorf("%s - delete failed: %w", clearLogPrefix, err)
		}
		return tag.RowsAffected(), nil
	}

	slog.Info(fmt.Sprintf("%s - Clearing permission grants for %s", clearLogPrefix, app))
	tag, err := pool.Exec(ctx, `DELETE FROM permission_grants WHERE app = $1`, app)
	if err != nil {
		return 0, fmt.Errorf("%s - delete failed: %w", clearLogPrefix, err)
	}
	return tag.RowsAffected(), nil
}
