// Package main is the entrypoint for the capability bridge (binary name "capability-bridge").
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/capability-bridge/internal/config"
	"github.com/morezero/capability-bridge/internal/server"
	"github.com/morezero/capability-bridge/pkg/db"
)

const usage = `Usage: capability-bridge [command]
       capability-bridge serve                Start the bridge (NATS surfaces, host relay, HTTP).
       capability-bridge migrate up           Run database migrations.
       capability-bridge migrate down         Roll back the permission grants table.
       capability-bridge migrate status       Show migration status.
       capability-bridge ensure-db [name]     Create database if missing (default name: bridge_test). Uses DATABASE_URL host/user.
       capability-bridge grants [app]         List stored permission grants.
       capability-bridge clear-grants [app]   Delete stored permission grants (all apps when omitted).
       capability-bridge catalog [file]       Print the capability catalog as JSON (CATALOG_FILE or built-in when omitted).

Commands:
  serve              (default) Start the capability bridge.
  migrate up         Run database migrations only.
  migrate down       Roll back the schema.
  migrate status     Show current migration status.
  ensure-db [name]   Create database (e.g. bridge_test) on same host as DATABASE_URL; then run tests with that URL.
  grants [app]       List remembered permission decisions.
  clear-grants [app] Forget remembered permission decisions.
  catalog [file]     Validate and print catalog metadata.

Environment: COMMS_URL, SUBJECT_PREFIX, DATABASE_URL (grants kept in memory when empty), MIGRATION_PATH,
CATALOG_FILE, GUARD_SCOPE, HTTP_ADDR (default :8080). See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}
	arg := func(i int) string {
		if len(args) > i {
			return args[i]
		}
		return ""
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("capability-bridge migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := withPool(runMigrateUp); err != nil {
				log.Fatalf("capability-bridge migrate up: %v", err)
			}
		case "status":
			if err := withPool(runMigrateStatus); err != nil {
				log.Fatalf("capability-bridge migrate status: %v", err)
			}
		case "down":
			if err := withPool(runMigrateDown); err != nil {
				log.Fatalf("capability-bridge migrate down: %v", err)
			}
		default:
			log.Fatalf("capability-bridge migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "grants":
		app := arg(1)
		if err := withPool(func(ctx context.Context, pool *pgxpool.Pool, _ *config.Config) error {
			return runListGrants(ctx, pool, app)
		}); err != nil {
			log.Fatalf("capability-bridge grants: %v", err)
		}
		return
	case "clear-grants":
		app := arg(1)
		if err := withPool(func(ctx context.Context, pool *pgxpool.Pool, _ *config.Config) error {
			return runClearGrants(ctx, pool, app)
		}); err != nil {
			log.Fatalf("capability-bridge clear-grants: %v", err)
		}
		return
	case "ensure-db":
		dbName := "bridge_test"
		if arg(1) != "" {
			dbName = arg(1)
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("capability-bridge ensure-db: %v", err)
		}
		return
	case "catalog":
		if err := runCatalog(arg(1)); err != nil {
			log.Fatalf("capability-bridge catalog: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("capability-bridge: %v", err)
	}
}

// withPool loads config, requires DATABASE_URL and runs fn with a pool.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	server.SetupLogging(cfg.LogLevel)
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, pool, cfg)
}

func runMigrateUp(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
	migrationSQL, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
	return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
}

func runMigrateDown(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
	return db.MigrationDown(ctx, pool, cfg.MigrationPath)
}

func runListGrants(ctx context.Context, pool *pgxpool.Pool, app string) error {
	grants, err := db.NewGrantRepository(pool).ListGrants(ctx, app)
	if err != nil {
		return fmt.Errorf("list grants: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "APP\tPERMISSION\tMODE\tMODIFIED")
	for _, g := range grants {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", g.App, g.Permission, g.Mode, g.Modified.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runClearGrants(ctx context.Context, pool *pgxpool.Pool, app string) error {
	n, err := db.ClearGrants(ctx, pool, app)
	if err != nil {
		return fmt.Errorf("clear grants: %w", err)
	}
	fmt.Printf("Removed %d grants.\n", n)
	return nil
}

// targetDatabaseURL swaps the database name in databaseURL, keeping the
// query (e.g. sslmode).
func targetDatabaseURL(databaseURL, dbName string) (string, error) {
	if databaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	targetURL, err := targetDatabaseURL(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// catalogJSON builds the catalog from file (or CATALOG_FILE, or the built-in
// metadata) and renders it.
func catalogJSON(cfg *config.Config, file string) ([]byte, error) {
	if file != "" {
		cfg.CatalogFile = file
	}
	cat, err := server.BuildCatalog(cfg)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(map[string]any{
		"hostVersion":  cat.HostVersion(),
		"capabilities": cat.Describe(),
	}, "", "  ")
}

func runCatalog(file string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	data, err := catalogJSON(cfg, file)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
