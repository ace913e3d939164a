// Package server orchestrates all components: NATS client, grant store,
// bridge engine, surface lifecycle and host relay subscriptions, HTTP health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/internal/config"
	"github.com/morezero/capability-bridge/pkg/capabilities"
	"github.com/morezero/capability-bridge/pkg/catalog"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/db"
	"github.com/morezero/capability-bridge/pkg/dispatcher"
	"github.com/morezero/capability-bridge/pkg/engine"
	"github.com/morezero/capability-bridge/pkg/events"
	"github.com/morezero/capability-bridge/pkg/hostsvc"
	"github.com/morezero/capability-bridge/pkg/permission"
	"github.com/morezero/capability-bridge/pkg/relay"
)

const logPrefix = "server:server"

// Server is the capability-bridge orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	eng        *engine.Engine
	br         bridgeForServer
	subs       []*comms.Subscription
	httpServer *http.Server
}

// SetupLogging installs the slog text handler at the configured level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting capability-bridge", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	s.ListenHTTP()

	slog.Info(fmt.Sprintf("%s - Capability bridge is ready", logPrefix))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	s.Shutdown(ctx)
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// BuildCatalog loads the catalog metadata (CATALOG_FILE, a conventional
// location, or the built-in system capabilities) and builds it with the reference capabilities'
// options.
func BuildCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	var (
		meta *catalog.Metadata
		err  error
	)
	if cfg.CatalogFile != "" {
		meta, err = catalog.ReadMetadataFile(cfg.CatalogFile)
	} else {
		meta, err = catalog.LoadMetadata()
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load catalog: %w", logPrefix, err)
	}
	opts := append(capabilities.CatalogOptions(),
		catalog.WithHostVersion(cfg.HostVersion),
		catalog.WithRequestCodeBase(cfg.RequestCodeBase),
	)
	cat, err := catalog.Build(meta, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to build catalog: %w", logPrefix, err)
	}
	return cat, nil
}

// New connects to NATS and the grant store, assembles the engine and binds
// the host-facing subjects. It does not start HTTP; see ListenHTTP.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	// Step 1: Catalog
	cat, err := BuildCatalog(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - Catalog has %d capabilities (host %s)", logPrefix, len(cat.Names()), cat.HostVersion()))

	scope, err := cfg.Scope()
	if err != nil {
		return nil, err
	}

	// Step 2: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc

	// Step 3: Permission grants
	store, err := s.openGrantStore(ctx)
	if err != nil {
		s.Shutdown(ctx)
		return nil, err
	}

	// Step 4: Engine
	client := hostsvc.NewClient(nc, &hostsvc.ClientOpts{
		Prefix:        cfg.SubjectPrefix,
		Timeout:       cfg.HostRequestTimeout,
		PromptTimeout: cfg.PromptTimeout,
	})
	contacts := client.Contacts()
	checks := map[string]engine.HealthCheck{
		"comms": func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("comms status %s", nc.Status())
			}
			return nil
		},
	}
	if s.pool != nil {
		pool := s.pool
		checks["database"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}
	eng, err := engine.New(engine.Params{
		Catalog:    cat,
		GuardScope: scope,
		Provider:   permission.NewStoreProvider(store),
		Prompter:   client.Prompter(),
		Publisher:  events.NewCommsPublisher(nc, &events.CommsPublisherOpts{Prefix: cfg.SubjectPrefix}),
		Services: capabilities.Services{
			Battery:   client.Battery(),
			Picker:    contacts,
			Directory: contacts,
			Display:   client.Display(),
			Clipboard: client.ClipboardOpener(),
			Sensor:    client.Accelerometer(),
		},
		HostSink:          relay.NewCommsSink(nc, cfg.SubjectPrefix),
		RelayPendingLimit: cfg.RelayPendingLimit,
		Middleware:        []dispatcher.Middleware{dispatcher.LoggingMiddleware()},
		Checks:            checks,
	})
	if err != nil {
		s.Shutdown(ctx)
		return nil, fmt.Errorf("%s - failed to assemble bridge: %w", logPrefix, err)
	}
	s.eng = eng
	s.br = eng

	// Step 5: Host-facing subjects
	subs, err := subscribeSurfaces(nc, eng.Lifecycle, cfg.SubjectPrefix)
	if err != nil {
		s.Shutdown(ctx)
		return nil, err
	}
	s.subs = append(s.subs, subs...)

	relaySub, err := relay.Serve(nc, eng.Relay, cfg.SubjectPrefix)
	if err != nil {
		s.Shutdown(ctx)
		return nil, err
	}
	s.subs = append(s.subs, relaySub)

	return s, nil
}

func (s *Server) openGrantStore(ctx context.Context) (permission.GrantStore, error) {
	if s.cfg.DatabaseURL == "" {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL not set, permission grants kept in memory", logPrefix))
		return permission.NewMemoryStore(), nil
	}
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrationSQL, err := db.LoadMigrations(s.cfg.MigrationPath)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	return db.NewGrantRepository(pool), nil
}

// Engine returns the assembled bridge, for embedding a scripting runtime in
// the same process.
func (s *Server) Engine() *engine.Engine { return s.eng }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.newMux() }

// ListenHTTP starts the HTTP health server in the background.
func (s *Server) ListenHTTP() {
	httpAddr := s.cfg.HTTPAddr
	if httpAddr == "" {
		httpAddr = fmt.Sprintf(":%d", s.cfg.HTTPPort)
	}
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.newMux()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()
}

// Shutdown stops intake, force-disposes every capability instance and
// closes connections. Safe on a partially built Server.
func (s *Server) Shutdown(ctx context.Context) {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.eng != nil {
		s.eng.Close()
	}
	if s.nc != nil {
		s.nc.Drain()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
