package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"analyticsvr/dashboard/internal/audit"
	"analyticsvr/dashboard/internal/auth"
	"analyticsvr/dashboard/internal/catalog"
	"analyticsvr/dashboard/internal/config"
	"analyticsvr/dashboard/internal/dataset"
	"analyticsvr/dashboard/internal/httpserver"
	"analyticsvr/dashboard/internal/migrations"
	"analyticsvr/dashboard/internal/observability"
	"analyticsvr/dashboard/internal/presets"
	"analyticsvr/dashboard/internal/report"
)

type App struct {
	cfg      config.Config
	log      *slog.Logger
	backends *Backends
	auth     *auth.Service
	loader   *dataset.Loader
	server   *httpserver.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	}
	metrics := observability.NewMetrics()

	backends, err := OpenBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: logger, backends: backends}
	if err := a.build(ctx, metrics); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, metrics *observability.Metrics) error {
	cfg, logger, db := a.cfg, a.log, a.backends.DB

	svc, err := NewAuthService(cfg, a.backends, logger, metrics)
	if err != nil {
		return err
	}
	a.auth = svc

	cat, err := catalog.Load(catalog.Options{
		File:     cfg.Data.CatalogFile,
		DataDir:  cfg.Data.Dir,
		Pattern:  cfg.Data.DiscoveryPattern,
		Logger:   logger,
		Discover: cfg.Data.Discover,
	})
	if err != nil {
		return fmt.Errorf("load project catalog: %w", err)
	}
	logger.Info("project catalog loaded", "projects", cat.Len())

	router := dataset.Router{Files: dataset.FileSource{}}
	if needsS3(cat) {
		client, err := dataset.NewS3Client(ctx, dataset.S3Config{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return fmt.Errorf("create s3 client: %w", err)
		}
		router.S3 = dataset.NewS3Source(client)
	}
	a.loader, err = dataset.NewLoader(router, dataset.LoaderOptions{
		Logger:  logger,
		Metrics: metrics,
		Watch:   cfg.Data.Watch,
	})
	if err != nil {
		return fmt.Errorf("create dataset loader: %w", err)
	}

	var presetStore presets.Store
	if db != nil {
		presetStore, err = presets.NewPGService(db)
	} else {
		presetStore, err = presets.NewServiceWithFile(cfg.PresetStateFile)
	}
	if err != nil {
		return fmt.Errorf("create preset store: %w", err)
	}

	a.server = httpserver.New(cfg.HTTP, httpserver.Deps{
		Sessions:        auth.NewManager(svc, logger),
		Accounts:        svc,
		Catalog:         cat,
		Dashboards:      report.DefaultRegistry(a.loader),
		Presets:         presetStore,
		Audit:           audit.NewLogger(cfg.AuditLogFile),
		Metrics:         metrics,
		Logger:          logger,
		FrontendDistDir: cfg.FrontendDistDir,
		Ready:           a.backends.Ping,
	})
	return nil
}

func needsS3(cat *catalog.Catalog) bool {
	for _, p := range cat.All() {
		if dataset.IsS3Location(p.DataFile) {
			return true
		}
	}
	return false
}

func (a *App) Run(ctx context.Context) error {
	defer func() { _ = a.Close() }()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go a.loader.Run(bgCtx)
	go a.sweepLoop(bgCtx)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr)
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exited: %w", err)
	}
}

// sweepLoop deletes expired sessions between requests so an idle deployment
// does not accumulate them.
func (a *App) sweepLoop(ctx context.Context) {
	interval := a.cfg.Auth.SweepInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.auth.Sweep(ctx)
			if err != nil {
				a.log.Warn("background session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.log.Info("expired sessions removed", "count", n)
			}
		}
	}
}

func (a *App) Close() error {
	var errs []error
	if a.loader != nil {
		errs = append(errs, a.loader.Close())
	}
	if a.backends != nil {
		errs = append(errs, a.backends.Close())
	}
	return errors.Join(errs...)
}

// Backends holds the external connections the configured stores need. Either
// field may be nil.
type Backends struct {
	DB    *sql.DB
	Redis *redis.Client
}

// OpenBackends connects to Postgres when DATABASE_URL is set (applying
// pending migrations) and to Redis when it backs the session store.
func OpenBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		b.DB = db
		if err := db.PingContext(ctx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = b.Close()
			return nil, err
		}
		logger.Info("database migrations applied")
	}

	if cfg.Auth.SessionBackend == config.BackendRedis {
		b.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.Redis.Ping(ctx).Err(); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}
	return b, nil
}

func (b *Backends) Ping(ctx context.Context) error {
	if b.DB != nil {
		if err := b.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
	}
	if b.Redis != nil {
		if err := b.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}
	return nil
}

func (b *Backends) Close() error {
	var errs []error
	if b.DB != nil {
		errs = append(errs, b.DB.Close())
	}
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	return errors.Join(errs...)
}

// NewAuthService builds the credential and session stores selected by cfg.
func NewAuthService(cfg config.Config, b *Backends, logger *slog.Logger, metrics auth.Metrics) (*auth.Service, error) {
	var users auth.UserStore
	switch cfg.Auth.UserBackend {
	case config.BackendPostgres:
		pg, err := auth.NewPostgresUserStore(b.DB)
		if err != nil {
			return nil, fmt.Errorf("create postgres user store: %w", err)
		}
		seeded, err := pg.SeedDefaults()
		if err != nil {
			return nil, fmt.Errorf("seed default users: %w", err)
		}
		if seeded {
			logger.Info("default users created")
		}
		users = pg
	default:
		fs, err := auth.NewFileUserStore(cfg.Auth.UserStateFile, logger)
		if err != nil {
			return nil, fmt.Errorf("create user store: %w", err)
		}
		users = fs
	}

	var sessions auth.SessionStore
	var err error
	switch cfg.Auth.SessionBackend {
	case config.BackendPostgres:
		sessions, err = auth.NewPostgresSessionStore(b.DB, logger)
	case config.BackendRedis:
		sessions, err = auth.NewRedisSessionStore(b.Redis, cfg.Redis.SessionKey, logger)
	default:
		sessions, err = auth.NewFileSessionStore(cfg.Auth.SessionStateFile, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	svc, err := auth.NewService(users, sessions, auth.ServiceConfig{
		SessionTTL: cfg.Auth.SessionTTL,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create auth service: %w", err)
	}
	logger.Info("auth configured",
		"user_backend", cfg.Auth.UserBackend,
		"session_backend", cfg.Auth.SessionBackend,
		"session_ttl", cfg.Auth.SessionTTL.String(),
	)
	return svc, nil
}
