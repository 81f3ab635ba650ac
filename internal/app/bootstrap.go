package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"

	"github.com/LABPAAD/site-paad-backend/internal/auth"
	"github.com/LABPAAD/site-paad-backend/internal/authz"
	"github.com/LABPAAD/site-paad-backend/internal/config"
	"github.com/LABPAAD/site-paad-backend/internal/db"
	"github.com/LABPAAD/site-paad-backend/internal/kv"
	"github.com/LABPAAD/site-paad-backend/internal/maintenance"
	"github.com/LABPAAD/site-paad-backend/internal/observability"
	"github.com/LABPAAD/site-paad-backend/internal/store"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
	// StartScheduler runs the periodic in-memory state sweep. Serverless
	// entry points leave it off and rely on the cleanup endpoint.
	StartScheduler bool
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Close   func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: options.LoadDotEnv})
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	closers := []func() error{database.Close}
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		observability.FlushSentry()
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	if options.RunMigrations || cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			return fail(fmt.Errorf("run migrations: %w", err))
		}
		version, err := db.MigrationVersion(ctx, database)
		if err != nil {
			return fail(err)
		}
		logger.Info("migrations_applied", map[string]any{"version": version})
	}

	state, sweeper, err := openState(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if closer, ok := state.(interface{ Close() error }); ok {
		closers = append(closers, closer.Close)
	}

	postgres := store.NewPostgres(database)
	gate := authz.NewGate(postgres, logger)
	delivery := auth.NewLogDelivery(logger, cfg.FrontendURL, cfg.Development())

	authService, err := auth.NewService(postgres, state, delivery, logger, auth.Config{
		JWTSecret:    cfg.Auth.JWTSecret,
		SessionTTL:   cfg.SessionTTL(),
		MaxAttempts:  cfg.Auth.LoginMaxAttempts,
		LockDuration: cfg.LockDuration(),
		ResetTTL:     cfg.ResetTokenTTL(),
		TOTPIssuer:   cfg.Auth.TOTPIssuer,
	})
	if err != nil {
		return fail(fmt.Errorf("init auth service: %w", err))
	}
	authService.WithAccountManagement(postgres, gate)

	if err := authService.BootstrapAdmin(ctx, cfg.Admin.Email, cfg.Admin.Password, cfg.Admin.FullName); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	authHandler := auth.NewHandler(authService, gate, auth.CookieOptions{
		Name:   cfg.Cookie.Name,
		Secure: cfg.Cookie.Secure,
	}, logger)
	loginLimiter := auth.NewLoginRateLimiter(cfg.Auth.LoginRatePerMinute, nil).TrustForwardedFor(cfg.TrustProxyHeaders)

	cleanupHandler := maintenance.NewCleanupHandler(sweeper, logger, cfg.CronSecret)

	if options.StartScheduler && sweeper != nil {
		scheduler, err := startSweepScheduler(cfg.StateSweepInterval(), cleanupHandler)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error {
			<-scheduler.Stop().Done()
			return nil
		})
	}

	mux := http.NewServeMux()
	authHandler.Register(mux, loginLimiter)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(postgres))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	logger.Info("app_built", map[string]any{
		"env":         cfg.AppEnv,
		"state_store": stateKind(sweeper),
	})

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Close:   closeAll,
	}, nil
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	database.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	database.SetConnMaxIdleTime(cfg.ConnMaxIdleTime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return database, nil
}

// openState picks Redis when REDIS_URL is set so attempt counters and
// reset tokens are shared between instances. The in-memory store is
// returned together with its sweeper.
func openState(ctx context.Context, cfg config.Config) (kv.Store, maintenance.Sweeper, error) {
	if cfg.RedisURL == "" {
		memory := kv.NewMemory()
		return memory, memory, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	redisStore, err := kv.OpenRedis(pingCtx, cfg.RedisURL, cfg.RedisPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("open redis: %w", err)
	}
	return redisStore, nil, nil
}

func startSweepScheduler(interval time.Duration, cleanup *maintenance.CleanupHandler) (*cron.Cron, error) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", interval), func() { cleanup.Run() }); err != nil {
		return nil, fmt.Errorf("schedule state sweep: %w", err)
	}
	scheduler.Start()
	return scheduler, nil
}

func stateKind(sweeper maintenance.Sweeper) string {
	if sweeper != nil {
		return "memory"
	}
	return "redis"
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
