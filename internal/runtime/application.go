// Package runtime wires the account pool's dependencies and manages process
// lifecycle: HTTP server, database and cache handles, and the periodic
// maintenance triggers.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/accountpool/internal/allocator"
	"github.com/R3E-Network/accountpool/internal/cache"
	"github.com/R3E-Network/accountpool/internal/config"
	"github.com/R3E-Network/accountpool/internal/floodban"
	"github.com/R3E-Network/accountpool/internal/httpapi"
	"github.com/R3E-Network/accountpool/internal/lease"
	"github.com/R3E-Network/accountpool/internal/metrics"
	"github.com/R3E-Network/accountpool/internal/middleware"
	"github.com/R3E-Network/accountpool/internal/ratelimit"
	"github.com/R3E-Network/accountpool/internal/storage/postgres"
	"github.com/R3E-Network/accountpool/pkg/logger"
)

// Application bundles every constructed dependency.
type Application struct {
	cfg    *config.Config
	log    *logger.Logger
	db     *sqlx.DB
	cache  cache.Cache
	flood  *floodban.Service
	limit  *ratelimit.Service
	server *http.Server
	cron   *cron.Cron
}

// NewApplication constructs the application from configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Component: "accountpool",
	})

	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	redisCache, err := cache.NewRedis(pingCtx, cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	keys := cache.NewKeys(cfg.Redis.KeyPrefix)
	repo := postgres.New(db)
	leases := lease.NewStore(redisCache, keys)
	limiter := ratelimit.NewService(repo, redisCache, keys, cfg.Limits, log.WithField("component", "ratelimit"))
	flood := floodban.NewService(repo, redisCache, keys, cfg.Limits, log.WithField("component", "floodban"))
	alloc := allocator.NewService(repo, leases, cfg.Limits, flood, log.WithField("component", "allocator"))

	handler := httpapi.NewHandler(httpapi.Services{
		Allocator: alloc,
		Limiter:   limiter,
		Flood:     flood,
		Repo:      repo,
		Cache:     redisCache,
		Log:       log.WithField("component", "httpapi"),
	})

	throttle := middleware.NewRateLimiter(cfg.HTTPLimit.RequestsPerSecond, cfg.HTTPLimit.Burst, log)
	throttle.StartCleanup(10 * time.Minute)

	var wrapped http.Handler = handler
	wrapped = middleware.AccessLog(log)(wrapped)
	wrapped = throttle.Handler(wrapped)
	wrapped = metrics.InstrumentHandler(wrapped)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      wrapped,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	app := &Application{
		cfg:    cfg,
		log:    log,
		db:     db,
		cache:  redisCache,
		flood:  flood,
		limit:  limiter,
		server: server,
	}
	if err := app.scheduleMaintenance(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// scheduleMaintenance registers the periodic triggers: recovery queue drain
// and daily counter reset. Both core operations are safe under concurrent
// triggers, so overlapping runs across replicas are harmless.
func (a *Application) scheduleMaintenance() error {
	c := cron.New()

	_, err := c.AddFunc(a.cfg.Maintenance.RecoverySchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		processed, err := a.flood.ProcessDueRecoveries(ctx, a.cfg.Maintenance.RecoveryBatch)
		if err != nil {
			a.log.WithError(err).Errorf("recovery sweep failed")
			return
		}
		metrics.RecordRecoveries("scheduled", processed)
		if processed > 0 {
			a.log.Infof("recovered %d accounts", processed)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule recovery sweep: %w", err)
	}

	_, err = c.AddFunc(a.cfg.Maintenance.ResetSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		affected, err := a.limit.ResetDailyCounters(ctx, time.Now())
		if err != nil {
			a.log.WithError(err).Errorf("daily counter reset failed")
			return
		}
		a.log.Infof("reset daily counters on %d accounts", affected)
	})
	if err != nil {
		return fmt.Errorf("schedule counter reset: %w", err)
	}

	a.cron = c
	return nil
}

// Run starts the maintenance scheduler and the HTTP server, blocking until
// the context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	a.cron.Start()
	defer a.cron.Stop()

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("listening on %s", a.cfg.Server.Addr())
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server gracefully.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}

// Close releases the database and cache handles.
func (a *Application) Close() {
	if a.cron != nil {
		a.cron.Stop()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.WithError(err).Warnf("closing cache")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warnf("closing database")
		}
	}
}
