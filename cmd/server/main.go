package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"retailcore/backend/internal/budget"
	"retailcore/backend/internal/cache"
	"retailcore/backend/internal/config"
	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/httpapi"
	"retailcore/backend/internal/lock"
	"retailcore/backend/internal/posting"
	"retailcore/backend/internal/service"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/store/memory"
	pgstore "retailcore/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		if cfg.RunMigrations {
			if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
				logger.Fatalf("migrations failed: %v", err)
			}
			logger.Info("migrations: up to date")
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	reports, locker, redisClose := connectRedis(ctx, cfg, logger)
	if redisClose != nil {
		closers = append(closers, redisClose)
	}

	dispatcher := budget.NewDispatcher(budget.NewUpdater(repo), logger, cfg.BudgetWorkers, cfg.BudgetQueueSize, cfg.CommitTimeout)

	svc := service.NewSaleOrchestrator(repo, service.Options{
		Logger:        logger,
		Locker:        locker,
		Reports:       reports,
		Budget:        dispatcher,
		CommitTimeout: cfg.CommitTimeout,
		MaxAttempts:   cfg.CommitMaxAttempts,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute)
	api := httpapi.New(svc, auth, logger, cfg.AllowedOrigin)

	if cfg.DatabaseURL == "" {
		logDevToken(auth, logger)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.CommitTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Infof("retail backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error: %v", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Errorf("budget dispatcher did not drain: %v", err)
	}
	stats := dispatcher.Stats()
	logger.WithFields(logrus.Fields{
		"module":    "budget",
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"dropped":   stats.Dropped,
	}).Info("budget dispatcher stopped")

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Errorf("close error: %v", err)
		}
	}

	logger.Info("server stopped")
}

// connectRedis returns the report cache and idempotency locker. Without a
// reachable Redis both fall back to no-ops and the unique index alone guards
// against duplicate sales.
func connectRedis(ctx context.Context, cfg config.Config, logger *logrus.Logger) (posting.ReportInvalidator, lock.Locker, func() error) {
	if cfg.RedisAddr == "" {
		logger.Info("cache: noop")
		return cache.NoopReportCache{}, lock.NoopLocker{}, nil
	}

	client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	reports := cache.NewRedisReportCache(client, cfg.ReportCachePrefix)
	if err := reports.Ping(ctx); err != nil {
		logger.Warnf("redis unavailable (%v), using noop cache and locker", err)
		_ = reports.Close()
		return cache.NoopReportCache{}, lock.NoopLocker{}, nil
	}

	logger.Info("cache: redis")
	locker := lock.NewRedisLocker(client, "sale-idem:", 30*time.Second, 2*time.Second)
	return reports, locker, reports.Close
}

func logDevToken(auth *httpapi.AuthManager, logger *logrus.Logger) {
	if !logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	token, expiresAt, err := auth.Sign(domain.Actor{TenantID: "demo-tenant", OperatorID: "demo-admin", Role: httpapi.RoleAdmin})
	if err != nil {
		logger.Warnf("could not issue development token: %v", err)
		return
	}
	logger.WithField("expires_at", expiresAt.Format(time.RFC3339)).Debugf("development token for demo-tenant: %s", token)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.CommitMaxAttempts < 1 {
		return fmt.Errorf("COMMIT_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}
