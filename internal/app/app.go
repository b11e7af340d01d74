package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/google/googleapps-message-recall/internal/cache"
	"github.com/google/googleapps-message-recall/internal/config"
	"github.com/google/googleapps-message-recall/internal/counter"
	"github.com/google/googleapps-message-recall/internal/credentials"
	"github.com/google/googleapps-message-recall/internal/database"
	"github.com/google/googleapps-message-recall/internal/directory"
	"github.com/google/googleapps-message-recall/internal/handler"
	"github.com/google/googleapps-message-recall/internal/mailapi"
	"github.com/google/googleapps-message-recall/internal/metrics"
	"github.com/google/googleapps-message-recall/internal/recall"
	"github.com/google/googleapps-message-recall/internal/repository"
	"github.com/google/googleapps-message-recall/internal/router"
	"github.com/google/googleapps-message-recall/internal/scheduler"
	"github.com/google/googleapps-message-recall/internal/taskqueue"
)

// NewLogger builds the process logger from cfg.
func NewLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)
	return log, nil
}

// Run initializes and starts the application
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	log, err := NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	log.Info("Starting Message Recall Service")

	db, err := database.InitDatabase(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	sharedCache := cache.New(10 * time.Minute)

	minter, err := credentials.NewServiceAccountMinter(cfg.Google.ServiceAccountFile, credentials.DefaultScopes...)
	if err != nil {
		return fmt.Errorf("failed to load service account: %w", err)
	}
	tokens := credentials.NewProvider(minter, sharedCache, cfg.Credentials.TokenTTL, log)

	directories := func(ctx context.Context, owner string) (directory.Client, error) {
		return directory.NewAdminClient(ctx, tokens.TokenSource(ctx, owner))
	}

	repo := repository.New(db)
	counters := counter.New(db, sharedCache, counter.Config{
		InitialShards:      cfg.Counter.InitialShards,
		TransactionRetries: cfg.Counter.TransactionRetries,
		CacheTTL:           cfg.Counter.CacheTTL,
	}, m, log)
	queue := taskqueue.New(db, taskqueue.Config{
		MaxPending:   cfg.Queue.MaxPending,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryBackoff: cfg.Queue.RetryBackoff,
	}, log)

	dial := mailapi.TLSDialer(cfg.Google.IMAPHost, cfg.Google.IMAPPort, cfg.Google.IMAPTimeout)
	sessionCfg := mailapi.Config{SearchLabels: cfg.Google.SearchLabels, TrashLabel: cfg.Google.TrashLabel}
	recaller := mailapi.NewRecaller(func() *mailapi.Session {
		return mailapi.NewSession(dial, tokens, sessionCfg, log)
	}, repo, m, log)

	svc := recall.NewService(repo, counters, queue, directories, recaller, m, recall.Config{
		RateLimitPerSecond: cfg.Recall.RateLimitPerSecond,
		UserBatchSize:      cfg.Recall.UserBatchSize,
		UserPageSize:       cfg.Recall.UserPageSize,
		DirectoryPageSize:  cfg.Google.DirectoryPageSize,
		MonitorInterval:    cfg.Recall.MonitorInterval,
		MonitorMaxInterval: cfg.Recall.MonitorMaxInterval,
		MonitorTimeout:     cfg.Recall.MonitorTimeout,
	}, log)

	dispatcher := scheduler.NewDispatcher(scheduler.Config{
		PollInterval: cfg.Queue.PollInterval,
		Workers:      cfg.Queue.Workers,
		Lease:        cfg.Queue.Lease,
	}, queue, svc, m, log)

	var admins handler.AdminChecker
	if cfg.Server.RequireAdmin {
		admins = directory.NewAdminGate(directories, sharedCache, cfg.Credentials.AdminTTL, log)
	}

	h := handler.NewHandlers(db, svc, repo, dispatcher, queue, admins, log)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.SetupRouter(h, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		log.Errorf("HTTP server error: %v", err)
	}

	log.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := dispatcher.Stop(); err != nil {
		log.Errorf("Failed to stop dispatcher: %v", err)
	}
	dispatcher.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP server shutdown error: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Errorf("Failed to close database: %v", err)
		}
	}

	log.Info("Server stopped gracefully")
	return nil
}
