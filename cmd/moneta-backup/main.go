package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fernwick/moneta/internal/archive"
	"github.com/fernwick/moneta/internal/catalog"
	"github.com/fernwick/moneta/internal/database"
	"github.com/fernwick/moneta/internal/datastore"
	"github.com/fernwick/moneta/internal/engine"
	"github.com/fernwick/moneta/internal/handler"
	"github.com/fernwick/moneta/internal/logging"
	"github.com/fernwick/moneta/internal/notify"
	"github.com/fernwick/moneta/internal/objectstore"
	"github.com/fernwick/moneta/internal/retention"
	"github.com/fernwick/moneta/internal/scheduler"
	"github.com/fernwick/moneta/internal/server"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDays(key string, fallback int) time.Duration {
	days := fallback
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	return time.Duration(days) * 24 * time.Hour
}

func main() {
	logger := logging.Setup(envOr("MONETA_LOG_LEVEL", "info"), envOr("MONETA_LOG_FORMAT", "text"))

	passphrase := os.Getenv("MONETA_BACKUP_PASSPHRASE")
	codec, err := archive.NewCodec(passphrase)
	if err != nil {
		// A silently generated throwaway key would make every backup
		// unrestorable after a restart, so missing key material is fatal.
		log.Fatalf("encryption config: %v", err)
	}

	db, err := database.Open(envOr("MONETA_DB_PATH", "moneta.db"))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	gateway, err := objectstore.New(objectstore.Config{
		Endpoint:  os.Getenv("MONETA_S3_ENDPOINT"),
		Bucket:    os.Getenv("MONETA_S3_BUCKET"),
		Region:    envOr("MONETA_S3_REGION", "us-east-1"),
		AccessKey: os.Getenv("MONETA_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("MONETA_S3_SECRET_KEY"),
	})
	if err != nil {
		log.Fatalf("object storage config: %v", err)
	}

	store := datastore.NewSQLiteStore(db)
	cat := catalog.New(db)

	policy := engine.RetentionPolicy{
		Full:        envDays("MONETA_RETENTION_FULL_DAYS", 180),
		Incremental: envDays("MONETA_RETENTION_INCREMENTAL_DAYS", 30),
		Manual:      envDays("MONETA_RETENTION_MANUAL_DAYS", 365),
	}

	eng := engine.New(store, codec, gateway, cat, policy,
		envOr("MONETA_ENV", "production"), logger.With("component", "engine"))
	sweeper := retention.NewSweeper(cat, gateway, logger.With("component", "retention"))

	var notifier notify.Notifier
	emailNotifier := notify.NewEmailNotifier(
		os.Getenv("MONETA_POSTMARK_TOKEN"),
		os.Getenv("MONETA_ALERT_FROM"),
		os.Getenv("MONETA_ALERT_TO"),
	)
	if emailNotifier.Configured() {
		notifier = emailNotifier
	} else {
		logger.Warn("operator email not configured, backup notifications go to the log only")
		notifier = &notify.LogNotifier{Logger: logger.With("component", "notify")}
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.IncrementalSpec = envOr("MONETA_SCHEDULE_INCREMENTAL", schedCfg.IncrementalSpec)
	schedCfg.FullSpec = envOr("MONETA_SCHEDULE_FULL", schedCfg.FullSpec)
	schedCfg.SweepSpec = envOr("MONETA_SCHEDULE_SWEEP", schedCfg.SweepSpec)
	schedCfg.VerifySpec = envOr("MONETA_SCHEDULE_VERIFY", schedCfg.VerifySpec)

	sched := scheduler.New(eng, sweeper, cat, notifier, schedCfg, logger.With("component", "scheduler"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	backupH := handler.NewBackupHandler(eng, cat, sweeper, sched, gateway,
		logger.With("component", "handler"))
	srv := server.New(backupH, cat, logger.With("component", "server"))

	port := envOr("MONETA_PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("moneta backup service listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	sched.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}
