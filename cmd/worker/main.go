// Package main runs the background ledger archive worker (Redis job queue to S3).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-community/relay/config"
	"github.com/aura-community/relay/internal/ledger"
	"github.com/aura-community/relay/internal/worker"
	"github.com/aura-community/relay/pkg/database"
	"github.com/aura-community/relay/pkg/queue"
	"github.com/aura-community/relay/pkg/redis"
	"github.com/aura-community/relay/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	// The archiver reads what the server wrote, so it only makes sense against a shared store.
	if cfg.Store.Driver != "postgres" {
		logger.Fatal("worker requires STORE_DRIVER=postgres")
	}
	if cfg.AWS.LedgerBucket == "" {
		logger.Fatal("worker requires AWS_S3_LEDGER_BUCKET")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		LedgerBucket:    cfg.AWS.LedgerBucket,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	provenance := ledger.New(ledger.NewPostgresStore(pool), logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	archiver := worker.NewLedgerArchiver(provenance, s3Client, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		archiver.Run(workerCtx)
		close(done)
	}()
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
