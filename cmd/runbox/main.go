// runbox is a multi-tenant code execution service: sandboxed one-shot runs
// for twelve languages plus pooled persistent Python interpreters with
// durable namespace state.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/runbox/runbox/internal/cleanup"
	"github.com/runbox/runbox/internal/config"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/files"
	"github.com/runbox/runbox/internal/kv"
	"github.com/runbox/runbox/internal/logging"
	"github.com/runbox/runbox/internal/metrics"
	"github.com/runbox/runbox/internal/orchestrator"
	"github.com/runbox/runbox/internal/pool"
	"github.com/runbox/runbox/internal/sandbox"
	"github.com/runbox/runbox/internal/server"
	"github.com/runbox/runbox/internal/session"
	"github.com/runbox/runbox/internal/state"
	"github.com/runbox/runbox/internal/storage"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logging.Init()
	log := logging.L().Named("main")
	defer logging.Sync()

	ctx := context.Background()

	// KV tier: Redis in production, in-memory for local runs.
	var kvs kv.Store
	if cfg.RedisURL != "" {
		redis, err := kv.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		kvs = redis
	} else {
		log.Warn("REDIS_URL not set, using in-memory store; state will not survive restarts")
		kvs = kv.NewMemory()
	}
	defer kvs.Close()

	// Blob tier: S3 in production, local filesystem otherwise.
	var blobs storage.BlobStore
	if cfg.S3Bucket != "" {
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			log.Fatal("s3 store failed", zap.Error(err))
		}
		blobs = s3Store
	} else {
		local, err := storage.NewLocalStore(cfg.LocalBlobDir)
		if err != nil {
			log.Fatal("local blob store failed", zap.Error(err))
		}
		log.Warn("S3_BUCKET not set, using local blob store", zap.String("dir", cfg.LocalBlobDir))
		blobs = local
	}

	sessions := session.New(kvs, cfg.SessionTTL)
	fileSvc := files.New(kvs, blobs, cfg.SessionTTL, cfg.PresignExpiry)
	states := state.New(kvs, blobs, cfg.StateTTL, cfg.UploadMarkerTTL)

	mgr := sandbox.NewManager(cfg.SandboxBaseDir)
	iso := sandbox.NewIsolator(cfg.SandboxIsolation, cfg.SandboxHostname, cfg.SandboxBaseDir)
	if !cfg.SandboxIsolation {
		log.Warn("sandbox isolation disabled; payloads run unconfined")
	}
	executor := sandbox.NewExecutor(mgr, iso, cfg.MaxOutputBytes)

	bus := events.NewBus(256)

	replPool := pool.New(pool.NewREPLFactory(mgr, iso), mgr, bus, pool.Config{
		Languages:         cfg.PoolLanguages,
		Size:              cfg.PoolSize,
		ParallelBatch:     cfg.PoolParallelBatch,
		ReplenishInterval: cfg.ReplenishInterval,
		CleanupWorkers:    cfg.CleanupWorkers,
	})
	replPool.Start()

	orch := orchestrator.New(sessions, fileSvc, states, replPool, executor, mgr, bus, orchestrator.Config{
		DefaultTimeout: cfg.DefaultTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		Workers:        cfg.CleanupWorkers,
	})

	db := openMetricsDB(log, cfg.MetricsDBPath)
	recorder := metrics.NewRecorder(db, bus, replPool)
	recorder.Start()

	sweeper := cleanup.New(mgr, replPool.LiveIDs, cfg.SweepInterval, cfg.MaxSandboxAge)
	sweeper.Start()

	srv := server.New(cfg, orch, sessions, fileSvc, states, replPool, kvs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}

	sweeper.Stop()
	recorder.Stop()
	orch.Close()
	replPool.Close()
	bus.Close()
	log.Info("shutdown complete")
}

func openMetricsDB(log *zap.Logger, path string) *gorm.DB {
	if path == "" {
		return nil
	}
	db, err := metrics.OpenDB(path)
	if err != nil {
		log.Warn("metrics database unavailable, continuing without persistence", zap.Error(err))
		return nil
	}
	return db
}
