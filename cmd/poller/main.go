// The poller binary runs the full intake pipeline: watermark polling, inbox
// drain, stage processing and the ops endpoints. One or more instances may
// run concurrently; coordination happens through the database (and an
// optional Redis poll-leader lease).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/svcops/intake/internal/blob"
	"github.com/svcops/intake/internal/casestore"
	"github.com/svcops/intake/internal/clock"
	"github.com/svcops/intake/internal/config"
	"github.com/svcops/intake/internal/inbox"
	"github.com/svcops/intake/internal/leader"
	"github.com/svcops/intake/internal/ocr"
	"github.com/svcops/intake/internal/ops"
	"github.com/svcops/intake/internal/pipeline"
	"github.com/svcops/intake/internal/worker"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	if os.Getenv("INTAKE_LOG_LEVEL") == "debug" {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("database connect failed")
	}
	defer pool.Close()

	blobs, err := blob.New(cfg.Blob.ConnectionString, cfg.Blob.SourceContainer,
		cfg.Blob.DestContainer, cfg.Blob.MaxRetries)
	if err != nil {
		log.WithError(err).Fatal("blob client init failed")
	}
	if err := blobs.VerifyContainers(ctx); err != nil {
		log.WithError(err).Fatal("blob containers unreachable")
	}

	clk := clock.System{}
	inboxStore := inbox.NewStore(pool, clk)
	caseStore := casestore.NewStore(pool, clk)
	statusWriter := inbox.NewStatusWriter(inboxStore, cfg.Inbox.MaxAttempts)

	staleLock := time.Duration(cfg.Inbox.StaleLockMinutes) * time.Minute
	reclaimer := inbox.NewReclaimer(inboxStore, statusWriter, staleLock,
		cfg.Poller.BatchSize, cfg.Inbox.MaxAttempts)

	recognizer := ocr.NewClient(ocr.Config{
		BaseURL:        cfg.OCR.BaseURL,
		ConnectTimeout: time.Duration(cfg.OCR.ConnectTimeoutSeconds) * time.Second,
		TotalTimeout:   time.Duration(cfg.OCR.TotalTimeoutSeconds) * time.Second,
		Retries:        cfg.OCR.Retries,
	})

	processor := pipeline.NewProcessor(caseStore, blobs, recognizer, pipeline.Config{
		TempDir:              cfg.Blob.TempDir,
		MaxPagesPerDoc:       cfg.OCR.MaxPagesPerDoc,
		TotalAttemptsBudget:  cfg.OCR.TotalAttemptsBudget,
		InterRequestDelay:    time.Duration(cfg.OCR.DelayBetweenRequestsSeconds) * time.Second,
		StopAfterCoversheet:  cfg.OCR.StopAfterCoversheet,
		CoversheetConfidence: cfg.OCR.CoversheetConfidence,
		MinCoversheetFields:  cfg.OCR.MinCoversheetFields,
	})

	workers := make([]*worker.Worker, cfg.Poller.Workers)
	for i := range workers {
		workers[i] = worker.New(inboxStore, statusWriter, processor, staleLock)
	}

	lease := leader.New(cfg.Redis.Addr, cfg.Redis.LeaseKey,
		time.Duration(cfg.Redis.LeaseTTLSecs)*time.Second)
	var leaseIface worker.LeaderLease
	if lease != nil {
		leaseIface = lease
		defer lease.Close()
	}

	opsServer := ops.NewServer(cfg.Ops.Port,
		ops.ReadinessCheck{Name: "database", Check: pool.Ping},
		ops.ReadinessCheck{Name: "blob", Check: blobs.VerifyContainers},
	)
	opsServer.Start()

	poller := worker.NewPoller(inboxStore, workers, reclaimer, leaseIface,
		cfg.Poller, cfg.Backpressure.PoolCriticalThreshold)
	if cfg.Poller.Enabled {
		poller.Start()
	} else {
		log.Warn("poller disabled by config; serving ops endpoints only")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	if cfg.Poller.Enabled {
		poller.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("ops server shutdown failed")
	}
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	pc.MaxConns = int32(cfg.Database.PoolSize + cfg.Database.MaxOverflow)
	pc.MaxConnLifetime = time.Duration(cfg.Database.PoolRecycleSeconds) * time.Second
	if cfg.Database.PoolPrePing {
		pc.HealthCheckPeriod = time.Minute
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
