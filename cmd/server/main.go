package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"cohort/internal/admin"
	batchhandler "cohort/internal/batch/handler"
	batchmetrics "cohort/internal/batch/metrics"
	"cohort/internal/batch/models"
	batchservice "cohort/internal/batch/service"
	batchstore "cohort/internal/batch/store"
	"cohort/internal/platform/config"
	"cohort/internal/platform/httpserver"
	"cohort/internal/platform/logger"
	httpmetrics "cohort/internal/platform/metrics"
	cohortotel "cohort/internal/platform/otel"
	"cohort/internal/platform/postgres"
	"cohort/internal/platform/redis"
	retrievalhandler "cohort/internal/retrieval/handler"
	"cohort/internal/retrieval/lockout"
	retrievalmetrics "cohort/internal/retrieval/metrics"
	"cohort/internal/retrieval/objectstore"
	retrievalservice "cohort/internal/retrieval/service"
	"cohort/internal/retrieval/token"
	httptransport "cohort/internal/transport/http"
	audit "cohort/pkg/platform/audit"
	"cohort/pkg/platform/audit/publisher"
	"cohort/pkg/platform/audit/store/kafka"
	auditmemory "cohort/pkg/platform/audit/store/memory"
	auditpostgres "cohort/pkg/platform/audit/store/postgres"
	"cohort/pkg/platform/middleware/metadata"
	"cohort/pkg/requestcontext"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal service packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cohort: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log, logCloser := logger.New(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(log)

	if cfg.UsesDevSigningKey() {
		log.Warn("using development token signing key; set COHORT_TOKEN_SIGNING_KEY")
	}
	if cfg.Server.AdminToken == "" {
		log.Warn("COHORT_ADMIN_TOKEN is empty; admin routes will reject every request")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := cohortotel.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	health := map[string]httptransport.HealthCheck{}

	var (
		batches    batchservice.Store
		auditStore audit.Store
	)
	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer closeDB(db, log)
		if cfg.Database.Migrate {
			if err := postgres.Migrate(ctx, db, batchstore.Schema, auditpostgres.Schema); err != nil {
				return err
			}
		}
		pgStore := batchstore.NewPostgres(db)
		batches = pgStore
		auditStore = auditpostgres.New(db)
		health["postgres"] = pgStore.Ping
		log.Info("using postgres batch store")
	} else {
		batches = batchstore.NewInMemory()
		auditStore = auditmemory.NewInMemoryStore()
		log.Warn("COHORT_DATABASE_URL is empty; batches are kept in memory")
	}

	pubOpts := []publisher.Option{
		publisher.WithLogger(log),
		publisher.WithMetrics(publisher.NewMetrics(reg)),
		publisher.WithAsyncBuffer(cfg.Audit.AsyncBuffer),
	}
	if cfg.Audit.SubjectKey != "" {
		hasher, err := audit.NewSubjectHasher([]byte(cfg.Audit.SubjectKey))
		if err != nil {
			return err
		}
		pubOpts = append(pubOpts, publisher.WithSubjectHasher(hasher))
	} else {
		log.Warn("COHORT_AUDIT_SUBJECT_KEY is empty; audit subject hashes will not correlate across restarts")
	}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		sink, err := kafka.New(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		if err != nil {
			return err
		}
		defer sink.Close()
		if err := sink.EnsureTopic(ctx, 3, 1); err != nil {
			log.Warn("could not ensure audit topic", "topic", cfg.Audit.KafkaTopic, "error", err)
		}
		pubOpts = append(pubOpts, publisher.WithSink(sink), publisher.WithCircuitBreaker(5, 30*time.Second))
	}
	auditPublisher := publisher.NewPublisher(auditStore, pubOpts...)
	defer auditPublisher.Close()

	coordinator, err := batchservice.New(batches,
		batchservice.WithLogger(log),
		batchservice.WithMetrics(batchmetrics.New(reg)),
		batchservice.WithAuditPublisher(auditPublisher),
		batchservice.WithTracer(otel.Tracer("cohort/batch")),
		batchservice.WithPolicy(models.Policy{
			Capacity:       cfg.Batch.Capacity,
			PaymentWindow:  cfg.Batch.PaymentWindow,
			PatienceWindow: cfg.Batch.PatienceWindow,
			PenaltyBps:     cfg.Batch.PenaltyBps,
		}),
	)
	if err != nil {
		return err
	}
	current, err := coordinator.CurrentBatch(requestcontext.WithTime(ctx, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("open current batch: %w", err)
	}
	log.Info("current batch", "batch_id", current.ID, "state", current.State)

	signer, err := token.NewSigner(cfg.Retrieval.TokenSigningKey, cfg.Retrieval.TokenIssuer, cfg.Retrieval.TokenTTL)
	if err != nil {
		return err
	}

	var failures retrievalservice.LockoutStore
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		failures = lockout.NewRedisStore(redisClient.Client)
		health["redis"] = redisClient.Health
	} else {
		mem, err := lockout.NewMemoryStore(cfg.Retrieval.LockoutCacheSize)
		if err != nil {
			return err
		}
		failures = mem
	}

	var presigner retrievalservice.Presigner
	if cfg.ObjectStore.Bucket != "" {
		s3, err := objectstore.NewS3(objectstore.Config{
			Bucket:          cfg.ObjectStore.Bucket,
			Region:          cfg.ObjectStore.Region,
			Endpoint:        cfg.ObjectStore.Endpoint,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		})
		if err != nil {
			return err
		}
		presigner = s3
	}

	issuer := retrievalservice.New(coordinator, signer,
		retrievalservice.WithLogger(log),
		retrievalservice.WithMetrics(retrievalmetrics.New(reg)),
		retrievalservice.WithAuditPublisher(auditPublisher),
		retrievalservice.WithTracer(otel.Tracer("cohort/retrieval")),
		retrievalservice.WithCandidateTimeout(cfg.Retrieval.CandidateTimeout),
		retrievalservice.WithLockout(failures, cfg.Retrieval.VerifyMaxFailures, cfg.Retrieval.VerifyLockoutWindow),
		retrievalservice.WithObjectStore(presigner, cfg.ObjectStore.ResultFileExt, cfg.ObjectStore.PresignTTL),
	)

	adminService, err := admin.New(coordinator, auditPublisher,
		admin.WithLogger(log),
		admin.WithAuditPublisher(auditPublisher),
	)
	if err != nil {
		return err
	}

	trusted, err := metadata.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	router := httptransport.NewRouter(httptransport.Options{
		Logger:         log,
		Metrics:        httpmetrics.New(reg),
		Gatherer:       reg,
		Health:         health,
		TrustedProxies: trusted,
		Handlers:       []httptransport.Registrar{
			batchhandler.New(coordinator, cfg.Server.ServiceToken, log),
			retrievalhandler.New(issuer, log),
			admin.NewHandler(adminService, cfg.Server.AdminToken, log),
		},
	})
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, cfg.Server.ShutdownTimeout, log)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func closeDB(db *sql.DB, log *slog.Logger) {
	if err := db.Close(); err != nil {
		log.Error("failed to close postgres", "error", err)
	}
}
