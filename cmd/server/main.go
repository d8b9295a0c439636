package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"nest/internal/escrow/events"
	"nest/internal/escrow/handler"
	"nest/internal/escrow/lock"
	"nest/internal/escrow/rules"
	"nest/internal/escrow/service"
	"nest/internal/escrow/store/memory"
	escrowpg "nest/internal/escrow/store/postgres"
	"nest/internal/escrow/worker"
	jwttoken "nest/internal/jwt_token"
	"nest/internal/platform/config"
	"nest/internal/platform/httpserver"
	"nest/internal/platform/kafka"
	"nest/internal/platform/logger"
	"nest/internal/platform/metrics"
	"nest/internal/platform/postgres"
	"nest/internal/platform/redis"
	"nest/internal/ratelimit"
	httptransport "nest/internal/transport/http"
	"nest/pkg/platform/audit"
	auditmem "nest/pkg/platform/audit/store/memory"
	auditpg "nest/pkg/platform/audit/store/postgres"
	"nest/pkg/platform/circuit"
	"nest/pkg/platform/privacy"
	"nest/pkg/platform/tx"
)

const (
	jwtAudience      = "nest-api"
	topicPartitions  = 3
	topicReplication = 1
)

// main wires the escrow service, its storage and transports, and keeps the
// process lifecycle small. Business logic lives in internal/escrow.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nest: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	checks := map[string]httptransport.HealthCheck{}

	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backend.close()
	if backend.db != nil {
		checks["postgres"] = backend.db.PingContext
	}

	hasher, err := audit.HasherFor(cfg.Audit.HashAlgorithm)
	if err != nil {
		return err
	}
	chain := audit.NewChain(backend.auditStore, backend.runner,
		audit.WithHasher(hasher),
		audit.WithLogger(log),
		audit.WithMetrics(audit.NewMetrics(prometheus.DefaultRegisterer)),
	)

	matrix := rules.DefaultMatrix()
	if len(cfg.Approvals.Matrix) > 0 {
		if matrix, err = rules.ParseMatrix(cfg.Approvals.Matrix); err != nil {
			return err
		}
	}

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithApproverMatrix(matrix),
		service.WithApprovalWindow(cfg.Approvals.Window),
		service.WithSweepBatch(cfg.Approvals.SweepBatch),
	}

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = redisClient.Health
		opts = append(opts, service.WithLocker(lock.NewRedisLocker(redisClient.Client, lock.WithTTL(cfg.Redis.LockTTL))))
		log.Info("using redis account locks")
	}

	publisher, kafkaClient, err := openPublisher(ctx, cfg, log)
	if err != nil {
		return err
	}
	if kafkaClient != nil {
		defer kafkaClient.Close()
		checks["kafka"] = kafkaClient.Ping
	}
	opts = append(opts, service.WithPublisher(publisher))

	protector, err := openProtector(cfg.Security)
	if err != nil {
		return err
	}
	if protector != nil {
		opts = append(opts, service.WithProtector(protector))
	}

	svc, err := service.New(backend.stores, chain, backend.runner, opts...)
	if err != nil {
		return err
	}

	var limiter func(http.Handler) http.Handler
	if cfg.RateLimit.Requests > 0 {
		var store ratelimit.Store = ratelimit.NewMemoryStore()
		if redisClient != nil {
			store = ratelimit.NewRedisStore(redisClient.Client)
		}
		limiter = ratelimit.New(store, cfg.RateLimit.Requests, cfg.RateLimit.Window, log).Handler
	}

	tokens := jwttoken.NewJWTService(cfg.Security.JWTSigningKey, cfg.Security.JWTIssuer, jwtAudience)
	router := httptransport.NewRouter(httptransport.Deps{
		Logger:         log,
		Metrics:        m,
		TokenValidator: jwttoken.NewValidator(tokens),
		Checks:         checks,
		RateLimit:      limiter,
		API:            []httptransport.RouteRegistrar{handler.New(svc, log)},
	})
	srv := httpserver.New(cfg.Server.Addr, router)
	sweeper := worker.NewSweeper(svc, cfg.Approvals.SweepInterval, worker.WithLogger(log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting nest", "addr", cfg.Server.Addr, "storage", backend.name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type backend struct {
	name       string
	db         *sql.DB
	stores     service.Stores
	auditStore audit.Store
	runner     tx.Runner
}

func (b *backend) close() {
	if b.db != nil {
		_ = b.db.Close()
	}
}

// openBackend uses PostgreSQL when DATABASE_URL is set and falls back to the
// in-memory stores for local runs.
func openBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (*backend, error) {
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set, using in-memory stores")
		return &backend{
			name: "memory",
			stores: service.Stores{
				Escrows:      memory.NewEscrowStore(),
				Rules:        memory.NewRuleStore(),
				Approvals:    memory.NewApprovalStore(),
				Proposals:    memory.NewProposalStore(),
				Transactions: memory.NewTransactionStore(),
			},
			auditStore: auditmem.NewInMemoryStore(),
			runner:     tx.NewMemoryRunner(),
		}, nil
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	pg := escrowpg.New(db)
	return &backend{
		name: "postgres",
		db:   db,
		stores: service.Stores{
			Escrows:      pg.Escrows,
			Rules:        pg.Rules,
			Approvals:    pg.Approvals,
			Proposals:    pg.Proposals,
			Transactions: pg.Transactions,
		},
		auditStore: auditpg.New(db),
		runner:     tx.NewSQLRunner(db, tx.WithTimeout(cfg.Database.TxTimeout), tx.WithIsolation(sql.LevelReadCommitted)),
	}, nil
}

func openPublisher(ctx context.Context, cfg config.Config, log *slog.Logger) (events.Publisher, *kgo.Client, error) {
	client, err := kafka.NewClient(ctx, cfg.Kafka)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		return events.NewLogPublisher(log), nil, nil
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := kafka.EnsureTopic(ensureCtx, client, cfg.Kafka.Topic, topicPartitions, topicReplication); err != nil {
		client.Close()
		return nil, nil, err
	}
	log.Info("publishing escrow events to kafka", "topic", cfg.Kafka.Topic)
	primary := events.NewKafkaPublisher(client, cfg.Kafka.Topic)
	publisher := events.NewFallbackPublisher(primary, events.NewLogPublisher(log), circuit.New("kafka"), log)
	return publisher, client, nil
}

// openProtector returns nil when no keys are configured; payout account
// numbers are then rejected by CreateEscrow.
func openProtector(cfg config.SecurityConfig) (*privacy.Protector, error) {
	if cfg.EncryptionKey == "" && cfg.HashKey == "" {
		return nil, nil
	}
	encKey, err := privacy.DecodeKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("NEST_ENCRYPTION_KEY: %w", err)
	}
	hashKey, err := privacy.DecodeKey(cfg.HashKey)
	if err != nil {
		return nil, fmt.Errorf("NEST_HASH_KEY: %w", err)
	}
	return privacy.New(encKey, hashKey)
}
