package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	cacheadapter "github.com/viralforge/devicetrust/internal/adapters/cache"
	eventadapter "github.com/viralforge/devicetrust/internal/adapters/events"
	grpcadapter "github.com/viralforge/devicetrust/internal/adapters/grpc"
	httpadapter "github.com/viralforge/devicetrust/internal/adapters/http"
	"github.com/viralforge/devicetrust/internal/adapters/postgres"
	"github.com/viralforge/devicetrust/internal/adapters/security"
	"github.com/viralforge/devicetrust/internal/application"
	"github.com/viralforge/devicetrust/internal/ports"
)

// Runtime owns every long-lived dependency of one process. The same
// runtime backs the API server, the outbox worker and the provisioning CLI.
type Runtime struct {
	cfg     Config
	logger  *slog.Logger
	db      *gorm.DB
	redis   *redis.Client
	repos   postgres.Repositories
	service *application.Service
	closers []func() error
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("bootstrapping device trust authentication service",
		"operation", "bootstrap",
		"outcome", "started",
		"http_port", cfg.HTTPPort,
		"grpc_port", cfg.GRPCPort,
	)

	rt := &Runtime{cfg: cfg, logger: logger}
	if err := rt.connect(ctx); err != nil {
		rt.close()
		return nil, err
	}

	hasher := security.NewBoundedHasher(
		security.NewArgon2Hasher(security.Argon2Params{
			MemoryKiB:   cfg.Argon2MemoryKiB,
			Iterations:  cfg.Argon2Iterations,
			Parallelism: cfg.Argon2Parallelism,
		}),
		cfg.HashConcurrency,
		cfg.HashMaxWait,
	)
	fingerprints, err := security.NewFingerprintHasher(cfg.FingerprintPepper, cfg.FingerprintVersion, logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("init fingerprint hasher: %w", err)
	}

	svc, err := application.NewService(ctx, application.Dependencies{
		Config:        cfg.Auth(),
		Users:         rt.repos.Users,
		Devices:       rt.repos.Devices,
		LoginAttempts: rt.repos.LoginAttempts,
		Sessions:      cacheadapter.NewRedisSessionStore(rt.redis),
		RateLimits:    cacheadapter.NewRedisRateLimitStore(rt.redis),
		Hasher:        hasher,
		Fingerprints:  fingerprints,
		Audit:         eventadapter.NewOutboxAuditSink(logger, rt.repos.Outbox),
	})
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("init service: %w", err)
	}
	rt.service = svc
	return rt, nil
}

func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", cfg.ServiceID)
}

func (r *Runtime) connect(ctx context.Context) error {
	db, err := postgres.Connect(ctx, r.cfg.DatabaseURL, r.cfg.MaxDBConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("gorm sql db: %w", err)
	}
	r.db = db
	r.closers = append(r.closers, sqlDB.Close)

	if err := postgres.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	redisClient, err := cacheadapter.Connect(ctx, r.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	r.redis = redisClient
	r.closers = append(r.closers, redisClient.Close)

	r.repos = postgres.NewRepositories(db)
	return nil
}

// Service exposes the wired application service to commands such as
// provisioning.
func (r *Runtime) Service() *application.Service { return r.service }

func (r *Runtime) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.close()

	proxies, err := r.cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	handler := httpadapter.NewHandler(r.service, httpadapter.Options{
		TrustedProxies: proxies,
		Readiness:      r.ready,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", r.cfg.HTTPPort),
		Handler:           httpadapter.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       r.cfg.HTTPReadTimeout,
		WriteTimeout:      r.cfg.HTTPWriteTimeout,
		IdleTimeout:       r.cfg.HTTPIdleTimeout,
	}

	grpcServer, healthServer := grpcadapter.NewServer(grpcadapter.NewSessionServer(r.service))
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "operation", "run_api", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "operation", "run_api", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received", "operation", "run_api")
	case runErr = <-errCh:
		r.logger.Error("server failure", "operation", "run_api", "outcome", "failure", "error", runErr)
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	stopGRPC(grpcServer, 5*time.Second)
	return runErr
}

// stopGRPC drains in-flight calls and forces the stop after grace.
func stopGRPC(server *grpc.Server, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		server.Stop()
	}
}

// RunWorker relays outbox rows to Kafka, or to the log when no brokers are
// configured.
func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.close()

	publisher, err := r.newPublisher()
	if err != nil {
		return err
	}
	worker := eventadapter.NewOutboxWorker(
		r.logger,
		r.repos.Outbox,
		publisher,
		r.cfg.OutboxPollInterval,
		r.cfg.OutboxBatchSize,
		r.cfg.OutboxClaimTTL,
		r.cfg.OutboxMaxRetries,
	)

	r.logger.Info("outbox worker started", "operation", "run_worker", "kafka", len(r.cfg.KafkaBrokers) > 0)
	err = worker.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runtime) newPublisher() (ports.EventPublisher, error) {
	if len(r.cfg.KafkaBrokers) == 0 {
		r.logger.Warn("no kafka brokers configured; audit events are relayed to the log",
			"operation", "run_worker",
			"outcome", "degraded",
		)
		return eventadapter.NewLoggingPublisher(r.logger), nil
	}
	publisher, err := eventadapter.NewKafkaPublisher(r.cfg.KafkaBrokers, r.cfg.KafkaTopic, r.cfg.KafkaTopicByEvent)
	if err != nil {
		return nil, fmt.Errorf("init kafka publisher: %w", err)
	}
	r.closers = append(r.closers, publisher.Close)
	return publisher, nil
}

// Close releases every connection. Commands that do not call RunAPI or
// RunWorker must call it themselves.
func (r *Runtime) Close() { r.close() }

func (r *Runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close dependency failed", "operation", "shutdown", "outcome", "failure", "error", err)
		}
	}
	r.closers = nil
}
