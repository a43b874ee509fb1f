package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"corpportal.org/internal/audit"
	"corpportal.org/internal/auth"
	"corpportal.org/internal/config"
	"corpportal.org/internal/grpcapi"
	"corpportal.org/internal/httpapi"
	"corpportal.org/internal/obs"
	"corpportal.org/internal/store/memory"
	"corpportal.org/internal/store/pg"
	"corpportal.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("PORTAL_CONFIG"), "Path to YAML config file")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn("ignoring log level", zap.String("level", cfg.LogLevel), zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("portal auth stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	var (
		db        *sql.DB
		directory auth.UserDirectory
		events    httpapi.EventReader
		store     auth.AuditSink
	)
	if cfg.UsesPostgres() {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		db = pgStore.DB()
		directory = pgStore
		auditStore := audit.NewPGStore(db)
		events, store = auditStore, auditStore
	} else {
		mem := memory.New()
		n, err := mem.SeedFromFile(cfg.UsersFile)
		if err != nil {
			return err
		}
		logger.Info("loaded users", zap.Int("count", n), zap.String("file", cfg.UsersFile))
		directory = mem
		ring := audit.NewRing(cfg.Audit.RingSize)
		events, store = ring, ring
	}

	var (
		redisClient redis.UniversalClient
		memAttempts *auth.MemoryAttemptStore
		attempts    auth.AttemptStore
	)
	if cfg.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
		attempts = auth.NewRedisAttemptStore(redisClient, cfg.RedisPrefix)
	} else {
		memAttempts = auth.NewMemoryAttemptStore()
		attempts = memAttempts
	}

	guard, err := auth.NewGuard(
		auth.WithAttemptStore(attempts),
		auth.WithFailureThreshold(cfg.Lockout.Threshold),
		auth.WithFailureWindow(cfg.Lockout.FailureWindow),
		auth.WithLockoutDuration(cfg.Lockout.Duration),
	)
	if err != nil {
		return err
	}
	issuer, err := auth.NewSessionIssuer([]byte(cfg.Session.Secret),
		auth.WithSessionTTL(cfg.Session.TTL),
		auth.WithTokenIssuer(cfg.Session.Issuer),
	)
	if err != nil {
		return err
	}

	hub := stream.New(0)
	dispatcher := audit.NewDispatcher(
		audit.FanOut{audit.NewLogSink(logger), store, hub},
		audit.WithBufferSize(cfg.Audit.BufferSize),
		audit.WithRecordTimeout(cfg.Audit.RecordTimeout),
	)

	svc, err := auth.NewService(directory,
		auth.WithGuard(guard),
		auth.WithTwoFactor(auth.NewTwoFactorVerifier(directory, auth.WithTOTPSkew(cfg.TOTP.Skew))),
		auth.WithSessionIssuer(issuer),
		auth.WithAuditSink(dispatcher),
		auth.WithLogger(logger),
		auth.WithDirectoryTimeout(cfg.DirectoryTimeout),
	)
	if err != nil {
		return err
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: db, Redis: redisClient}
	api, err := httpapi.New(svc,
		httpapi.WithReadiness(probe),
		httpapi.WithVersion(version),
		httpapi.WithEventReader(events),
		httpapi.WithEventFeed(hub),
		httpapi.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		httpapi.WithTrustedProxies(proxies),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := grpcapi.NewHealth(probe, logger)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	health.Refresh(context.Background())

	jobs := cron.New()
	if _, err := jobs.AddFunc("@every 15s", func() { health.Refresh(context.Background()) }); err != nil {
		return err
	}
	if memAttempts != nil && cfg.PruneSchedule != "" {
		window := guard.Policy().FailureWindow
		if _, err := jobs.AddFunc(cfg.PruneSchedule, func() {
			n := memAttempts.Prune(time.Now(), window)
			obs.RecordPruned(n)
			if n > 0 {
				logger.Debug("pruned attempt records", zap.Int("count", n), zap.Int("remaining", memAttempts.Len()))
			}
		}); err != nil {
			return err
		}
	}
	jobs.Start()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			errCh <- err
			return
		}
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-stop:
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-jobs.Stop().Done()
	health.Shutdown()
	_ = srv.Shutdown(ctx)
	grpcServer.GracefulStop()
	if err := dispatcher.Close(ctx); err != nil {
		logger.Warn("audit drain incomplete", zap.Error(err), zap.Uint64("dropped", dispatcher.Dropped()))
	}
	_ = logger.Sync()
	return runErr
}
