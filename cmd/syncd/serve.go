package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/Dangere/syncora-backend/internal/auth"
	"github.com/Dangere/syncora-backend/internal/config"
	"github.com/Dangere/syncora-backend/internal/engine"
	"github.com/Dangere/syncora-backend/internal/httpapi"
	"github.com/Dangere/syncora-backend/internal/migrate"
	"github.com/Dangere/syncora-backend/internal/obs"
	"github.com/Dangere/syncora-backend/internal/service"
	"github.com/Dangere/syncora-backend/internal/store"
	"github.com/Dangere/syncora-backend/internal/store/pg"
	"github.com/Dangere/syncora-backend/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the WebSocket push endpoint and the gRPC health service",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-addr", ":8080", "HTTP listen address")
	f.String("grpc-addr", ":9090", "gRPC health listen address")
	f.String("store", config.StorePostgres, "backing store: postgres or memory")
	f.Bool("auto-migrate", false, "apply pending migrations on start")
	bindFlags(v, serveCmd, map[string]string{
		"http_addr":    "http-addr",
		"grpc_addr":    "grpc-addr",
		"store":        "store",
		"auto_migrate": "auto-migrate",
	})
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	verifier, err := auth.NewVerifier(cfg.JWTSecret, auth.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		return err
	}

	hub := stream.New(cfg.PushBuffer, logger.Named("stream"))
	eng := engine.New(st, hub,
		engine.WithLogger(logger.Named("engine")),
		engine.WithCommitSkew(cfg.CommitSkew))
	svc := service.New(st, eng, service.WithLogger(logger.Named("service")))
	ready := httpapi.ReadyProbe{Store: st}
	proxies, err := httpapi.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	api := httpapi.New(httpapi.Config{
		Engine:        eng,
		Service:       svc,
		Hub:           hub,
		Verifier:      verifier,
		Ready:         ready,
		Logger:        logger.Named("http"),
		Version:       version,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,
		MaxBodyBytes:  cfg.MaxBodyBytes,

		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: proxies,
	})
	// Read and write timeouts would cut long-lived WebSocket streams, which bound
	// their own writes. Request bodies are capped by max_body_bytes.
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(ready, logger.Named("health"))
	grpcSrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	errCh := make(chan error, 2)
	go health.Run(ctx, 5*time.Second)
	go sweepLimiter(ctx, api)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	logger.Info("syncd started",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("store", cfg.Store))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	logger.Info("stopped")
	return err
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using the in-memory store; data is lost on exit")
		return store.NewMemory(), func() {}, nil
	}
	pgStore, err := pg.Open(cfg.PgDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		applied, err := migrate.NewManager(pgStore.DB(), nil, migrate.WithLogger(logger.Named("migrate"))).Up(ctx)
		if err != nil {
			_ = pgStore.Close()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("migrations applied", zap.Strings("applied", applied))
	}
	return pgStore, func() { _ = pgStore.Close() }, nil
}

func sweepLimiter(ctx context.Context, api *httpapi.API) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			api.Sweep()
		}
	}
}
