package guardserver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/palisade/services/policy_guard/guard"
	"github.com/triage-ai/palisade/services/policy_guard/internal/auth"
	"github.com/triage-ai/palisade/services/policy_guard/internal/config"
	"github.com/triage-ai/palisade/services/policy_guard/internal/engine"
	"github.com/triage-ai/palisade/services/policy_guard/internal/engine/evaluators"
	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/registry"
	"github.com/triage-ai/palisade/services/policy_guard/internal/storage"
	"github.com/triage-ai/palisade/services/policy_guard/internal/watch"
)

const shutdownTimeout = 10 * time.Second

// Main runs the guard service with configuration from the environment and
// exits when it stops. Generated guard modules call it from their main.
func Main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := config.MustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, cfg, logger); err != nil {
		logger.Error("guard server failed", zap.Error(err))
		os.Exit(1)
	}
}

// Run serves gRPC and HTTP until ctx is done, then drains both.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	sc := cfg.Server
	logger.Info("starting policy guard server",
		zap.String("grpc_port", sc.GRPCPort),
		zap.String("http_port", sc.HTTPPort),
		zap.String("manifest_dir", sc.ManifestDir),
		zap.Duration("eval_timeout", sc.EvalTimeout),
		zap.Strings("linked_guards", guard.Default().Tools()),
	)
	guard.SetLogger(logger)

	// Spec registry; also provides the Postgres pool for auth.
	var store *registry.SQLSpecStore
	if cfg.Registry.Enabled() {
		var err error
		store, err = registry.OpenStore(ctx, cfg.Registry.PostgresDSN, cfg.Registry.SQLitePath)
		if err != nil {
			return fmt.Errorf("Run: spec registry: %w", err)
		}
		defer func() { _ = store.Close() }()
		logger.Info("spec registry connected")
	}

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if sc.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(sc.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	authenticator, err := newAuthenticator(cfg, store, logger)
	if err != nil {
		return err
	}

	invoker := guard.NoInvoker
	if sc.ToolsAddr != "" {
		conn, err := grpc.NewClient(sc.ToolsAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("Run: tools client: %w", err)
		}
		defer func() { _ = conn.Close() }()
		invoker = guard.ProtocolInvoker{Caller: guard.NewGRPCToolCaller(conn)}
		logger.Info("tool service configured", zap.String("addr", sc.ToolsAddr))
	}

	eng := engine.NewEngine([]engine.Evaluator{
		evaluators.NewSchemaEvaluator(),
		evaluators.NewPolicyEvaluator(guard.Default()),
	}, sc.EvalTimeout, logger)

	opts := Options{
		Engine:  eng,
		Auth:    authenticator,
		Writer:  writer,
		Invoker: invoker,
		Logger:  logger,
	}
	if store != nil {
		opts.Specs = registry.NewCachedRegistry(registry.CachedRegistryConfig{
			Store:    store,
			CacheTTL: cfg.Registry.CacheTTL,
			Logger:   logger,
		})
	}
	svc := NewService(opts)

	if err := svc.Reload(sc.ManifestDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("Run: %w", err)
		}
		logger.Warn("no guard manifest, serving without guards", zap.String("dir", sc.ManifestDir))
	}
	if sc.Watch {
		manifest := filepath.Join(sc.ManifestDir, model.ResultFile)
		w, err := watch.New(manifest, watch.DefaultDebounce, func(string) error {
			return svc.Reload(sc.ManifestDir)
		}, logger)
		if err != nil {
			logger.Warn("manifest watch disabled", zap.Error(err))
		} else {
			defer func() { _ = w.Close() }()
		}
	}

	grpcServer := newGRPCServer()
	RegisterPolicyGuardService(grpcServer, svc)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(guardServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+sc.GRPCPort)
	if err != nil {
		return fmt.Errorf("Run: listen %s: %w", sc.GRPCPort, err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var httpServer *http.Server
	if sc.HTTPPort != "" {
		httpServer = &http.Server{
			Addr:              ":" + sc.HTTPPort,
			Handler:           NewHTTPHandler(svc),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http server listening", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
	}

	healthServer.SetServingStatus(guardServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("http shutdown", zap.Error(serr))
		}
	}
	grpcServer.GracefulStop()
	return err
}

func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
}

func newAuthenticator(cfg *config.Config, store *registry.SQLSpecStore, logger *zap.Logger) (auth.Authenticator, error) {
	mode := auth.ModeEnforce
	if cfg.Server.ShadowMode {
		mode = auth.ModeShadow
	}
	if cfg.Server.AuthMode != "postgres" {
		logger.Info("using static authenticator", zap.String("mode", mode))
		return auth.NewStaticAuthenticator(mode), nil
	}
	if store == nil || cfg.Registry.PostgresDSN == "" {
		return nil, errors.New("Run: postgres auth requires POSTGRES_DSN")
	}
	logger.Info("postgres authenticator connected")
	return auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
		DB:       store.DB(),
		CacheTTL: cfg.Server.AuthCacheTTL,
		FailOpen: cfg.Server.AuthFailOpen,
		Logger:   logger,
	}), nil
}
