package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	httpadapter "github.com/aegisgate/aegisgate/internal/adapter/inbound/http"
	"github.com/aegisgate/aegisgate/internal/adapter/outbound/audit"
	"github.com/aegisgate/aegisgate/internal/adapter/outbound/cel"
	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/internal/domain/apikey"
	"github.com/aegisgate/aegisgate/internal/domain/catalog"
	"github.com/aegisgate/aegisgate/internal/domain/credential"
	"github.com/aegisgate/aegisgate/internal/domain/event"
	"github.com/aegisgate/aegisgate/internal/domain/identity"
	"github.com/aegisgate/aegisgate/internal/domain/ratelimit"
	"github.com/aegisgate/aegisgate/internal/domain/session"
	"github.com/aegisgate/aegisgate/internal/domain/threat"
	"github.com/aegisgate/aegisgate/internal/domain/token"
	"github.com/aegisgate/aegisgate/internal/kv"
	kvmemory "github.com/aegisgate/aegisgate/internal/kv/memory"
	kvsqlite "github.com/aegisgate/aegisgate/internal/kv/sqlite"
	"github.com/aegisgate/aegisgate/internal/service"
	"github.com/aegisgate/aegisgate/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the security engine server",
	Long:  `Start the AegisGate HTTP server with the configured store backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// openStore builds the configured store backend. Memory stores get their
// background sweep started; sqlite handles expiry per operation.
func openStore(ctx context.Context, cfg config.StoreConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return kvsqlite.Open(cfg.Path)
	default:
		store := kvmemory.NewStoreWithSweep(cfg.SweepInterval)
		store.StartSweep(ctx)
		return store, nil
	}
}

// openEventSink builds the configured security event sink.
func openEventSink(cfg config.AuditConfig, logger *slog.Logger) (event.Store, error) {
	if cfg.Output == "file" {
		return audit.NewFileStore(audit.FileConfig{
			Dir:           cfg.Dir,
			RetentionDays: cfg.RetentionDays,
		}, logger)
	}
	return audit.NewMemoryStore(0), nil
}

func runServe(cfg *config.Config) error {
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	if used := config.ConfigFileUsed(); used != "" {
		logger.Info("configuration loaded", "file", used)
	}

	providers, err := telemetry.NewProviders("aegisgate", cfg.Telemetry.Enabled)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store setup: %w", err)
	}
	defer func() { _ = store.Close() }()

	cat := catalog.Default()
	if cfg.Catalog.Path != "" {
		if cat, err = catalog.Load(cfg.Catalog.Path); err != nil {
			return fmt.Errorf("catalog load: %w", err)
		}
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("condition evaluator setup: %w", err)
	}
	if err := cat.CompileConditions(evaluator.ValidateExpression); err != nil {
		return fmt.Errorf("catalog conditions: %w", err)
	}

	events, err := openEventSink(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("event sink setup: %w", err)
	}
	defer func() { _ = events.Close() }()

	directory := identity.NewDirectory(store)
	sessions := session.NewSessionService(store, session.Config{Timeout: cfg.Session.Timeout})
	tokens := token.NewTokenService(store, sessions, directory, token.Config{
		Secret:     []byte(cfg.Token.Secret),
		Issuer:     cfg.Token.Issuer,
		Audience:   cfg.Token.Audience,
		AccessTTL:  cfg.Token.AccessTTL,
		RefreshTTL: cfg.Token.RefreshTTL,
		Leeway:     cfg.Token.Leeway,
	}, logger)
	keys := apikey.NewService(store, cat, directory, evaluator, logger)
	credentials := credential.NewStore(store)
	limiter := ratelimit.NewLimiter(store, cfg.FailurePolicy.RateLimitFailClosed, logger)
	analyzer := threat.NewAnalyzer(store, events, threat.Config{
		Weights: threat.Weights{
			IPReputation:    cfg.Threat.Weights.IPReputation,
			BruteForce:      cfg.Threat.Weights.BruteForce,
			LocationNovelty: cfg.Threat.Weights.LocationNovelty,
			UANovelty:       cfg.Threat.Weights.UANovelty,
		},
		BruteForceWindow:      cfg.Threat.BruteForceWindow,
		NoveltyTTL:            cfg.Threat.NoveltyTTL,
		HighIPBlock:           cfg.Threat.HighIPBlock,
		CriticalIPBlock:       cfg.Threat.CriticalIPBlock,
		CriticalIdentityBlock: cfg.Threat.CriticalIdentityBlock,
	}, logger)

	guard := service.NewGuardService(
		tokens, keys, limiter, analyzer, sessions, directory, credentials,
		service.FailurePolicy{AuthFailOpen: cfg.FailurePolicy.AuthFailOpen},
		logger,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := httpadapter.NewMetrics(reg)
	analyzer.SetInstruments(metrics.ActiveBlocks, metrics.EventDropsTotal)

	server, err := httpadapter.NewServer(guard, metrics, logger)
	if err != nil {
		return fmt.Errorf("http adapter setup: %w", err)
	}

	httpServer := &nethttp.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Routes(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr, "store", cfg.Store.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
