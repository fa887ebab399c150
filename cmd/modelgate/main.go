package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/api"
	"github.com/modelgate-io/modelgate/internal/db"
	"github.com/modelgate-io/modelgate/internal/dispatch"
	"github.com/modelgate-io/modelgate/internal/janitor"
	"github.com/modelgate-io/modelgate/internal/mapping"
	"github.com/modelgate-io/modelgate/internal/registry"
	"github.com/modelgate-io/modelgate/internal/repositories"
	"github.com/modelgate-io/modelgate/internal/rpc"
	"github.com/modelgate-io/modelgate/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr       string
	dbDriver       string
	dbDSN          string
	apiKey         string
	agentSecretKey string
	corsOrigin     string
	logLevel       string
	rateLimitMax   int
	brokerDeadline time.Duration
	rpcTimeout     time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "modelgate",
		Short: "modelgate — request routing gateway for local LLM inference",
		Long: `modelgate exposes an OpenAI-compatible HTTP API and routes inference
requests to agent workers connected over long-lived WebSocket sessions.
Agents hold the model weights; the gateway owns naming, routing, load
balancing and streaming.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("MODELGATE_HTTP_ADDR", ":8080"), "HTTP listen address (OpenAI API, management API, agent WebSocket)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("MODELGATE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("MODELGATE_DB_DSN", "./modelgate.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.apiKey, "api-key", envOrDefault("MODELGATE_API_KEY", ""), "If set, required as Bearer token on /v1 endpoints")
	root.PersistentFlags().StringVar(&cfg.agentSecretKey, "agent-secret-key", envOrDefault("MODELGATE_AGENT_SECRET_KEY", ""), "If set, required as Bearer token on the agent WebSocket handshake")
	root.PersistentFlags().StringVar(&cfg.corsOrigin, "cors-origin", envOrDefault("MODELGATE_CORS_ORIGIN", ""), "CORS allow-origin; empty disables CORS headers")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MODELGATE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.rateLimitMax, "rate-limit-max", envOrDefaultInt("MODELGATE_RATE_LIMIT_MAX", 0), "Requests per minute per client on /v1; 0 disables limiting")
	root.PersistentFlags().DurationVar(&cfg.brokerDeadline, "broker-deadline", envOrDefaultDuration("MODELGATE_BROKER_DEADLINE", dispatch.DefaultDeadline), "Wall-clock deadline per inference request")
	root.PersistentFlags().DurationVar(&cfg.rpcTimeout, "rpc-timeout", envOrDefaultDuration("MODELGATE_RPC_TIMEOUT", 30*time.Second), "Timeout per gateway-to-agent RPC call")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("modelgate %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting modelgate",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Persistence first: everything downstream needs the repositories.
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: db.LogLevelFor(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Error("database close failed", zap.Error(err))
		}
	}()

	agentRepo := repositories.NewAgentRepository(database)
	mappingRepo := repositories.NewMappingRepository(database)

	reg := registry.New(agentRepo, logger)

	mapper, err := mapping.New(ctx, mappingRepo, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize name mapper: %w", err)
	}

	// Transport → mux → dispatcher, wired in two phases: the mux is the
	// transport's frame handler, the dispatcher is the mux's session
	// listener. Both installs happen before the HTTP listener accepts the
	// first agent handshake.
	agentTransport := transport.New(cfg.agentSecretKey, logger)
	mux := rpc.New(agentTransport, cfg.rpcTimeout, logger)
	agentTransport.SetHandler(mux)

	dispatcher := dispatch.New(reg, mux, cfg.brokerDeadline, logger)
	mux.SetSessionListener(dispatcher)

	var limiter *api.RateLimiter
	if cfg.rateLimitMax > 0 {
		limiter = api.NewRateLimiter(cfg.rateLimitMax)
	}

	jan, err := janitor.New(reg, agentRepo, limiterOrNil(limiter), logger)
	if err != nil {
		return fmt.Errorf("failed to create janitor: %w", err)
	}
	if err := jan.Start(); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Dispatcher:  dispatcher,
		Mapper:      mapper,
		Registry:    reg,
		Agents:      agentRepo,
		Caller:      mux,
		Transport:   agentTransport,
		Logger:      logger,
		APIKey:      cfg.apiKey,
		CORSOrigin:  cfg.corsOrigin,
		RateLimiter: limiter,
		Version:     version,
	})

	server := &http.Server{
		Addr:    cfg.httpAddr,
		Handler: router,
		// No WriteTimeout: SSE responses are open-ended; the broker
		// deadline bounds each inference request instead.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down modelgate")

	// Fail in-flight brokers first: the SSE and buffered handlers only
	// return once their broker terminates, so the server drain below would
	// otherwise wait out its whole timeout on open streams. Then drain the
	// HTTP server and close agent sessions with a normal close code.
	dispatcher.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown did not complete cleanly", zap.Error(err))
	}

	agentTransport.CloseAll()

	if err := jan.Stop(); err != nil {
		logger.Warn("janitor stop failed", zap.Error(err))
	}
	return nil
}

// limiterOrNil converts a possibly-nil *api.RateLimiter into the janitor's
// interface without smuggling a typed nil inside a non-nil interface value.
func limiterOrNil(l *api.RateLimiter) interface{ Cleanup() } {
	if l == nil {
		return nil
	}
	return l
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
