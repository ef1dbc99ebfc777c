// Package main is the entry point for the sandboxagent gateway daemon.
// The daemon exposes the /rpc surface over HTTP, SSE, and WebSocket and
// multiplexes connected clients onto coding-agent subprocesses.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxagent/gateway/internal/acp/proxy"
	"github.com/sandboxagent/gateway/internal/agent/credentials"
	"github.com/sandboxagent/gateway/internal/agent/install"
	"github.com/sandboxagent/gateway/internal/agent/registry"
	"github.com/sandboxagent/gateway/internal/common/config"
	"github.com/sandboxagent/gateway/internal/common/logger"
	"github.com/sandboxagent/gateway/internal/events/bus"
	"github.com/sandboxagent/gateway/internal/httpapi"
	"github.com/sandboxagent/gateway/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	outputPath := cfg.Logging.OutputPath
	if cfg.Logging.Dir != "" {
		outputPath = filepath.Join(cfg.Logging.Dir, "sandboxagent.log")
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: outputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting sandboxagent gateway...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize tracing (no-op without an OTLP endpoint)
	traceShutdown, err := tracing.Setup(ctx, cfg.Tracing.OTLPEndpoint)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// 5. Initialize event bus (in-memory, or NATS if configured)
	eventBus, err := bus.New(cfg.NATS.URL, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()
	if cfg.NATS.URL != "" {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 6. Initialize agent registry
	agentRegistry := registry.New()
	if cfg.Agent.RegistryOverlay != "" {
		if err := agentRegistry.LoadOverlay(cfg.Agent.RegistryOverlay); err != nil {
			log.Fatal("Failed to load registry overlay",
				zap.String("path", cfg.Agent.RegistryOverlay), zap.Error(err))
		}
		log.Info("Registry overlay applied", zap.String("path", cfg.Agent.RegistryOverlay))
	}

	// 7. Initialize credentials and installer
	providers := []credentials.Provider{credentials.NewEnvProvider()}
	if credsFile := os.Getenv("SANDBOXAGENT_CREDENTIALS_FILE"); credsFile != "" {
		providers = append(providers, credentials.NewFileProvider(credsFile))
	}
	credsMgr := credentials.NewManager(log, providers...)
	installer := install.New(agentRegistry, credsMgr, log)

	// 8. Initialize the ACP proxy
	acpProxy := proxy.New(agentRegistry, installer, proxy.Options{
		RequirePreinstall: cfg.Agent.RequirePreinstall,
		RequestTimeout:    cfg.Agent.RequestTimeout(),
		Logger:            log,
	})

	// 9. Build the HTTP surface
	srv := httpapi.New(acpProxy, agentRegistry, installer, httpapi.Options{
		AuthToken:        cfg.Auth.Token,
		CORSAllowOrigins: cfg.CORS.AllowOrigins,
		CORSAllowHeaders: cfg.CORS.AllowHeaders,
		Mirror:           eventBus,
		Logger:           log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Gateway listening",
			zap.String("addr", server.Addr),
			zap.Int("agents", len(agentRegistry.List())))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Shutting down...", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := acpProxy.ShutdownAll(shutdownCtx); err != nil {
			log.Error("Proxy shutdown error", zap.Error(err))
		}
		if err := traceShutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Gateway exited", zap.Error(err))
	}
	log.Info("Gateway stopped")
}
