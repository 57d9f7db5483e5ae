// Command enclave-server hosts the sandboxed worker pool behind the
// HTTP/SSE transport, wiring in whichever of the audit sink, session
// store, and elicitation store the loaded config enables.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentfront/enclave/internal/audit"
	"github.com/agentfront/enclave/internal/auth"
	"github.com/agentfront/enclave/internal/config"
	"github.com/agentfront/enclave/internal/elicitation"
	"github.com/agentfront/enclave/internal/httpapi"
	"github.com/agentfront/enclave/internal/pool"
	"github.com/agentfront/enclave/internal/sessionctx"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("enclave-server exited", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	svcCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	poolCfg, err := svcCfg.ToPoolConfig()
	if err != nil {
		return fmt.Errorf("derive pool config: %w", err)
	}

	opts := []pool.Option{pool.WithLogger(logger), pool.WithEventBroadcaster(256)}

	if svcCfg.Audit.DSN != "" {
		sink, err := audit.NewPostgresSink(svcCfg.Audit.DSN, logger)
		if err != nil {
			return fmt.Errorf("connect audit sink: %w", err)
		}
		defer sink.Close()
		opts = append(opts, pool.WithAuditSink(sink))
	}

	var sessions sessionctx.Store = sessionctx.NoopStore{}
	if svcCfg.SessionStore.Addr != "" {
		store, err := sessionctx.NewRedisStore(svcCfg.SessionStore.Addr, svcCfg.SessionStore.Password, svcCfg.SessionStore.DB)
		if err != nil {
			return fmt.Errorf("connect session store: %w", err)
		}
		defer store.Close()
		sessions = store
		opts = append(opts, pool.WithSessionStore(store))
	}

	var elicitStore *elicitation.Store
	if svcCfg.Elicitation.URI != "" {
		store, err := elicitation.NewStore(svcCfg.Elicitation.URI, svcCfg.Elicitation.Database)
		if err != nil {
			logger.Warn("elicitation store unavailable, elicit() tool disabled", zap.Error(err))
		} else {
			defer store.Close(context.Background())
			elicitStore = store
		}
	}

	p := pool.New(poolCfg, opts...)
	if err := p.Initialize(context.Background()); err != nil {
		return fmt.Errorf("warm pool: %w", err)
	}
	defer p.Dispose(context.Background())

	var validator auth.Validator = auth.StaticValidator{Token: svcCfg.Auth.StaticToken}
	if svcCfg.Auth.UserServiceURL != "" {
		validator = auth.NewHTTPValidator(svcCfg.Auth.UserServiceURL)
	}

	srv := httpapi.NewServer(p, httpapi.ToolRegistry{}, // host tools beyond elicit() are registered per deployment
		httpapi.WithValidator(validator),
		httpapi.WithSessionStore(sessions),
		httpapi.WithElicitationStore(elicitStore),
		httpapi.WithLogger(logger),
		httpapi.WithTimeouts(poolCfg.QueueTimeout, poolCfg.GracefulShutdownTimeout),
		httpapi.WithWriteTimeout(svcCfg.Server.WriteTimeout),
	)

	addr := fmt.Sprintf("%s:%d", svcCfg.Server.Host, svcCfg.Server.Port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     srv,
		ReadTimeout: svcCfg.Server.ReadTimeout,
		// WriteTimeout is deliberately not set here: it would apply to
		// the /v1/events SSE stream too and sever it on a timer. httpapi
		// applies the equivalent per-route deadline to every route that
		// isn't a long-lived stream instead.
	}

	go func() {
		logger.Info("starting enclave-server", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
