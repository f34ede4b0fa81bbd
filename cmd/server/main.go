// Package main is the entry point for the gqlwire MCP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jamesprial/gqlwire/internal/app"
	"github.com/jamesprial/gqlwire/internal/auth"
	"github.com/jamesprial/gqlwire/internal/config"
	"github.com/jamesprial/gqlwire/internal/executor"
	"github.com/jamesprial/gqlwire/internal/safety"
	"github.com/jamesprial/gqlwire/internal/subscription"
	"github.com/jamesprial/gqlwire/internal/tools"
)

const defaultConfigPath = "/config/config.yaml"

// destructiveTools require a confirmation round-trip.
var destructiveTools = []string{"graphql_mutate"}

func main() {
	cfg := loadConfig()
	config.ApplyEnvOverrides(cfg)

	zl, logger, err := app.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	tokenBefore := cfg.Server.AuthToken
	authToken, err := config.EnsureAuthToken(cfg)
	if err != nil {
		zl.Warn("could not generate auth token, running without authentication", zap.Error(err))
	} else if tokenBefore == "" {
		zl.Info("generated auth token (set GQLWIRE_AUTH_TOKEN to persist)", zap.String("token", authToken))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	stack, err := app.Build(cfg, app.WithLogger(logger), app.WithRegisterer(registry))
	if err != nil {
		zl.Fatal("failed to build transport", zap.Error(err))
	}
	defer func() {
		if err := stack.Close(); err != nil {
			zl.Warn("close", zap.Error(err))
		}
	}()

	var auditLogger *safety.AuditLogger
	if cfg.Audit.Enabled {
		a, closer, err := safety.OpenAuditLog(cfg.Audit.LogPath)
		if err != nil {
			zl.Warn("audit logging disabled", zap.String("path", cfg.Audit.LogPath), zap.Error(err))
		} else {
			auditLogger = a
			defer closer.Close()
		}
	}

	queryFilter := safety.FilterFromConfig(cfg.Safety.Queries)
	mutationFilter := safety.FilterFromConfig(cfg.Safety.Mutations)
	confirm := safety.NewConfirmationTracker(destructiveTools)

	mcpServer := server.NewMCPServer(
		"gqlwire",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	groups := [][]tools.Registration{
		executor.GraphQLTools(stack.Client, queryFilter, mutationFilter, confirm, auditLogger),
	}
	if stack.Subscriptions != nil {
		groups = append(groups, subscription.SubscriptionTools(stack.Subscriptions, queryFilter, auditLogger))
	}
	registered := tools.RegisterAll(mcpServer, groups...)
	var toolNames []string
	for _, g := range groups {
		toolNames = append(toolNames, tools.Names(g)...)
	}

	mux := http.NewServeMux()
	authMiddleware := auth.NewAuthMiddleware(cfg.Server.AuthToken)
	mux.Handle("/", authMiddleware(server.NewStreamableHTTPServer(mcpServer)))
	if cfg.Server.MetricsPath != "" {
		mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		zl.Info("gqlwire listening",
			zap.String("addr", addr),
			zap.String("endpoint", stack.Transport.Endpoint()),
			zap.Int("tool_count", registered),
			zap.Strings("tools", toolNames),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-stop
	zl.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		zl.Warn("graceful shutdown error", zap.Error(err))
	}
	zl.Info("server stopped")
}

// loadConfig reads the config file named by GQLWIRE_CONFIG_PATH, or the
// default path. An unreadable file yields DefaultConfig.
func loadConfig() *config.Config {
	path := os.Getenv("GQLWIRE_CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Printf("could not load config from %q (%v), using defaults", path, err)
		return config.DefaultConfig()
	}

	log.Printf("loaded config from %q", path)
	return cfg
}
