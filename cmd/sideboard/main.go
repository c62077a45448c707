// Sideboard server — hosts the JSON-RPC and websocket endpoints, fans out
// channel notifications, and maintains persistent connections to peer
// sideboard services.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/magfest/sideboard/pkg/api"
	"github.com/magfest/sideboard/pkg/bus"
	"github.com/magfest/sideboard/pkg/config"
	"github.com/magfest/sideboard/pkg/database"
	"github.com/magfest/sideboard/pkg/datasvc"
	"github.com/magfest/sideboard/pkg/lifecycle"
	"github.com/magfest/sideboard/pkg/rpc"
	"github.com/magfest/sideboard/pkg/sched"
	"github.com/magfest/sideboard/pkg/serial"
	"github.com/magfest/sideboard/pkg/upstream"
	"github.com/magfest/sideboard/pkg/ws"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	envFile := flag.String("env-file",
		getEnv("SIDEBOARD_ENV_FILE", ".env"),
		"Path to .env file loaded before configuration")
	flag.Parse()

	// Load .env before config.Load so SIDEBOARD_* overrides take effect
	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	// 1. Resolve configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("Starting sideboard",
		"listen_addr", cfg.ListenAddr,
		"debug", cfg.Debug,
		"rpc_services", len(cfg.RPCServices))

	ctx := context.Background()
	hooks := lifecycle.NewHooks()

	// 2. Core dispatch: registry, subscription bus, notifier, websocket hub
	registry := rpc.NewRegistry()
	channelBus := bus.New()
	notifier := sched.NewNotifier(channelBus, hooks.Stopped)
	registry.SetNotifier(notifier)

	hub := ws.NewHub(registry, channelBus, serial.Default,
		cfg.WS.ThreadPool, cfg.WS.WriteTimeout.Std(), cfg.Debug, hooks.Stopped)

	hooks.OnStartup("notifier", 10, func(context.Context) error {
		notifier.Start()
		return nil
	})
	hooks.OnStartup("websocket-hub", 10, func(context.Context) error {
		hub.Start()
		return nil
	})
	hooks.OnShutdown("websocket-hub", 10, func(context.Context) error {
		hub.Shutdown()
		return nil
	})

	// 3. Database and the built-in document store. The database is
	// optional: without it the server still hosts RPC and subscriptions.
	var dbClient *database.Client
	dbCtx, dbCancel := context.WithTimeout(ctx, 10*time.Second)
	dbClient, err = database.NewClient(dbCtx, cfg.Database)
	dbCancel()
	if err != nil {
		slog.Warn("Database unavailable, document store disabled", "error", err)
		dbClient = nil
	} else {
		slog.Info("Connected to PostgreSQL database")
		if err := registry.Register("data", datasvc.New(dbClient.DB()).RPC(), false); err != nil {
			slog.Error("Failed to register document store", "error", err)
			os.Exit(1)
		}
		hooks.OnShutdown("database", 40, func(context.Context) error {
			return dbClient.Close()
		})
	}

	// 4. Upstream peers: one persistent websocket client per configured
	// service, registered locally under the service's own name, plus an
	// optional synchronous JSON-RPC client.
	directory := upstream.NewDirectory()
	for name, svc := range cfg.RPCServices {
		tlsCfg, err := cfg.ServiceTLS(svc)
		if err != nil {
			slog.Error("Bad TLS configuration for rpc service", "service", name, "error", err)
			os.Exit(1)
		}

		client := upstream.NewClient(upstream.Config{
			URL:               svc.URL,
			CallTimeout:       cfg.WS.CallTimeout.Std(),
			PollInterval:      cfg.WS.PollInterval.Std(),
			ReconnectInterval: cfg.WS.ReconnectInterval.Std(),
			TLS:               tlsCfg,
		}, hooks.Stopped)
		directory.AddWebSocket(name, client)

		if err := registry.Register(name, client.ProxyService(name), false); err != nil {
			slog.Error("Failed to register rpc service proxy", "service", name, "error", err)
			os.Exit(1)
		}

		if svc.JSONRPCURL != "" {
			directory.AddJSONRPC(name, upstream.NewJSONRPCClient(
				svc.JSONRPCURL, tlsCfg, cfg.WS.CallTimeout.Std()))
		}

		hooks.OnStartup("upstream-"+name, 20, func(context.Context) error {
			client.Start()
			return nil
		})
		slog.Info("Configured upstream service", "service", name, "url", svc.URL)
	}
	hooks.OnShutdown("upstream-directory", 20, func(context.Context) error {
		directory.Close()
		return nil
	})

	// 5. Run startup hooks (lowest priority first)
	if err := hooks.Startup(ctx); err != nil {
		slog.Error("Startup failed", "error", err)
		os.Exit(1)
	}

	// 6. HTTP server
	var health api.HealthChecker
	if dbClient != nil {
		health = func(ctx context.Context) error {
			_, err := database.Health(ctx, dbClient.DB())
			return err
		}
	}
	apiServer := api.NewServer(registry, hub, serial.Default, api.Config{
		Debug:          cfg.Debug,
		AuthRequired:   cfg.WS.AuthRequired,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	}, health)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Echo(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Sideboard started successfully")

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop accepting HTTP first, then run shutdown
	// hooks (highest priority first) under a shared timeout.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	hooks.Shutdown(shutdownCtx)

	slog.Info("Shutdown complete")
}
