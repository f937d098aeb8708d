package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pipewatch/pipewatch/internal/api"
	"github.com/pipewatch/pipewatch/internal/cache"
	"github.com/pipewatch/pipewatch/internal/ci"
	"github.com/pipewatch/pipewatch/internal/config"
	"github.com/pipewatch/pipewatch/internal/gateway"
	"github.com/pipewatch/pipewatch/internal/service"
	"github.com/pipewatch/pipewatch/internal/updates"
	"github.com/pipewatch/pipewatch/internal/ws"
)

// pipelineEvent is the payload broadcast for collection-level updates.
type pipelineEvent struct {
	ProjectID  string   `json:"project_id"`
	PipelineID string   `json:"pipeline_id"`
	Runs       []ci.Run `json:"runs"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("pipewatch starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"base_url", cfg.Client.BaseURL,
		"polling_interval", cfg.Updates.PollingInterval.Std(),
		"cache_max_size", cfg.Cache.MaxSize,
		"http_port", cfg.Server.HTTPPort,
		"watched_pipelines", len(cfg.Watch),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw, err := gateway.New(cfg.Client)
	if err != nil {
		slog.Error("failed to build gateway", "err", err)
		os.Exit(1)
	}

	// Cached data service fronting the gateway.
	store := cache.New[any](cache.Config{
		MaxSize:    cfg.Cache.MaxSize,
		DefaultTTL: cfg.Cache.DefaultTTL.Std(),
	})
	svc := service.New(gw, store)

	// Update engine: run details always go to the gateway directly;
	// collection fetches use the cached service when incremental fetch is on.
	engine := updates.New(gw, svc, engineConfig(cfg))
	defer engine.Dispose()

	// WebSocket hub — the transport IDE/webview clients consume instead of
	// in-process callbacks.
	hub := ws.New()
	go hub.Run(ctx)

	if _, err := engine.OnRunStatusChanged(func(c updates.StatusChange) {
		hub.Broadcast("run_status_changed", c)
	}); err != nil {
		slog.Error("failed to register status observer", "err", err)
		os.Exit(1)
	}

	// Auto-subscribe the pipelines named in the config so their run
	// collections stream to clients from the start.
	for _, target := range cfg.Watch {
		target := target
		_, err := engine.SubscribeToPipelineUpdates(target.PipelineID, target.ProjectID, func(runs []ci.Run) {
			hub.Broadcast("pipeline_runs", pipelineEvent{
				ProjectID:  target.ProjectID,
				PipelineID: target.PipelineID,
				Runs:       runs,
			})
		})
		if err != nil {
			slog.Error("failed to subscribe to pipeline",
				"project", target.ProjectID, "pipeline", target.PipelineID, "err", err)
			continue
		}
		slog.Info("watching pipeline", "project", target.ProjectID, "pipeline", target.PipelineID)
	}

	// Hot-reload the polling settings on config file changes.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			if err := engine.UpdateConfiguration(engineConfig(updated)); err != nil {
				slog.Error("failed to apply updated configuration", "err", err)
			}
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	// Combined HTTP server: REST API, metrics, and WebSocket stream.
	httpMux := http.NewServeMux()
	handler := api.New(svc, engine)
	httpMux.Handle("/api/", handler)
	httpMux.Handle("/metrics", handler)
	httpMux.Handle("/ws/stream", hub)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: httpMux,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("pipewatch shutting down")
	httpSrv.Shutdown(context.Background()) //nolint:errcheck
}

// engineConfig maps the file configuration onto the engine's runtime config.
func engineConfig(cfg *config.Config) updates.Config {
	return updates.Config{
		PollingInterval:        cfg.Updates.PollingInterval.Std(),
		MaxActiveSubscriptions: cfg.Updates.MaxActiveSubscriptions,
		IncrementalFetch:       cfg.Updates.IncrementalFetch,
		BackgroundRefresh:      cfg.Updates.BackgroundRefresh,
	}
}
