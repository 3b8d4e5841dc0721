// Package main is the entry point for the sandboxd MCP server.
//
// The sandboxd server orchestrates sandbox sessions across a local
// container backend and a managed cloud backend, exposing session
// lifecycle and tool invocation operations over the Model Context
// Protocol. The server supports both stdio and HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/mcpserver"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/orchestrator"
	"github.com/isdmx/sandboxd/provider"
	"github.com/isdmx/sandboxd/retry"
	"github.com/isdmx/sandboxd/storage"
	"github.com/isdmx/sandboxd/tool"
)

// newClients builds one provider client per enabled backend.
func newClients(cfg *config.Config, log *zap.Logger) (map[provider.Kind]provider.Client, error) {
	clients := make(map[provider.Kind]provider.Client)

	if cfg.Providers.Docker.Enabled {
		clients[provider.KindLocal] = provider.NewDockerClient(log, &provider.DockerConfig{
			Binary:  cfg.Providers.Docker.Binary,
			Network: cfg.Providers.Docker.Network,
			WorkDir: cfg.Providers.Docker.WorkDir,
		})
	}

	if cfg.Providers.Cloud.Enabled {
		cloud, err := provider.NewCloudClient(log, &provider.CloudConfig{
			APIKey:          cfg.Providers.Cloud.APIKey,
			APIURL:          cfg.Providers.Cloud.APIURL,
			Domain:          cfg.Providers.Cloud.Domain,
			DefaultTemplate: cfg.Providers.Cloud.Template,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create cloud client: %w", err)
		}
		clients[provider.KindCloud] = cloud
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("no provider backends enabled")
	}
	return clients, nil
}

// newDispatcher wires the tool registry and dispatcher.
func newDispatcher(cfg *config.Config, log *zap.Logger) *tool.Dispatcher {
	registry := tool.NewRegistry(log)
	tool.RegisterBuiltins(registry, cfg.Limits.MaxWriteBytes)
	if err := registry.LoadDefinitions("./tools"); err != nil {
		log.Warn("failed to load tool definition overrides", zap.Error(err))
	}
	return tool.NewDispatcher(log, registry, cfg.MaxToolTimeout())
}

// newSink opens the session archive, or disables archiving when no
// storage path is configured.
func newSink(cfg *config.Config, log *zap.Logger, lc fx.Lifecycle) (storage.ArtifactSink, error) {
	if cfg.Storage.Path == "" {
		log.Info("session archiving disabled")
		return nil, nil
	}

	store, err := storage.NewStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session archive: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

// newOrchestrator assembles the orchestrator and ties sandbox cleanup
// to process shutdown.
func newOrchestrator(
	cfg *config.Config,
	log *zap.Logger,
	clients map[provider.Kind]provider.Client,
	dispatcher *tool.Dispatcher,
	sink storage.ArtifactSink,
	collector *metrics.Collector,
	lc fx.Lifecycle,
) *orchestrator.Orchestrator {
	orch := orchestrator.New(log, clients, dispatcher, sink, collector, orchestrator.Options{
		CreateRetry: retry.Policy{
			MaxAttempts: cfg.Retry.CreateAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		DestroyRetry: retry.Policy{
			MaxAttempts: cfg.Retry.DestroyAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
	})

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			return orch.Shutdown(shutdownCtx)
		},
	})

	return orch
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Metrics collector
			metrics.NewCollector,

			// Provider clients based on config
			newClients,

			// Tool registry and dispatcher
			newDispatcher,

			// Session archive
			newSink,

			// Orchestrator with shutdown cleanup
			newOrchestrator,

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
