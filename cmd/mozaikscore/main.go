// Package main provides the CLI entry point for MozaiksCore, the
// multi-tenant application runtime that hosts sandboxed plugins and
// drives AI agent workflows over a WebSocket transport.
//
// Start the server:
//
//	mozaikscore serve
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mozaiks/core/internal/actions"
	"github.com/mozaiks/core/internal/agentbind"
	"github.com/mozaiks/core/internal/audit"
	"github.com/mozaiks/core/internal/config"
	"github.com/mozaiks/core/internal/entitlement"
	"github.com/mozaiks/core/internal/eventsinks"
	"github.com/mozaiks/core/internal/events"
	"github.com/mozaiks/core/internal/httpapi"
	"github.com/mozaiks/core/internal/identity"
	"github.com/mozaiks/core/internal/metrics"
	"github.com/mozaiks/core/internal/orchestrator"
	"github.com/mozaiks/core/internal/orchestrator/providers"
	"github.com/mozaiks/core/internal/plugins"
	"github.com/mozaiks/core/internal/sessions"
	"github.com/mozaiks/core/internal/tracing"
	"github.com/mozaiks/core/internal/transport"
	"github.com/mozaiks/core/internal/usage"
	"github.com/mozaiks/core/internal/workflow"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mozaikscore",
		Short:        "MozaiksCore - multi-tenant plugin and agent workflow runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildPluginsCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and WebSocket transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func buildPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plugins", Short: "Inspect the plugin registry"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List descriptors discoverable under the configured plugin root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCfg, err := loadCLIConfig()
			if err != nil {
				return err
			}
			registry := plugins.NewRegistry()
			diagnostics, err := registry.Reload(cliCfg.PluginRoot, builtinPluginFactories())
			if err != nil {
				return err
			}
			for _, desc := range registry.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", desc.Name, desc.EntryPoint)
			}
			for _, d := range diagnostics {
				fmt.Fprintf(cmd.ErrOrStderr(), "diagnostic: %s\n", d)
			}
			return nil
		},
	})
	return cmd
}

// builtinPluginFactories is empty: this runtime hosts plugins
// discovered entirely from descriptors, not statically linked
// executors, so every entry_point a descriptor names must come from a
// factory an operator registers via a future plugin-loader extension.
// Left empty here, discovery simply reports "no factory registered"
// diagnostics for any descriptor found, rather than failing reload.
func builtinPluginFactories() map[string]plugins.PluginFactory {
	return map[string]plugins.PluginFactory{}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cliCfg, err := loadCLIConfig()
	if err != nil {
		return fmt.Errorf("load cli config: %w", err)
	}

	slog.Info("starting mozaikscore", "version", version, "commit", commit)

	auditLogger := audit.NewLogger(audit.DefaultConfig(), slog.Default())

	resolver := identity.NewResolver(cfg.Auth)
	minter := identity.NewExecutionMinter(cfg.Token)

	var verifier entitlement.SignatureVerifier
	if cfg.EntitlementSigningKey != "" {
		verifier = &entitlement.HMACVerifier{Key: []byte(cfg.EntitlementSigningKey)}
	}
	manifestStore := entitlement.NewStore(auditLogger, verifier)
	evaluator := entitlement.NewEvaluator(manifestStore, auditLogger)

	registry := plugins.NewRegistry()
	if diagnostics, err := registry.Reload(cliCfg.PluginRoot, builtinPluginFactories()); err != nil {
		slog.Warn("plugin discovery failed", "error", err)
	} else {
		for _, d := range diagnostics {
			slog.Warn("plugin discovery diagnostic", "detail", d)
		}
	}
	dispatcher := plugins.NewDispatcher(registry, evaluator, cfg.PluginTimeout)

	tracer, shutdownTracer := tracing.NewTracer(tracing.Config{
		ServiceName:    "mozaikscore",
		ServiceVersion: version,
		Environment:    cliCfg.TraceEnvironment,
		SamplingRate:   cliCfg.TraceSamplingRate,
	})
	defer shutdownTracer(context.Background())
	dispatcher.SetTracer(tracer)

	binder := agentbind.NewBinder(dispatcher)

	workflows := workflow.NewCache(cliCfg.WorkflowRoot)
	if err := workflows.Watch(); err != nil {
		slog.Warn("workflow cache watch failed, falling back to mtime polling", "error", err)
	}
	defer workflows.Close()

	llmClients := map[string]orchestrator.Client{}
	if cliCfg.Anthropic != nil {
		client, err := providers.NewAnthropicClient(*cliCfg.Anthropic)
		if err != nil {
			return fmt.Errorf("anthropic client: %w", err)
		}
		llmClients["anthropic"] = client
	}
	if cliCfg.OpenAI != nil {
		client, err := providers.NewOpenAIClient(*cliCfg.OpenAI)
		if err != nil {
			return fmt.Errorf("openai client: %w", err)
		}
		llmClients["openai"] = client
	}
	llmRegistry := orchestrator.NewRegistry(llmClients)

	counters := usage.NewCounterStore()
	tracker := usage.NewTracker(usage.DefaultTrackerConfig(), cliCfg.usageSender(), auditLogger)
	tracker.Start(ctx)
	defer tracker.Close(ctx)

	store, err := openSessionStore(cfg.DatabaseURI)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	store = sessions.NewLockingStore(store, sessions.NewSessionLocker(sessions.DefaultLockTimeout))
	if cliCfg.ArtifactBlobBucket != "" {
		blobs, err := sessions.NewS3BlobStore(ctx, sessions.S3BlobStoreConfig{
			Bucket:       cliCfg.ArtifactBlobBucket,
			Region:       cliCfg.ArtifactBlobRegion,
			Endpoint:     cliCfg.ArtifactBlobEndpoint,
			Prefix:       cliCfg.ArtifactBlobPrefix,
			UsePathStyle: cliCfg.ArtifactBlobUsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("open artifact blob store: %w", err)
		}
		store = sessions.NewBlobOffloadStore(store, blobs, sessions.DefaultBlobOffloadThreshold)
	}
	pruner := sessions.NewPruner(store, cliCfg.SessionPruneInterval, slog.Default())
	pruner.Start(ctx)
	defer pruner.Close()

	preflight := orchestrator.NewPreflight(evaluator, counters, store, cliCfg.PrereqConfig, cliCfg.TokenPeriod)
	idempotency := orchestrator.NewIdempotencyStore(10 * time.Minute)
	conditions, err := orchestrator.NewConditionEvaluator()
	if err != nil {
		return fmt.Errorf("condition evaluator: %w", err)
	}

	persistenceSink := eventsinks.NewPersistence(store, slog.Default())
	usageSink := eventsinks.NewUsage(tracker, counters, cliCfg.TokenPeriod)
	hub := transport.NewHub(cfg.Transport.PreSubBufferSize, auditLogger, slog.Default())
	metricsRegistry := metrics.Default()
	metricsSink := eventsinks.NewMetrics(metricsRegistry)

	dispatcherEvents := events.NewDispatcher(
		events.WithPersistence(persistenceSink),
		events.WithUsage(usageSink),
		events.WithTransport(hub),
		events.WithHandler(metricsSink),
	)

	orch := orchestrator.New(workflows, binder, dispatcher, llmRegistry, dispatcherEvents, preflight, idempotency, conditions)
	orch.SetTracer(tracer)

	executor := actions.NewExecutor(dispatcher, store, dispatcherEvents, slog.Default())

	wsServer := transport.NewServer(hub, orch, executor, store, resolver, evaluator, auditLogger, slog.Default(), cfg.Transport.HeartbeatInterval)

	apiServer := httpapi.NewServer(cfg, resolver, evaluator, manifestStore, dispatcher, registry, orch, store, workflows, minter,
		defaultCapabilities(), httpapi.StaticPayloads{}, slog.Default())
	apiServer.Tracer = tracer

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Mux())
	mux.Handle("/ws/{workflow_name}/{app_id}/{chat_id}/{user_id}", wsServer)
	mux.Handle("GET /metrics", metricsRegistry.Handler())

	httpServer := &http.Server{Addr: cliCfg.HTTPAddr, Handler: mux}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mozaikscore listening", "addr", cliCfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-runCtx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("shutdown signal received, draining connections")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("mozaikscore stopped gracefully")
	return nil
}

// openSessionStore picks the session backend from dsn: a "sqlite://"
// or "file:" prefix selects the embedded SQLite backend (suited to
// single-process/dev deployments), anything else non-empty opens
// Postgres, and an empty dsn falls back to the in-memory store.
func openSessionStore(dsn string) (sessions.Store, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return sessions.NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"):
		return sessions.NewSQLiteStore(dsn)
	case dsn != "":
		return sessions.NewPostgresStore(dsn, "mozaikscore", sessions.DefaultPostgresConfig())
	default:
		slog.Warn("no DATABASE_URI configured, using in-memory session store")
		return sessions.NewMemoryStore(), nil
	}
}

// defaultCapabilities is the static "AI capability" -> workflow
// binding spec §6.2 describes; a deployment wires its own catalog by
// replacing this with a config-loaded map.
func defaultCapabilities() map[string]httpapi.CapabilityDescriptor {
	return map[string]httpapi.CapabilityDescriptor{}
}
