// Command medrag runs the multi-modal medical retrieval server.
//
// Modes:
//
//	serve — serve the tool catalog over the framed TCP transport (and the
//	        metrics/health endpoint when configured).
//	mcp   — serve the tool catalog over MCP stdio.
//	init  — create or migrate the database schema and exit.
//	build — run a full knowledge-graph build over every document.
//	sync  — run one incremental knowledge-graph sync pass.
//	stats — print graph statistics as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/openclinic/medrag/internal/config"
	"github.com/openclinic/medrag/internal/extract"
	"github.com/openclinic/medrag/internal/health"
	"github.com/openclinic/medrag/internal/observe"
	"github.com/openclinic/medrag/internal/resilience"
	"github.com/openclinic/medrag/internal/syncer"
	"github.com/openclinic/medrag/internal/toolserver"
	"github.com/openclinic/medrag/internal/toolserver/framed"
	"github.com/openclinic/medrag/internal/toolserver/mcpserver"
	"github.com/openclinic/medrag/pkg/corpus"
	corpuspg "github.com/openclinic/medrag/pkg/corpus/postgres"
	memorypg "github.com/openclinic/medrag/pkg/memory/postgres"
	"github.com/openclinic/medrag/pkg/provider/embeddings"
	"github.com/openclinic/medrag/pkg/provider/embeddings/httpembed"
	embedmock "github.com/openclinic/medrag/pkg/provider/embeddings/mock"
	embedopenai "github.com/openclinic/medrag/pkg/provider/embeddings/openai"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", "serve", "one of: serve, mcp, init, build, sync, stats")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "medrag: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// stderr keeps stdout clean for MCP stdio framing and stats output.
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("medrag starting",
		"version", version,
		"mode", *mode,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Corpus store ──────────────────────────────────────────────────────────
	// NewStore migrates the schema, so -mode init is done once it returns.
	store, err := corpuspg.NewStore(ctx, corpuspg.Config{
		DSN:        cfg.Store.DSN,
		Dimensions: cfg.Embedding.Dimension,
		PoolSize:   cfg.Store.PoolSize,
	})
	if err != nil {
		slog.Error("failed to open corpus store", "err", err)
		return 1
	}
	defer store.Close()

	if *mode == "init" {
		slog.Info("schema ready", "dimension", cfg.Embedding.Dimension)
		return 0
	}

	// ── Graph modes ───────────────────────────────────────────────────────────
	stores := store.Stores()
	if *mode == "build" || *mode == "sync" || *mode == "stats" {
		return runGraphMode(ctx, *mode, cfg, stores, metrics)
	}

	// ── Embedding provider ────────────────────────────────────────────────────
	embedder, breakerState, err := buildEmbedder(cfg.Embedding)
	if err != nil {
		slog.Error("failed to build embedding provider", "err", err)
		return 1
	}
	slog.Info("embedding provider ready",
		"provider", cfg.Embedding.Provider,
		"model", embedder.ModelID(),
		"dimension", embedder.Dimensions(),
	)

	// ── Memory store ──────────────────────────────────────────────────────────
	memories, err := memorypg.NewStore(store.Pool(), embedder, cfg.Embedding.Dimension)
	if err != nil {
		slog.Error("failed to open memory store", "err", err)
		return 1
	}

	// ── Tool server ───────────────────────────────────────────────────────────
	tools, err := toolserver.New(toolserver.Config{
		Stores:        stores,
		Memories:      memories,
		Embedder:      embedder,
		DefaultTopK:   cfg.Search.DefaultTopK,
		MaxTopK:       cfg.Search.MaxTopK,
		RRFK:          cfg.Search.RRFK,
		RecallK:       cfg.Memory.RecallK,
		MinSimilarity: cfg.Memory.MinSimilarity,
		Logger:        logger,
		Observer:      metrics,
	})
	if err != nil {
		slog.Error("failed to build tool server", "err", err)
		return 1
	}

	switch *mode {
	case "serve":
		err = serve(ctx, cfg, tools, store, breakerState)
	case "mcp":
		err = mcpserver.ServeStdio(ctx, tools, version, logger)
	default:
		fmt.Fprintf(os.Stderr, "medrag: unknown mode %q\n", *mode)
		return 2
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// serve runs the framed TCP transport and, when configured, the
// metrics/health HTTP endpoint until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, tools *toolserver.Server, store *corpuspg.Store, breakerState func() resilience.State) error {
	if cfg.Server.ListenAddr == "" && cfg.Server.MetricsAddr == "" {
		return errors.New("serve mode needs server.listen_addr or server.metrics_addr; use -mode mcp for stdio")
	}

	eg, ctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %q: %w", cfg.Server.ListenAddr, err)
		}
		slog.Info("tool server listening", "addr", ln.Addr().String(), "tools", len(toolserver.Catalog()))

		server := framed.NewServer(tools, slog.Default())
		eg.Go(func() error { return server.Serve(ctx, ln) })
	}

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", observe.MetricsHandler())
		health.New(
			health.Database(store.Pool()),
			health.Schema(store.Pool()),
			health.Embedding(string(cfg.Embedding.Provider), breakerState),
		).Register(mux)

		srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)

		eg.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return eg.Wait()
}

// runGraphMode executes one of the offline knowledge-graph modes.
func runGraphMode(ctx context.Context, mode string, cfg *config.Config, stores corpus.Stores, metrics *observe.Metrics) int {
	engine := syncer.New(stores.Documents, stores.Graph, extract.New(),
		syncer.WithBatchWindow(cfg.Sync.BatchWindow),
		syncer.WithWorkers(cfg.Sync.Workers),
		syncer.WithLogger(slog.Default()),
	)

	switch mode {
	case "stats":
		stats, err := engine.Stats(ctx)
		if err != nil {
			slog.Error("graph stats failed", "err", err)
			return 1
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			slog.Error("encode stats", "err", err)
			return 1
		}
		return 0

	case "build", "sync":
		var (
			report *syncer.Report
			err    error
		)
		if mode == "build" {
			report, err = engine.Build(ctx)
		} else {
			report, err = engine.Sync(ctx)
		}
		if err != nil {
			slog.Error("graph "+mode+" failed", "err", err)
			return 1
		}
		metrics.RecordSyncReport(ctx, int64(report.Processed), int64(report.Failed))
		slog.Info("graph "+mode+" complete",
			"processed", report.Processed,
			"failed", report.Failed,
			"watermark", report.Watermark,
		)
		if report.Failed > 0 {
			return 1
		}
		return 0
	}
	return 2
}

// buildEmbedder constructs the configured provider wrapped in a [Batcher]
// that enforces the batch size and concurrency limits. The returned state
// function exposes the breaker so the readiness probe can report it.
func buildEmbedder(cfg config.EmbeddingConfig) (embeddings.Provider, func() resilience.State, error) {
	var (
		p   embeddings.Provider
		err error
	)
	switch cfg.Provider {
	case config.ProviderHTTPEmbed:
		p, err = httpembed.New(cfg.EndpointURL, cfg.ModelTag, cfg.Dimension,
			httpembed.WithTimeout(cfg.Timeout.Std()))
	case config.ProviderOpenAI:
		var opts []embedopenai.Option
		if cfg.EndpointURL != "" {
			opts = append(opts, embedopenai.WithBaseURL(cfg.EndpointURL))
		}
		opts = append(opts, embedopenai.WithTimeout(cfg.Timeout.Std()))
		p, err = embedopenai.New(cfg.APIKey, cfg.ModelTag, cfg.Dimension, opts...)
	case config.ProviderMock:
		p = embedmock.New(cfg.Dimension)
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, nil, err
	}
	guarded := resilience.NewGuardedEmbedder(p, resilience.Config{Name: string(cfg.Provider)})
	return embeddings.NewBatcher(guarded, cfg.BatchSize, cfg.MaxConcurrency), guarded.State, nil
}

// newLogger builds a text handler writing to stderr at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
