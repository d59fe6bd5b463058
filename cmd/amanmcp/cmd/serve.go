package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/amanmcp/amanmcp/internal/config"
	"github.com/amanmcp/amanmcp/internal/contextengine"
	"github.com/amanmcp/amanmcp/internal/embed"
	"github.com/amanmcp/amanmcp/internal/logging"
	amanmcp "github.com/amanmcp/amanmcp/internal/mcp"
	"github.com/amanmcp/amanmcp/internal/search"
	"github.com/amanmcp/amanmcp/internal/store"
	"github.com/amanmcp/amanmcp/internal/watcher"
)

// defaultWatcherStartupTimeout bounds how long serve waits for the file
// watcher to come up before proceeding without it. BUG-035: the MCP
// handshake must complete quickly regardless of filesystem speed, so the
// watcher is started in the background and never blocks serve's return.
const defaultWatcherStartupTimeout = 2 * time.Second

func newServeCmd() *cobra.Command {
	var (
		transport string
		addr      string
		session   string
		debug     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP (Model Context Protocol) server.

Exposes search and context-assembly tools over stdio for AI coding
assistants like Claude Code and Cursor. Requires an existing index;
run 'amanmcp index' first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if debug {
				if cleanup, err := logging.SetupMCPModeWithLevel("debug"); err == nil {
					defer cleanup()
				}
			} else if cleanup, err := logging.SetupMCPMode(); err == nil {
				defer cleanup()
			}

			if transport == "stdio" {
				if err := verifyStdinForMCP(); err != nil {
					slog.Warn("stdin_check", slog.String("error", err.Error()))
				}
			}

			if session != "" {
				return runServeWithSession(ctx, transport, addr, session)
			}
			return runServe(ctx, transport, addrPort(addr))
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport protocol: stdio, sse")
	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (sse transport only)")
	cmd.Flags().StringVar(&session, "session", "", "Named session for concurrent project contexts")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose debug logging (written to the log file, never stdout)")

	return cmd
}

func addrPort(addr string) int {
	// Placeholder parse; sse transport is not yet implemented by the SDK
	// (see internal/mcp/server.go Serve), so the numeric port is unused by
	// the stdio path that ships today.
	_ = addr
	return 0
}

// verifyStdinForMCP fails fast with a helpful message when stdin is an
// interactive terminal rather than a pipe, since the MCP protocol requires
// a client driving stdin/stdout.
func verifyStdinForMCP() error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		return fmt.Errorf("stdin is a terminal, not a pipe: amanmcp serve expects an MCP client to drive it over stdin/stdout")
	}
	return nil
}

// runServe starts the MCP server against the project rooted at the current
// directory. port is currently unused (stdio is the only shipped transport).
func runServe(ctx context.Context, transport string, _ int) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	return serveProject(ctx, root, transport, "")
}

// runServeWithSession starts the MCP server for a named session, isolating
// its data directory under .amanmcp/sessions/<name> (F27 session management).
func runServeWithSession(ctx context.Context, transport, addr, session string) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	_ = addr
	return serveProject(ctx, root, transport, session)
}

func serveProject(ctx context.Context, root, transport, session string) error {
	dataDir := filepath.Join(root, ".amanmcp")
	if session != "" {
		dataDir = filepath.Join(dataDir, "sessions", session)
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	if !fileExists(metadataPath) {
		return fmt.Errorf("no index found in %s\nRun 'amanmcp index' first", root)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		slog.Warn("embedder_unavailable_falling_back_static", slog.String("error", err.Error()))
		embedder = embed.NewStaticEmbedder768()
	}
	defer func() { _ = embedder.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(embedder.Dimensions()))
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()
	if fileExists(vectorPath) {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	engine := search.New(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()))

	mcpServer, err := amanmcp.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	if ctxEngine, ctxErr := contextengine.New(vector, bm25, metadata, embedder); ctxErr != nil {
		slog.Warn("context_engine_unavailable", slog.String("error", ctxErr.Error()))
	} else if initErr := ctxEngine.Initialize(ctx); initErr != nil {
		slog.Warn("context_engine_init_failed", slog.String("error", initErr.Error()))
	} else {
		mcpServer.SetContextEngine(ctxEngine)
	}

	// BUG-035: start the watcher in the background; never block the MCP
	// handshake on it. A slow filesystem (network mounts, large repos) must
	// not delay the stdio transport coming up.
	go startBackgroundWatcher(ctx, root)

	return mcpServer.Serve(ctx, transport, "")
}

func startBackgroundWatcher(ctx context.Context, root string) {
	timeout := defaultWatcherStartupTimeout
	if v := os.Getenv("AMANMCP_WATCHER_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}

	opts := watcher.DefaultOptions()
	w, err := watcher.NewHybridWatcher(opts)
	if err != nil {
		slog.Warn("watcher_init_failed", slog.String("error", err.Error()))
		return
	}

	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := w.Start(startCtx, root); err != nil {
		slog.Warn("watcher_start_failed", slog.String("error", err.Error()))
		return
	}

	// Drain events for observability only; incremental reindexing on watch
	// events is out of scope for the MCP-serving path today (amanmcp index
	// --resume covers re-indexing after changes).
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			slog.Debug("watcher_events", slog.Int("count", len(batch)))
		}
	}
}
