package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amanmcp/amanmcp/internal/config"
	"github.com/amanmcp/amanmcp/internal/contextengine"
	"github.com/amanmcp/amanmcp/internal/contextengine/model"
	"github.com/amanmcp/amanmcp/internal/embed"
	"github.com/amanmcp/amanmcp/internal/output"
	"github.com/amanmcp/amanmcp/internal/store"
)

// contextOptions holds CLI flags for the context command.
type contextOptions struct {
	budget int
	intent string
	format string // "text", "json"
}

func newContextCmd() *cobra.Command {
	var opts contextOptions

	cmd := &cobra.Command{
		Use:   "context <request>",
		Short: "Assemble a ranked, token-budgeted context pack for a request",
		Long: `Assemble a ranked, token-budgeted context pack for a coding request.

Classifies the request's intent, selects a retrieval strategy, fuses
semantic/lexical/dependency/recent-edits candidates, ranks them, and packs
as many as fit within the token budget.

Examples:
  amanmcp context "explain how parallelSearch works"
  amanmcp context "fix the nil pointer in the bm25 index" --budget 4000
  amanmcp context "add a test for the fusion package" --intent test`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := strings.Join(args, " ")
			return runContext(cmd, request, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.budget, "budget", "b", 4000, "Total token budget for the request")
	cmd.Flags().StringVarP(&opts.intent, "intent", "i", "", "Override intent classification: explain, bug_fix, refactor, generate, test")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runContext(cmd *cobra.Command, request string, opts contextOptions) error {
	ctx := cmd.Context()
	out := output.New(cmd.OutOrStdout())

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	dataDir := filepath.Join(root, ".amanmcp")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return fmt.Errorf("no index found. Run 'amanmcp index' first")
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
	bm25Config := store.DefaultBM25Config()
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, bm25Config, cfg.Search.BM25Backend)
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
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(embedder.Dimensions()))
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()
	if _, err := os.Stat(vectorPath); err == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	engine, err := contextengine.New(vector, bm25, metadata, embedder)
	if err != nil {
		return fmt.Errorf("failed to create context engine: %w", err)
	}
	if err := engine.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize context engine: %w", err)
	}
	defer func() { _ = engine.Dispose() }()

	result, err := engine.Query(ctx, contextengine.Request{
		Input:       request,
		Intent:      model.Intent(opts.intent),
		TokenBudget: opts.budget,
	})
	if err != nil {
		return fmt.Errorf("context query failed: %w", err)
	}

	if opts.format == "json" {
		return formatContextJSON(cmd, result)
	}
	return formatContextResult(out, request, result)
}

func formatContextJSON(cmd *cobra.Command, result model.ContextResult) error {
	type jsonItem struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Content     string `json:"content"`
		Truncated   bool   `json:"truncated,omitempty"`
	}
	type jsonResult struct {
		Intent           string     `json:"intent"`
		RetrievalMethods []string   `json:"retrieval_methods"`
		TokensUsed       int        `json:"tokens_used"`
		Items            []jsonItem `json:"items"`
	}

	out := jsonResult{
		Intent:     string(result.Intent),
		TokensUsed: result.TokensUsed,
	}
	for _, m := range result.RetrievalMethods {
		out.RetrievalMethods = append(out.RetrievalMethods, string(m))
	}
	for _, item := range result.Items {
		out.Items = append(out.Items, jsonItem{
			Name:        item.Name,
			Description: item.Description,
			Content:     item.Content,
			Truncated:   item.Truncated,
		})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func formatContextResult(out *output.Writer, request string, result model.ContextResult) error {
	out.Statusf("", "Intent: %s", result.Intent)
	methodNames := make([]string, 0, len(result.RetrievalMethods))
	for _, m := range result.RetrievalMethods {
		methodNames = append(methodNames, string(m))
	}
	out.Statusf("", "Methods: %s", strings.Join(methodNames, ", "))
	out.Statusf("", "Tokens used: %d", result.TokensUsed)
	out.Newline()

	if len(result.Items) == 0 {
		out.Status("", fmt.Sprintf("No context found for %q", request))
		return nil
	}

	for i, item := range result.Items {
		out.Statusf("", "%d. %s (%s)", i+1, item.Name, item.Description)
		out.Status("", item.Content)
		out.Newline()
	}
	return nil
}
