package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amanmcp/amanmcp/internal/config"
	"github.com/amanmcp/amanmcp/internal/store"
)

// DebugInfo is the dump newDebugCmd reports, in both text and --json form.
type DebugInfo struct {
	ProjectRoot       string             `json:"project_root"`
	IndexPath         string             `json:"index_path"`
	FileCount         int                `json:"file_count"`
	ChunkCount        int                `json:"chunk_count"`
	Languages         map[string]float64 `json:"languages"`
	LastIndexed       time.Time          `json:"last_indexed"`
	EmbedderProvider  string             `json:"embedder_provider"`
	EmbedderModel     string             `json:"embedder_model"`
	BM25Backend       string             `json:"bm25_backend"`
	BM25SizeBytes     int64              `json:"bm25_size_bytes"`
	VectorSizeBytes   int64              `json:"vector_size_bytes"`
	MetadataSizeBytes int64              `json:"metadata_size_bytes"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Print detailed diagnostic information about the index",
		Long:  `Dump file/chunk counts, language distribution, embedder configuration, and storage sizes for troubleshooting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDebug(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runDebug(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	dataDir := filepath.Join(root, ".amanmcp")

	metadataPath := filepath.Join(dataDir, "metadata.db")
	if !fileExists(metadataPath) {
		return fmt.Errorf("no index found in %s\nRun 'amanmcp index' to create one", root)
	}

	info, err := collectDebugInfo(ctx, root, dataDir)
	if err != nil {
		return fmt.Errorf("failed to collect debug info: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	return renderDebugInfo(cmd, info)
}

func collectDebugInfo(ctx context.Context, root, dataDir string) (DebugInfo, error) {
	info := DebugInfo{
		ProjectRoot: root,
		IndexPath:   dataDir,
		Languages:   map[string]float64{},
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return info, fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	projectID := hashString(root)
	project, err := metadata.GetProject(ctx, projectID)
	if err == nil && project != nil {
		info.FileCount = project.FileCount
		info.ChunkCount = project.ChunkCount
		info.LastIndexed = project.IndexedAt
	}

	langCounts := map[string]int{}
	total := 0
	cursor := ""
	for {
		files, next, listErr := metadata.ListFiles(ctx, projectID, cursor, 500)
		if listErr != nil {
			break
		}
		for _, f := range files {
			ext := normalizeExtension(strings.TrimPrefix(filepath.Ext(f.Path), "."))
			if ext == "" {
				continue
			}
			langCounts[ext]++
			total++
		}
		if next == "" || len(files) == 0 {
			break
		}
		cursor = next
	}
	for lang, count := range langCounts {
		info.Languages[lang] = float64(count) / float64(total)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}
	info.EmbedderProvider = cfg.Embeddings.Provider
	if info.EmbedderProvider == "" {
		info.EmbedderProvider = "hugot"
	}
	info.EmbedderModel = cfg.Embeddings.Model
	if info.EmbedderModel == "" {
		info.EmbedderModel = "embeddinggemma"
	}
	info.BM25Backend = cfg.Search.BM25Backend
	if info.BM25Backend == "" {
		info.BM25Backend = "sqlite"
	}

	info.MetadataSizeBytes = getFileSize(metadataPath)
	bm25SQLitePath := filepath.Join(dataDir, "bm25.db")
	bm25BlevePath := filepath.Join(dataDir, "bm25.bleve")
	if size := getFileSize(bm25SQLitePath); size > 0 {
		info.BM25SizeBytes = size
	} else {
		info.BM25SizeBytes = getDirSize(bm25BlevePath)
	}
	info.VectorSizeBytes = getFileSize(filepath.Join(dataDir, "vectors.hnsw"))

	return info, nil
}

func renderDebugInfo(cmd *cobra.Command, info DebugInfo) error {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "AmanMCP Debug Info")
	fmt.Fprintln(w, strings.Repeat("=", 40))
	fmt.Fprintf(w, "Project root: %s\n", info.ProjectRoot)
	fmt.Fprintf(w, "Index path:   %s\n", info.IndexPath)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "FILES & CHUNKS")
	fmt.Fprintf(w, "  Files:      %s\n", formatNumber(info.FileCount))
	fmt.Fprintf(w, "  Chunks:     %s\n", formatNumber(info.ChunkCount))
	fmt.Fprintf(w, "  Languages:  %s\n", formatLanguages(info.Languages))
	fmt.Fprintf(w, "  Indexed:    %s\n", formatAge(info.LastIndexed))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "EMBEDDER")
	fmt.Fprintf(w, "  Provider: %s\n", info.EmbedderProvider)
	fmt.Fprintf(w, "  Model:    %s\n", info.EmbedderModel)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "BM25 INDEX")
	fmt.Fprintf(w, "  Backend: %s\n", info.BM25Backend)
	fmt.Fprintf(w, "  Size:    %s\n", formatBytes(info.BM25SizeBytes))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "VECTOR STORE")
	fmt.Fprintf(w, "  Size: %s\n", formatBytes(info.VectorSizeBytes))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "STORAGE")
	fmt.Fprintf(w, "  Metadata: %s\n", formatBytes(info.MetadataSizeBytes))
	fmt.Fprintf(w, "  Total:    %s\n", formatBytes(info.MetadataSizeBytes+info.BM25SizeBytes+info.VectorSizeBytes))

	return nil
}

// formatAge renders a human-readable relative age, matching status.go's
// rendering conventions.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := time.Since(t)
	switch {
	case d < 10*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%d seconds ago", int(d.Seconds()))
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// formatNumber renders n with thousands separators, e.g. 12345 -> "12,345".
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, ",")
	if neg {
		out = "-" + out
	}
	return out
}

// formatLanguages renders a language histogram sorted by share descending,
// e.g. "go (50%), ts (30%), md (20%)".
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}
	type entry struct {
		lang string
		pct  float64
	}
	entries := make([]entry, 0, len(langs))
	for l, p := range langs {
		entries = append(entries, entry{l, p})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].pct != entries[j].pct {
			return entries[i].pct > entries[j].pct
		}
		return entries[i].lang < entries[j].lang
	})
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s (%d%%)", e.lang, int(e.pct*100+0.5)))
	}
	return strings.Join(parts, ", ")
}

// normalizeExtension collapses file extension aliases onto one canonical
// language tag (e.g. tsx -> ts, jsx/mjs -> js).
func normalizeExtension(ext string) string {
	switch strings.ToLower(ext) {
	case "ts", "tsx":
		return "ts"
	case "js", "jsx", "mjs":
		return "js"
	case "yml", "yaml":
		return "yaml"
	case "htm", "html":
		return "html"
	default:
		return strings.ToLower(ext)
	}
}

// formatBytes renders a byte count in human-readable units.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
