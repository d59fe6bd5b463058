package retrieve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
	"github.com/amanmcp/amanmcp/internal/store"
)

// fakeEmbedder returns the fixed vector it was constructed with, regardless
// of input text, so tests can control exactly what the vector store sees.
type fakeEmbedder struct {
	vec []float32
	dim int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) { return f.vec, nil }
func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}
func (f *fakeEmbedder) Dimensions() int       { return f.dim }
func (f *fakeEmbedder) ModelName() string     { return "fake" }
func (f *fakeEmbedder) Available(_ context.Context) bool { return true }
func (f *fakeEmbedder) Close() error          { return nil }

func newTestMeta(t *testing.T) store.MetadataStore {
	t.Helper()
	m, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func seedChunk(t *testing.T, meta store.MetadataStore, id, path, content string, lastModified time.Time, symbols []*store.Symbol) *store.Chunk {
	t.Helper()
	c := &store.Chunk{
		ID:          id,
		FileID:      "file-" + id,
		FilePath:    path,
		Content:     content,
		ContentType: store.ContentTypeCode,
		Language:    "go",
		StartLine:   1,
		EndLine:     10,
		Symbols:     symbols,
		UpdatedAt:   lastModified,
		CreatedAt:   lastModified,
	}
	require.NoError(t, meta.SaveChunks(context.Background(), []*store.Chunk{c}))
	return c
}

func TestSemantic_Retrieve_FiltersByMinScore(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)
	seedChunk(t, meta, "c1", "a.go", "func Foo() {}", time.Now(), nil)

	vs, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })
	require.NoError(t, vs.Add(ctx, []string{"c1"}, [][]float32{{1, 0, 0, 0}}))

	emb := &fakeEmbedder{vec: []float32{1, 0, 0, 0}, dim: 4}
	r := &Semantic{Embedder: emb, Vectors: vs, Meta: meta}

	out, err := r.Retrieve(ctx, Query{Text: "foo", Limit: 5})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, model.MethodSemantic, out[0].Method)
	require.Equal(t, "c1", out[0].ChunkID)
}

func TestLexical_Retrieve_MatchesKeyword(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)
	seedChunk(t, meta, "c1", "a.go", "func ParseConfig() error { return nil }", time.Now(), nil)

	idx, err := store.NewSQLiteBM25Index("", store.DefaultBM25Config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	require.NoError(t, idx.Index(ctx, []*store.Document{{ID: "c1", Content: "func ParseConfig() error { return nil }"}}))

	r := &Lexical{Index: idx, Meta: meta}
	out, err := r.Retrieve(ctx, Query{Text: "ParseConfig", Limit: 5})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, model.MethodLexical, out[0].Method)
}

func TestLexical_Retrieve_EmptyQueryReturnsNothing(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)
	idx, err := store.NewSQLiteBM25Index("", store.DefaultBM25Config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	r := &Lexical{Index: idx, Meta: meta}
	out, err := r.Retrieve(ctx, Query{Text: "   ", Limit: 5})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestDependency_Retrieve_WalksImportGraph(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)
	seedChunk(t, meta, "caller", "caller.go", "func RunCaller() { Helper() }", time.Now(), []*store.Symbol{{Name: "RunCaller", Type: store.SymbolTypeFunction}})
	seedChunk(t, meta, "helper", "helper.go", "func Helper() {}", time.Now(), []*store.Symbol{{Name: "Helper", Type: store.SymbolTypeFunction}})
	require.NoError(t, meta.SaveDeps(ctx, "caller", []store.DepEdge{{SrcChunkID: "caller", DstSymbol: "Helper", Kind: "call"}}))

	r := &Dependency{Meta: meta}
	out, err := r.Retrieve(ctx, Query{Text: "look at RunCaller", Limit: 10, Intent: model.IntentExplain})
	require.NoError(t, err)

	ids := make([]string, 0, len(out))
	for _, c := range out {
		ids = append(ids, c.ChunkID)
	}
	require.Contains(t, ids, "caller")
	require.Contains(t, ids, "helper")
}

func TestDependency_Retrieve_NoSymbolsInQuery(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)
	r := &Dependency{Meta: meta}
	out, err := r.Retrieve(ctx, Query{Text: "what does this do", Limit: 10})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestRecentEdits_Retrieve_ExcludesStaleChunks(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)
	now := time.Now()
	seedChunk(t, meta, "fresh", "a.go", "func Fresh() {}", now.Add(-1*time.Hour), nil)
	seedChunk(t, meta, "stale", "b.go", "func Stale() {}", now.Add(-72*time.Hour), nil)

	r := &RecentEdits{Meta: meta, NowMs: now.UnixMilli()}
	out, err := r.Retrieve(ctx, Query{Text: "", Limit: 10})
	require.NoError(t, err)

	ids := make([]string, 0, len(out))
	for _, c := range out {
		ids = append(ids, c.ChunkID)
	}
	require.Contains(t, ids, "fresh")
	require.NotContains(t, ids, "stale")
}

func TestRecentEdits_Retrieve_KeywordPostFilter(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)
	now := time.Now()
	seedChunk(t, meta, "match", "a.go", "func ParseConfig() {}", now.Add(-1*time.Hour), nil)
	seedChunk(t, meta, "nomatch", "b.go", "func Unrelated() {}", now.Add(-1*time.Hour), nil)

	r := &RecentEdits{Meta: meta, NowMs: now.UnixMilli()}
	out, err := r.Retrieve(ctx, Query{Text: "ParseConfig", Limit: 10})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "match", out[0].ChunkID)
}
