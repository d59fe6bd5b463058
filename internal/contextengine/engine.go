// Package contextengine implements C13: the engine façade orchestrating
// intent classification, retrieval, fusion, ranking, budgeting, and
// packing into one initialize/query/dispose lifecycle. See SPEC_FULL.md
// §2 and §4.13.
//
// Grounded on internal/search.Engine: functional-options construction
// (EngineOption), a sync.RWMutex-guarded lifecycle, and an
// errgroup.Group-based parallel fan-out (internal/search/engine.go's
// parallelSearch) for running independent I/O-bound stages concurrently —
// generalized here from the teacher's fixed two-source (BM25/vector) fan-out
// to an arbitrary set of retrievers selected per query by the strategy plan
// (C7), with a retriever failure isolated to an empty list rather than
// failing the whole query (SPEC_FULL.md §4.13).
package contextengine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	amanerrors "github.com/amanmcp/amanmcp/internal/errors"

	"github.com/amanmcp/amanmcp/internal/contextengine/budget"
	"github.com/amanmcp/amanmcp/internal/contextengine/fusion"
	"github.com/amanmcp/amanmcp/internal/contextengine/intent"
	"github.com/amanmcp/amanmcp/internal/contextengine/model"
	"github.com/amanmcp/amanmcp/internal/contextengine/pack"
	"github.com/amanmcp/amanmcp/internal/contextengine/rank"
	"github.com/amanmcp/amanmcp/internal/contextengine/retrieve"
	"github.com/amanmcp/amanmcp/internal/contextengine/strategy"
	"github.com/amanmcp/amanmcp/internal/contextengine/tokenizer"
	"github.com/amanmcp/amanmcp/internal/embed"
	"github.com/amanmcp/amanmcp/internal/store"
)

// Request is the engine's query input (§4.13). ActiveFile and Selection are
// accepted per the request contract but not yet consumed by any retriever;
// a future dependency-retriever seed from the active file is the natural
// place to wire them in.
type Request struct {
	Input       string
	Intent      model.Intent // optional; classified from Input when empty
	TokenBudget int
	ActiveFile  string
	Selection   string
}

// Clock supplies the current time in ms since epoch. Exists so the engine
// never reads the wall clock directly inside pure pipeline stages
// (SPEC_FULL.md §8 property 2); tests substitute a fixed clock.
type Clock interface {
	NowMs() int64
}

// Engine is the context-engine façade (C13).
type Engine struct {
	vectors    store.VectorStore
	bm25       store.BM25Index
	metadata   store.MetadataStore
	embedder   embed.Embedder
	tok        tokenizer.Tokenizer
	classifier intent.Classifier
	clock      Clock

	mu          sync.RWMutex
	initialized bool
}

// Option configures the Engine, mirroring internal/search's EngineOption
// pattern.
type Option func(*Engine)

// WithClassifier overrides the default deterministic PatternClassifier.
func WithClassifier(c intent.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithTokenizer overrides the default shared BPE tokenizer.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(e *Engine) { e.tok = t }
}

// WithClock overrides the default wall-clock source (tests only).
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New constructs an Engine. All four store/embedder dependencies are
// required, following internal/search.NewEngine's nil-dependency checks.
func New(vectors store.VectorStore, bm25 store.BM25Index, metadata store.MetadataStore, embedder embed.Embedder, opts ...Option) (*Engine, error) {
	if vectors == nil || bm25 == nil || metadata == nil || embedder == nil {
		return nil, amanerrors.New(amanerrors.ErrCodeInternal, "contextengine: vectors, bm25, metadata and embedder are required", nil)
	}
	e := &Engine{
		vectors:    vectors,
		bm25:       bm25,
		metadata:   metadata,
		embedder:   embedder,
		tok:        tokenizer.Shared(),
		classifier: intent.NewPatternClassifier(),
		clock:      systemClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Initialize is idempotent; brings the engine online. The indexer (C5) and
// its stores are constructed and opened by the caller (this façade only
// orchestrates the query-time pipeline), so Initialize here only flips the
// readiness flag once its dependencies are confirmed non-nil.
func (e *Engine) Initialize(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = true
	return nil
}

// Dispose is idempotent; closes owned stores.
func (e *Engine) Dispose() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	e.initialized = false
	var firstErr error
	if err := e.metadata.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.bm25.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.vectors.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Query runs the full pipeline: C6 -> C7 -> C8 (parallel) -> C9 -> C10 ->
// C11 -> C12. See SPEC_FULL.md §2, §4.13.
func (e *Engine) Query(ctx context.Context, req Request) (model.ContextResult, error) {
	if req.TokenBudget <= 0 {
		return model.ContextResult{}, amanerrors.New(amanerrors.ErrCodeInvalidBudget, "token_budget must be > 0", nil)
	}

	e.mu.RLock()
	initialized := e.initialized
	e.mu.RUnlock()
	if !initialized {
		return model.ContextResult{}, amanerrors.New(amanerrors.ErrCodeEngineNotInitialized, "engine not initialized", nil)
	}

	if err := ctx.Err(); err != nil {
		return model.ContextResult{}, classifyCtxErr(err)
	}

	in := req.Intent
	if in == "" {
		classified, _, err := e.classifier.Classify(ctx, req.Input)
		if err != nil {
			return model.ContextResult{}, err
		}
		in = classified
	}

	plan := strategy.Select(in)

	candidateLists, err := e.runRetrievers(ctx, plan, req, in)
	if err != nil {
		return model.ContextResult{}, err
	}

	fused := fusion.Fuse(candidateLists)
	if len(fused) == 0 {
		return model.ContextResult{Intent: in}, nil
	}

	if err := ctx.Err(); err != nil {
		return model.ContextResult{}, classifyCtxErr(err)
	}

	ranked := rank.Rank(fused, in, e.clock.NowMs())

	inputTokens, err := e.tok.Count(req.Input)
	if err != nil {
		return model.ContextResult{}, err
	}
	alloc, err := budget.Allocate(req.TokenBudget, inputTokens, string(in))
	if err != nil {
		return model.ContextResult{}, amanerrors.New(amanerrors.ErrCodeInvalidBudget, err.Error(), err)
	}

	items, used, err := pack.Pack(ranked, alloc.Context, e.tok)
	if err != nil {
		return model.ContextResult{}, err
	}
	if used > alloc.Context {
		return model.ContextResult{}, amanerrors.New(amanerrors.ErrCodePackingInvariantViolated, "packer exceeded context budget", nil)
	}

	methods := make([]model.Method, 0, len(plan.Weights))
	for _, w := range plan.Weights {
		methods = append(methods, w.Method)
	}

	return model.ContextResult{
		Items:            items,
		Intent:           in,
		TokensUsed:       used,
		RetrievalMethods: methods,
	}, nil
}

// runRetrievers dispatches the strategy plan's methods concurrently
// (errgroup, mirroring internal/search/engine.go's parallelSearch). A
// retriever failure is isolated: its list is recorded empty and the
// pipeline proceeds (§4.13).
func (e *Engine) runRetrievers(ctx context.Context, plan strategy.Plan, req Request, resolvedIntent model.Intent) ([]fusion.List, error) {
	lists := make([]fusion.List, len(plan.Weights))
	g, gctx := errgroup.WithContext(ctx)

	for i, mw := range plan.Weights {
		i, mw := i, mw
		g.Go(func() error {
			r := e.retrieverFor(mw.Method, req)
			if r == nil {
				lists[i] = fusion.List{Method: mw.Method, Weight: mw.Weight}
				return nil
			}
			cands, err := r.Retrieve(gctx, retrieve.Query{
				Text:   req.Input,
				Limit:  50,
				Intent: resolvedIntent,
			})
			if err != nil {
				// Isolated failure: empty list, no propagation (§4.13).
				cands = nil
			}
			lists[i] = fusion.List{Method: mw.Method, Weight: mw.Weight, Candidates: cands}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, classifyCtxErr(err)
	}
	return lists, nil
}

func (e *Engine) retrieverFor(m model.Method, req Request) retrieve.Retriever {
	switch m {
	case model.MethodSemantic:
		return &retrieve.Semantic{Embedder: e.embedder, Vectors: e.vectors, Meta: e.metadata}
	case model.MethodLexical:
		return &retrieve.Lexical{Index: e.bm25, Meta: e.metadata}
	case model.MethodDependency:
		return &retrieve.Dependency{Meta: e.metadata}
	case model.MethodRecentEdits:
		return &retrieve.RecentEdits{Meta: e.metadata, NowMs: e.clock.NowMs()}
	default:
		return nil
	}
}

func classifyCtxErr(err error) error {
	switch err {
	case context.Canceled:
		return amanerrors.New(amanerrors.ErrCodeEngineCancelled, "query cancelled", err)
	case context.DeadlineExceeded:
		return amanerrors.New(amanerrors.ErrCodeEngineDeadlineExceeded, "query deadline exceeded", err)
	default:
		return err
	}
}

// systemClock is the default Clock, reading the wall clock. Pipeline stages
// never call time.Now() directly — only this single boundary does; Query
// reads it when building the recent-edits retriever and again before
// ranking, and passes the value in (SPEC_FULL.md §8 property 2).
type systemClock struct{}

func (systemClock) NowMs() int64 { return time.Now().UnixMilli() }
