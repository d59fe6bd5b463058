// Package tokenizer implements C1: model-faithful token counting for
// budget allocation and packing. See SPEC_FULL.md §4.1.
//
// The default Tokenizer wraps a real byte-pair encoding table
// (github.com/pkoukk/tiktoken-go), grounded on the tiktoken wrapper in
// the sweetpotato0-ai-allin example pack
// (contrib/tokenizer/tiktoken/tiktoken.go). A memoized, hash-sharded LRU
// cache sits in front of it, following internal/embed/cached.go's
// sha256-keyed caching pattern.
package tokenizer

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens for a declared model family (C1).
type Tokenizer interface {
	Count(text string) (int, error)
	CountBatch(texts []string) (int, error)
	// Degraded reports whether this implementation is an estimator rather
	// than a real BPE tokenizer (SPEC_FULL.md §9 open question 2).
	Degraded() bool
}

// shardCount controls how many independently-locked LRU shards back the
// process-wide cache (SPEC_FULL.md §5: "the tokenizer cache is process-wide,
// behind a lock amortized by sharding on text hash").
const shardCount = 16

const defaultCacheSizePerShard = 4096

// BPETokenizer is the real-tokenizer implementation backed by tiktoken-go.
type BPETokenizer struct {
	modelFamily string
	enc         *tiktoken.Tiktoken
	shards      [shardCount]*lru.Cache[string, int]
}

// New creates a Tokenizer for the given model family (e.g. "cl100k_base",
// or an OpenAI model name that tiktoken-go can resolve to an encoding).
// Falls back to the cl100k_base encoding if the family is unrecognized,
// since budgeting must never fail (§4.1: "Failure mode: none").
func New(modelFamily string) (*BPETokenizer, error) {
	enc, err := tiktoken.EncodingForModel(modelFamily)
	if err != nil {
		enc, err = tiktoken.GetEncoding(modelFamily)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return nil, err
			}
			modelFamily = "cl100k_base"
		}
	}
	t := &BPETokenizer{modelFamily: modelFamily, enc: enc}
	for i := range t.shards {
		c, _ := lru.New[string, int](defaultCacheSizePerShard)
		t.shards[i] = c
	}
	return t, nil
}

func (t *BPETokenizer) shardFor(key string) (*lru.Cache[string, int], string) {
	sum := sha256.Sum256([]byte(t.modelFamily + "\x00" + key))
	hexKey := hex.EncodeToString(sum[:])
	idx := int(sum[0]) % shardCount
	return t.shards[idx], hexKey
}

// Count returns the number of tokens text would consume under this
// tokenizer's model family. Memoized by (model_family, text_hash); the
// memoization never changes the result, only its latency.
func (t *BPETokenizer) Count(text string) (int, error) {
	cache, key := t.shardFor(text)
	if n, ok := cache.Get(key); ok {
		return n, nil
	}
	n := len(t.enc.Encode(text, nil, nil))
	cache.Add(key, n)
	return n, nil
}

// CountBatch sums Count over texts.
func (t *BPETokenizer) CountBatch(texts []string) (int, error) {
	total := 0
	for _, s := range texts {
		n, err := t.Count(s)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Degraded is always false for the real BPE tokenizer.
func (t *BPETokenizer) Degraded() bool { return false }

// charsPerToken approximates the teacher's `internal/chunk.TokensPerChar`
// estimator (4 characters per token) used only as a last-resort fallback.
const charsPerToken = 4

// Estimator is the teacher's len/4 heuristic, kept only as the explicitly
// flagged degradation path spec.md §9 permits when a real tokenizer cannot
// be constructed (e.g. missing encoding tables offline).
type Estimator struct{}

// NewEstimator returns the degraded fallback tokenizer.
func NewEstimator() *Estimator { return &Estimator{} }

func (e *Estimator) Count(text string) (int, error) {
	n := len(text) / charsPerToken
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n, nil
}

func (e *Estimator) CountBatch(texts []string) (int, error) {
	total := 0
	for _, s := range texts {
		n, _ := e.Count(s)
		total += n
	}
	return total, nil
}

func (e *Estimator) Degraded() bool { return true }

// NewWithFallback constructs the real tokenizer, falling back to the
// estimator (with Degraded()==true, per the open question) if the BPE
// table cannot be loaded at all.
func NewWithFallback(modelFamily string) Tokenizer {
	t, err := New(modelFamily)
	if err != nil {
		return NewEstimator()
	}
	return t
}

var _ Tokenizer = (*BPETokenizer)(nil)
var _ Tokenizer = (*Estimator)(nil)

// sharedOnce guards lazy construction of the process-wide default tokenizer
// handle, mirroring SPEC_FULL.md §9's "own it as a shared handle with an
// explicit new()/drop()" guidance: callers that don't need a specific model
// family can use Shared() instead of constructing their own.
var (
	sharedOnce sync.Once
	shared     Tokenizer
)

// Shared returns a process-wide cl100k_base tokenizer, constructed once.
func Shared() Tokenizer {
	sharedOnce.Do(func() {
		shared = NewWithFallback("cl100k_base")
	})
	return shared
}
