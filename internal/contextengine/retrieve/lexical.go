package retrieve

import (
	"context"
	"regexp"
	"strings"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
	"github.com/amanmcp/amanmcp/internal/store"
)

const (
	defaultLexicalMinScore = 0.1
	bm25NormK              = 10 // SPEC_FULL.md §4.8: normalize BM25 with s/(s+10)
)

var nonWordRe = regexp.MustCompile(`[^\w]+`)

// Lexical sanitizes the query, issues a phrase-preferred OR-fallback FTS
// query, and normalizes BM25 scores into [0,1]. See SPEC_FULL.md §4.8.
//
// Grounded on internal/store's BleveBM25Index/SQLiteBM25Index Search method
// (query string in, *BM25Result list out) — the phrase/OR query
// construction and the s/(s+10) normalization are new, since the teacher's
// BM25 score is consumed directly by its own RRF fusion rather than
// pre-normalized per retriever.
type Lexical struct {
	Index store.BM25Index
	Meta  store.MetadataStore
}

func (l *Lexical) Retrieve(ctx context.Context, q Query) ([]model.Candidate, error) {
	minScore := q.MinScore
	if minScore == 0 {
		minScore = defaultLexicalMinScore
	}

	terms := sanitizeTerms(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}
	ftsQuery := buildFTSQuery(terms)

	results, err := l.Index.Search(ctx, ftsQuery, q.Limit)
	if err != nil {
		return nil, err
	}

	out := make([]model.Candidate, 0, len(results))
	for _, r := range results {
		score := r.Score / (r.Score + bm25NormK)
		if score < minScore {
			continue
		}
		chunk, err := l.Meta.GetChunk(ctx, r.DocID)
		if err != nil || chunk == nil {
			continue
		}
		mc := storeChunkToModel(chunk)
		if !matchesFilters(mc, q) {
			continue
		}
		out = append(out, model.Candidate{
			Chunk:        mc,
			Score:        score,
			Method:       model.MethodLexical,
			RawScore:     r.Score,
			MatchedTerms: r.MatchedTerms,
			DepDepth:     -1,
		})
	}
	return out, nil
}

// sanitizeTerms strips non-word characters and splits into case-folded terms.
func sanitizeTerms(query string) []string {
	cleaned := nonWordRe.ReplaceAllString(query, " ")
	fields := strings.Fields(strings.ToLower(cleaned))
	return fields
}

// buildFTSQuery issues "t1 t2 ... tn" OR t1 OR t2 OR ... OR tn for
// multi-term queries (phrase preferred, terms as fallback); a single term
// is returned unmodified.
func buildFTSQuery(terms []string) string {
	if len(terms) == 1 {
		return terms[0]
	}
	phrase := `"` + strings.Join(terms, " ") + `"`
	return phrase + " OR " + strings.Join(terms, " OR ")
}

var _ Retriever = (*Lexical)(nil)
