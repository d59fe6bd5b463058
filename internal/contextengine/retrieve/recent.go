package retrieve

import (
	"context"
	"math"
	"strings"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
	"github.com/amanmcp/amanmcp/internal/store"
)

const recentWindowHours = 24

// RecentEdits queries chunks modified within a 24h sliding window, scores
// by exponential decay, and post-filters by a coarse keyword match against
// the query. See SPEC_FULL.md §4.8.
//
// Net new: the teacher has no time-based retrieval method. Shaped to match
// the other three retrievers' Retrieve(ctx, Query) -> []Candidate contract,
// built on the new store.MetadataStore.Recent accessor (SPEC_FULL.md §6).
type RecentEdits struct {
	Meta store.MetadataStore
	// NowMs supplies the current time in ms since epoch; required so
	// scoring stays deterministic and testable (no internal time.Now()
	// read, per SPEC_FULL.md §8 property 2).
	NowMs int64
}

func (r *RecentEdits) Retrieve(ctx context.Context, q Query) ([]model.Candidate, error) {
	windowStart := r.NowMs - recentWindowHours*60*60*1000

	chunks, err := r.Meta.Recent(ctx, windowStart, q.Limit*4+64)
	if err != nil {
		return nil, err
	}

	queryTokens := keywordTokens(q.Text)

	out := make([]model.Candidate, 0, len(chunks))
	for _, c := range chunks {
		mc := storeChunkToModel(c)
		if !matchesFilters(mc, q) {
			continue
		}
		if len(queryTokens) > 0 && !anyTokenMatches(queryTokens, mc.Content, mc.FilePath) {
			continue
		}

		ageHours := float64(r.NowMs-mc.LastModified) / (1000 * 60 * 60)
		if ageHours < 0 {
			ageHours = 0
		}
		score := math.Exp(-0.5 * ageHours)
		score = clamp01(score)

		out = append(out, model.Candidate{
			Chunk:    mc,
			Score:    score,
			Method:   model.MethodRecentEdits,
			RawScore: score,
			DepDepth: -1,
		})
	}

	sortByScoreDesc(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// keywordTokens returns lowercased query tokens of length >= 3, per §4.8's
// "any query token >= 3 chars" post-filter rule.
func keywordTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]{}\"'`")
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func anyTokenMatches(tokens []string, content, path string) bool {
	lowerContent := strings.ToLower(content)
	lowerPath := strings.ToLower(path)
	for _, t := range tokens {
		if strings.Contains(lowerContent, t) || strings.Contains(lowerPath, t) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ Retriever = (*RecentEdits)(nil)
