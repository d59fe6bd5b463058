// Package fusion implements C9: combining the per-method candidate lists
// produced by C8 into one deduplicated, fused list. See SPEC_FULL.md §4.9.
//
// Grounded on internal/search/fusion.go's RRFFusion: the rank-reciprocal
// accumulation and k=60 constant carry over almost verbatim, generalized
// from the teacher's fixed two-source (BM25/vector) shape to an arbitrary
// number of retrieval-method lists, and changed from the teacher's
// max-score normalization to the spec's s/(s+1) normalization (SPEC_FULL.md
// §4.9). Deduplication (overlapping line range or token-Jaccard >= 0.9) is
// net new, since the teacher fuses two already-distinct-by-construction
// result sets and has no dedup step.
package fusion

import (
	"regexp"
	"sort"
	"strings"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
)

// K is the RRF smoothing constant (SPEC_FULL.md §4.9), identical to
// internal/search/fusion.go's DefaultRRFConstant.
const K = 60

// jaccardThreshold is the minimum token-Jaccard similarity at which two
// candidates' content is considered a duplicate (§4.9).
const jaccardThreshold = 0.9

// List is one retriever's output plus the fusion weight assigned to it by
// C7's strategy plan.
type List struct {
	Method      model.Method
	Weight      float64
	Candidates  []model.Candidate
}

// Fuse combines lists into one deduplicated, descending-score candidate
// list. Each input list is assumed already sorted by score descending (the
// retriever contract in §4.8); Fuse does not re-sort inputs.
func Fuse(lists []List) []model.Candidate {
	type accum struct {
		candidate model.Candidate
		rrf       float64
		bestRaw   float64
	}
	byChunk := make(map[string]*accum)
	order := make([]string, 0)

	for _, l := range lists {
		for rank, c := range l.Candidates {
			a, ok := byChunk[c.ChunkID]
			if !ok {
				a = &accum{candidate: c}
				byChunk[c.ChunkID] = a
				order = append(order, c.ChunkID)
			}
			a.rrf += l.Weight / float64(K+rank+1)
			if c.Score > a.bestRaw {
				a.bestRaw = c.Score
				a.candidate.Method = c.Method
				a.candidate.MatchedTerms = c.MatchedTerms
				a.candidate.RawScore = c.RawScore
				a.candidate.DepDepth = c.DepDepth
			}
		}
	}

	fused := make([]model.Candidate, 0, len(order))
	for _, id := range order {
		a := byChunk[id]
		a.candidate.Score = normalize(a.rrf)
		fused = append(fused, a.candidate)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ChunkID < fused[j].ChunkID
	})

	return dedup(fused)
}

// normalize rescales an accumulated RRF score into [0,1) via s/(s+1), per
// §4.9 (replacing the teacher's max-score division, which is undefined for
// fusing an arbitrary, possibly single-candidate set of lists).
func normalize(s float64) float64 {
	if s <= 0 {
		return 0
	}
	return s / (s + 1)
}

// dedup removes candidates that duplicate an earlier (higher-scored, since
// fused is already sorted) survivor, per §4.9's two-mode dedup rule.
func dedup(sorted []model.Candidate) []model.Candidate {
	kept := make([]model.Candidate, 0, len(sorted))
	tokenSets := make([]map[string]struct{}, 0, len(sorted))

	for _, c := range sorted {
		toks := tokenSet(c.Content)
		dup := false
		for i, k := range kept {
			if k.FilePath == c.FilePath && k.LineRange.Overlaps(c.LineRange) {
				dup = true
				break
			}
			if jaccard(tokenSets[i], toks) >= jaccardThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, c)
		tokenSets = append(tokenSets, toks)
	}
	return kept
}

var tokenPattern = regexp.MustCompile(`[^\w]+`)

// tokenSet splits content on non-word boundaries into case-folded tokens of
// length > 2, per §4.9's Jaccard definition.
func tokenSet(content string) map[string]struct{} {
	parts := tokenPattern.Split(strings.ToLower(content), -1)
	set := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if len(p) > 2 {
			set[p] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
