package retrieve

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
	"github.com/amanmcp/amanmcp/internal/store"
)

const maxDependencyDepth = 3

// dependencyStopwords excludes common generic identifiers from the
// candidate symbol set extracted from the query (§4.8).
var dependencyStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "this": {}, "that": {}, "with": {},
	"from": {}, "into": {}, "func": {}, "function": {}, "method": {},
}

var camelOrSnakeRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9]*(?:_[A-Za-z0-9]+)*`)

// Dependency extracts candidate symbol identifiers from the query, looks
// each up in the metadata store, and BFS-walks the import/call graph up to
// depth 3, scoring 0.7^depth and deduping on chunk id by keeping the
// shallowest depth. See SPEC_FULL.md §4.8.
//
// Grounded on other_examples' fetchGraphEntries-style dependency walk
// (Strob0t-CodeForge internal/service/context_optimizer.go), adapted from
// its flat graph-entries fetch to an explicit bounded BFS over
// store.MetadataStore.DepsFrom/DepsTo.
type Dependency struct {
	Meta store.MetadataStore
}

func (d *Dependency) Retrieve(ctx context.Context, q Query) ([]model.Candidate, error) {
	symbols := extractSymbols(q.Text)
	if len(symbols) == 0 {
		return nil, nil
	}

	includeReverse := q.Intent == model.IntentRefactor || q.Intent == model.IntentBugFix

	bestDepth := make(map[string]int)
	var order []string

	var seeds []*store.Chunk
	for _, sym := range symbols {
		chunks, err := d.Meta.BySymbol(ctx, sym)
		if err != nil {
			continue
		}
		seeds = append(seeds, chunks...)
	}

	for _, seed := range seeds {
		if _, ok := bestDepth[seed.ID]; !ok {
			bestDepth[seed.ID] = 0
			order = append(order, seed.ID)
		}
	}

	frontier := make([]string, len(seeds))
	for i, s := range seeds {
		frontier[i] = s.ID
	}

	for depth := 1; depth <= maxDependencyDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, chunkID := range frontier {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			edges, err := d.Meta.DepsFrom(ctx, chunkID)
			if err != nil {
				continue
			}
			for _, e := range edges {
				targets, err := d.Meta.BySymbol(ctx, e.DstSymbol)
				if err != nil {
					continue
				}
				for _, t := range targets {
					if recordDepth(bestDepth, &order, t.ID, depth) {
						next = append(next, t.ID)
					}
				}
			}

			if includeReverse {
				// Reverse edges: who imports/calls a symbol defined in this chunk.
				chunk, err := d.Meta.GetChunk(ctx, chunkID)
				if err != nil || chunk == nil || len(chunk.Symbols) == 0 {
					continue
				}
				for _, sym := range chunk.Symbols {
					revs, err := d.Meta.DepsTo(ctx, sym.Name)
					if err != nil {
						continue
					}
					for _, e := range revs {
						if recordDepth(bestDepth, &order, e.SrcChunkID, depth) {
							next = append(next, e.SrcChunkID)
						}
					}
				}
			}
		}
		frontier = next
	}

	out := make([]model.Candidate, 0, len(order))
	for _, id := range order {
		chunk, err := d.Meta.GetChunk(ctx, id)
		if err != nil || chunk == nil {
			continue
		}
		mc := storeChunkToModel(chunk)
		if !matchesFilters(mc, q) {
			continue
		}
		depth := bestDepth[id]
		out = append(out, model.Candidate{
			Chunk:    mc,
			Score:    math.Pow(0.7, float64(depth)),
			Method:   model.MethodDependency,
			RawScore: math.Pow(0.7, float64(depth)),
			DepDepth: depth,
		})
	}

	sortByScoreDesc(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// recordDepth records id's depth if unseen, returning true when it was
// newly recorded (so the caller should expand from it next level).
func recordDepth(best map[string]int, order *[]string, id string, depth int) bool {
	if _, ok := best[id]; ok {
		return false
	}
	best[id] = depth
	*order = append(*order, id)
	return true
}

// extractSymbols pulls CamelCase/snake_case identifier-shaped tokens out of
// the query, minus the stopword list.
func extractSymbols(query string) []string {
	matches := camelOrSnakeRe.FindAllString(query, -1)
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{})
	for _, m := range matches {
		lower := strings.ToLower(m)
		if _, stop := dependencyStopwords[lower]; stop {
			continue
		}
		if !looksLikeIdentifier(m) {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// looksLikeIdentifier requires CamelCase (an internal uppercase letter) or
// an underscore, to avoid treating every plain English word as a symbol
// candidate.
func looksLikeIdentifier(s string) bool {
	if strings.Contains(s, "_") {
		return true
	}
	hasUpperAfterFirst := false
	for i, r := range s {
		if i == 0 {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			hasUpperAfterFirst = true
			break
		}
	}
	return hasUpperAfterFirst
}

var _ Retriever = (*Dependency)(nil)
