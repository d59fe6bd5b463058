package retrieve

import (
	"context"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
	"github.com/amanmcp/amanmcp/internal/embed"
	"github.com/amanmcp/amanmcp/internal/store"
)

const defaultSemanticMinScore = 0.5

// Semantic embeds the query text, searches the vector store for nearest
// neighbors, normalizes cosine similarity into [0,1] (handled already by
// store.VectorStore's Score field — see internal/store/hnsw.go's
// distanceToScore), and drops entries below min_score. See SPEC_FULL.md
// §4.8.
type Semantic struct {
	Embedder embed.Embedder
	Vectors  store.VectorStore
	Meta     store.MetadataStore
}

func (s *Semantic) Retrieve(ctx context.Context, q Query) ([]model.Candidate, error) {
	minScore := q.MinScore
	if minScore == 0 {
		minScore = defaultSemanticMinScore
	}

	vec, err := s.Embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	results, err := s.Vectors.Search(ctx, vec, q.Limit)
	if err != nil {
		return nil, err
	}

	out := make([]model.Candidate, 0, len(results))
	for _, r := range results {
		if float64(r.Score) < minScore {
			continue
		}
		chunk, err := s.Meta.GetChunk(ctx, r.ID)
		if err != nil || chunk == nil {
			continue
		}
		mc := storeChunkToModel(chunk)
		if !matchesFilters(mc, q) {
			continue
		}
		out = append(out, model.Candidate{
			Chunk:    mc,
			Score:    float64(r.Score),
			Method:   model.MethodSemantic,
			RawScore: float64(r.Score),
			DepDepth: -1,
		})
	}
	return out, nil
}

var _ Retriever = (*Semantic)(nil)
