// Package retrieve implements C8: the four retrieval methods, sharing the
// contract from SPEC_FULL.md §4.8: retrieve(query) -> []Candidate, sorted
// by score descending, any retriever may return fewer than limit (including
// zero).
//
// Grounded on internal/search/engine.go's parallel retriever dispatch
// (embedding the query then searching the vector store; sanitizing and
// issuing an FTS query) for Semantic/Lexical, and on other_examples'
// fetchGraphEntries-style BFS (Strob0t-CodeForge context_optimizer.go) for
// Dependency; Recent edits is net new (the teacher has no time-based
// retriever), modeled on the same retrieve(Query)->[]Candidate shape.
package retrieve

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
	"github.com/amanmcp/amanmcp/internal/store"
)

// Query is the shared retriever input (§4.8).
type Query struct {
	Text         string
	Limit        int
	MinScore     float64 // 0 means "use the retriever's own default"
	FilePatterns []string
	Languages    []string
	Intent       model.Intent // used by Dependency to decide reverse-edge inclusion
}

// Retriever is the shared contract every C8 method implements.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) ([]model.Candidate, error)
}

func storeChunkToModel(c *store.Chunk) model.Chunk {
	mc := model.Chunk{
		ChunkID:      c.ID,
		FilePath:     c.FilePath,
		Content:      c.Content,
		LineRange:    model.LineRange{Start: c.StartLine, End: c.EndLine},
		Language:     c.Language,
		LastModified: c.UpdatedAt.UnixMilli(),
	}
	if c.Metadata != nil {
		mc.ContentHash = c.Metadata["content_hash"]
	}
	if len(c.Symbols) > 0 {
		mc.SymbolName = c.Symbols[0].Name
		mc.SymbolType = model.SymbolType(c.Symbols[0].Type)
	}
	return mc
}

func matchesFilters(mc model.Chunk, q Query) bool {
	if len(q.Languages) > 0 && !contains(q.Languages, mc.Language) {
		return false
	}
	if len(q.FilePatterns) > 0 {
		ok := false
		for _, p := range q.FilePatterns {
			if matched, _ := pathMatch(p, mc.FilePath); matched {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// sortByScoreDesc enforces the §4.8 retriever contract ("candidates are
// sorted by score descending") for retrievers that accumulate results out
// of score order (dependency BFS, recency decay).
func sortByScoreDesc(cands []model.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Score > cands[j].Score
	})
}

func pathMatch(pattern, path string) (bool, error) {
	return filepath.Match(pattern, path)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
