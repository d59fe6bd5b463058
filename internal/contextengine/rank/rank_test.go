package rank

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
)

func TestRank_HigherMethodScoreWinsAllElseEqual(t *testing.T) {
	cands := []model.Candidate{
		{Chunk: model.Chunk{ChunkID: "a", FilePath: "a.go"}, Score: 0.9},
		{Chunk: model.Chunk{ChunkID: "b", FilePath: "b.go"}, Score: 0.2},
	}
	out := Rank(cands, model.IntentExplain, 1000)
	require.Equal(t, "a", out[0].ChunkID)
}

func TestRank_TestIntentPrefersTestFiles(t *testing.T) {
	cands := []model.Candidate{
		{Chunk: model.Chunk{ChunkID: "impl", FilePath: "internal/foo.go"}, Score: 0.5},
		{Chunk: model.Chunk{ChunkID: "test", FilePath: "internal/foo.test.go"}, Score: 0.5},
	}
	out := Rank(cands, model.IntentTest, 1000)
	require.Equal(t, "test", out[0].ChunkID)
}

func TestRank_BugFixPrefersImplementationOverTestFiles(t *testing.T) {
	cands := []model.Candidate{
		{Chunk: model.Chunk{ChunkID: "impl", FilePath: "internal/foo.go"}, Score: 0.5},
		{Chunk: model.Chunk{ChunkID: "test", FilePath: "internal/foo.spec.go"}, Score: 0.5},
	}
	out := Rank(cands, model.IntentBugFix, 1000)
	require.Equal(t, "impl", out[0].ChunkID)
}

func TestRank_DiversityPenaltyDemotesRepeatsFromSameFile(t *testing.T) {
	cands := []model.Candidate{
		{Chunk: model.Chunk{ChunkID: "a1", FilePath: "same.go", LineRange: model.LineRange{Start: 1, End: 5}}, Score: 0.9},
		{Chunk: model.Chunk{ChunkID: "a2", FilePath: "same.go", LineRange: model.LineRange{Start: 20, End: 25}}, Score: 0.89},
		{Chunk: model.Chunk{ChunkID: "b1", FilePath: "other.go", LineRange: model.LineRange{Start: 1, End: 5}}, Score: 0.6},
	}
	out := Rank(cands, model.IntentExplain, 1000)
	require.Equal(t, "a1", out[0].ChunkID)
	ids := []string{out[1].ChunkID, out[2].ChunkID}
	require.Contains(t, ids, "b1")
}

func TestRank_MissingTimestampGetsNeutralRecency(t *testing.T) {
	cands := []model.Candidate{
		{Chunk: model.Chunk{ChunkID: "a", FilePath: "a.go", LastModified: 0}, Score: 0.5},
	}
	out := Rank(cands, model.IntentExplain, 999999)
	require.NotZero(t, out[0].Score)
}

func TestRank_TieBreaksByFilePathThenLineStart(t *testing.T) {
	cands := []model.Candidate{
		{Chunk: model.Chunk{ChunkID: "z", FilePath: "z.go", LineRange: model.LineRange{Start: 1}}, Score: 0.4},
		{Chunk: model.Chunk{ChunkID: "a", FilePath: "a.go", LineRange: model.LineRange{Start: 1}}, Score: 0.4},
	}
	out := Rank(cands, model.IntentExplain, 1000)
	require.Equal(t, "a", out[0].ChunkID)
}

func TestRank_DoesNotMutateInput(t *testing.T) {
	cands := []model.Candidate{
		{Chunk: model.Chunk{ChunkID: "a", FilePath: "a.go"}, Score: 0.5},
	}
	_ = Rank(cands, model.IntentExplain, 1000)
	require.Equal(t, 0.5, cands[0].Score)
}
