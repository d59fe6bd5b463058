package pack

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
)

// charTokenizer approximates tokens as chars/4, matching the packer's own
// overhead arithmetic, so tests can reason about budgets in characters.
type charTokenizer struct{}

func (charTokenizer) Count(text string) (int, error) {
	n := len(text) / charsPerTokenGuess
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n, nil
}

func mkCandidate(path, content string, start, end int) model.Candidate {
	return model.Candidate{
		Chunk: model.Chunk{
			FilePath:  path,
			Content:   content,
			LineRange: model.LineRange{Start: start, End: end},
		},
		Score:  0.8,
		Method: model.MethodSemantic,
	}
}

func TestPack_AcceptsCandidateWithinBudget(t *testing.T) {
	cands := []model.Candidate{mkCandidate("a.go", "short content", 1, 2)}
	items, used, err := Pack(cands, 1000, charTokenizer{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.False(t, items[0].Truncated)
	require.LessOrEqual(t, used, 1000)
}

func TestPack_NeverExceedsBudget(t *testing.T) {
	big := strings.Repeat("x", 5000)
	cands := []model.Candidate{
		mkCandidate("a.go", big, 1, 100),
		mkCandidate("b.go", big, 1, 100),
	}
	items, used, err := Pack(cands, 200, charTokenizer{})
	require.NoError(t, err)
	require.LessOrEqual(t, used, 200)
	require.NotEmpty(t, items)
}

func TestPack_TruncatesWhenOverBudgetButAboveFloor(t *testing.T) {
	big := strings.Repeat("word ", 2000)
	cands := []model.Candidate{mkCandidate("a.go", big, 1, 50)}
	items, _, err := Pack(cands, 150, charTokenizer{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.True(t, items[0].Truncated)
	require.True(t, strings.HasSuffix(items[0].Content, "[... truncated ...]"))
}

func TestPack_DiscardsWhenRemainingBelowFloor(t *testing.T) {
	fitsExactly := strings.Repeat("a", 396) // 112 tokens with name/desc/header, leaves 88 (< 100) of 200
	cands := []model.Candidate{
		mkCandidate("a.go", fitsExactly, 1, 10),
		mkCandidate("b.go", strings.Repeat("b", 4000), 1, 10),
	}
	items, used, err := Pack(cands, 200, charTokenizer{})
	require.NoError(t, err)
	require.LessOrEqual(t, used, 200)
	require.Len(t, items, 1)
	require.False(t, items[0].Truncated)
}

func TestPack_EmptyCandidates(t *testing.T) {
	items, used, err := Pack(nil, 1000, charTokenizer{})
	require.NoError(t, err)
	require.Empty(t, items)
	require.Zero(t, used)
}

func TestPack_OmitsLinesLineWhenRangeAbsent(t *testing.T) {
	cands := []model.Candidate{mkCandidate("a.go", "content", 0, 0)}
	items, _, err := Pack(cands, 1000, charTokenizer{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotContains(t, items[0].Content, "Lines ")
	require.Contains(t, items[0].Content, "File: a.go")
}
