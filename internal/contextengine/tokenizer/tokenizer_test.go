package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBPETokenizer_CountIsDeterministic(t *testing.T) {
	tok, err := New("cl100k_base")
	require.NoError(t, err)

	n1, err := tok.Count("func main() { fmt.Println(\"hello\") }")
	require.NoError(t, err)
	require.Greater(t, n1, 0)

	n2, err := tok.Count("func main() { fmt.Println(\"hello\") }")
	require.NoError(t, err)
	require.Equal(t, n1, n2, "memoization must not change the result")
}

func TestBPETokenizer_CountBatch(t *testing.T) {
	tok, err := New("cl100k_base")
	require.NoError(t, err)

	a, _ := tok.Count("hello")
	b, _ := tok.Count("world")
	total, err := tok.CountBatch([]string{"hello", "world"})
	require.NoError(t, err)
	require.Equal(t, a+b, total)
}

func TestBPETokenizer_NotDegraded(t *testing.T) {
	tok, err := New("cl100k_base")
	require.NoError(t, err)
	require.False(t, tok.Degraded())
}

func TestEstimator_IsDegraded(t *testing.T) {
	e := NewEstimator()
	require.True(t, e.Degraded())

	n, err := e.Count("abcd")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEstimator_EmptyText(t *testing.T) {
	e := NewEstimator()
	n, err := e.Count("")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestShared_ReturnsSameInstance(t *testing.T) {
	a := Shared()
	b := Shared()
	require.Same(t, a, b)
}
