package budget

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocate_ExplainSplitsPerNormativeTable(t *testing.T) {
	a, err := Allocate(1000, 100, "explain")
	require.NoError(t, err)
	// available = 1000 - 50 - 10 - 100 = 840
	require.Equal(t, 50, a.System)
	require.Equal(t, 100, a.Input)
	require.Equal(t, 504, a.Context) // 840 * 0.60 = 504
	require.Equal(t, 42, a.Task)     // 840 * 0.05 = 42
	require.Equal(t, 1000-50-100-504-42-10, a.Output)
}

func TestAllocate_ContextClampedToMinContext(t *testing.T) {
	a, err := Allocate(70, 0, "generate")
	require.NoError(t, err)
	require.GreaterOrEqual(t, a.Context, MinContext)
}

func TestAllocate_ContextClampedToMaxContext(t *testing.T) {
	a, err := Allocate(1_000_000, 0, "explain")
	require.NoError(t, err)
	require.Equal(t, MaxContext, a.Context)
}

func TestAllocate_InsufficientBudget(t *testing.T) {
	_, err := Allocate(50, 100, "explain")
	require.ErrorIs(t, err, ErrInsufficientBudget)
}

func TestAllocate_UnknownIntentUsesDefault(t *testing.T) {
	a, err := Allocate(1000, 100, "unknown_intent")
	require.NoError(t, err)
	// available = 840; default context% = 50, task% = 10
	require.Equal(t, 420, a.Context)
	require.Equal(t, 84, a.Task)
}

func TestAllocate_OutputNeverNegative(t *testing.T) {
	a, err := Allocate(200, 50, "refactor")
	require.NoError(t, err)
	require.GreaterOrEqual(t, a.Output, 0)
}
