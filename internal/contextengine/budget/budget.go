// Package budget implements C11: splitting a total token budget across the
// pipeline's fixed sections. See SPEC_FULL.md §4.11.
//
// Grounded on other_examples' ContextOptimizerService.BuildContextPack
// (Strob0t-CodeForge internal/service/context_optimizer.go): the same
// reserve-then-percentage-split arithmetic — subtract fixed overhead first,
// then allocate the remainder by a per-category percentage table, clamped
// to a floor/ceiling. Restructured into a fixed five-field Allocation
// record rather than a map, per SPEC_FULL.md §9's fixed-shape guidance.
package budget

import "errors"

// Fixed constants, not configurable (§4.11).
const (
	SystemTokens = 50
	Reserved     = 10
	MinContext   = 20
	MaxContext   = 8000
)

// ErrInsufficientBudget is returned when total_budget leaves nothing
// available after system/reserved/input overhead.
var ErrInsufficientBudget = errors.New("insufficient budget")

// Allocation is the five-section split of a query's total token budget.
type Allocation struct {
	System  int
	Context int
	Task    int
	Input   int
	Output  int
}

type pct struct {
	context int
	task    int
}

// table mirrors SPEC_FULL.md §4.11's normative percentage table, keyed by
// the intent tag string (explain, bug_fix, refactor, generate, test).
// defaultPct backs any intent not in the table.
var table = map[string]pct{
	"explain":  {context: 60, task: 5},
	"bug_fix":  {context: 50, task: 10},
	"refactor": {context: 55, task: 10},
	"generate": {context: 40, task: 10},
	"test":     {context: 50, task: 10},
}

var defaultPct = pct{context: 50, task: 10}

func pctFor(intent string) pct {
	if p, ok := table[intent]; ok {
		return p
	}
	return defaultPct
}

// Allocate splits totalBudget across sections for the given intent tag
// (pass the string form of model.Intent; any unrecognized tag uses the
// default percentages).
func Allocate(totalBudget, inputTokens int, intent string) (Allocation, error) {
	available := totalBudget - SystemTokens - Reserved - inputTokens
	if available <= 0 {
		return Allocation{}, ErrInsufficientBudget
	}

	p := pctFor(intent)
	context := clamp((available*p.context)/100, MinContext, MaxContext)
	task := (available * p.task) / 100
	output := totalBudget - SystemTokens - inputTokens - context - task - Reserved
	if output < 0 {
		output = 0
	}

	return Allocation{
		System:  SystemTokens,
		Context: context,
		Task:    task,
		Input:   inputTokens,
		Output:  output,
	}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
