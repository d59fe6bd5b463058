// Package strategy implements C7: mapping an intent to an ordered set of
// retrieval methods and their fusion weights. See SPEC_FULL.md §4.7.
//
// Grounded on internal/search/types.go's WeightsForQueryType: a small,
// closed-set switch over an enumerated tag returning a fixed-shape record —
// generalized here from the teacher's two-method (BM25/Semantic) Weights
// struct to the engine's four-method MethodWeights array, since §9's
// REDESIGN FLAGS call for fixed-shape records over maps for closed-set data.
package strategy

import "github.com/amanmcp/amanmcp/internal/contextengine/model"

// MethodWeight pairs a retrieval method with its fusion weight, preserving
// declaration order as the method's priority within its intent's plan.
type MethodWeight struct {
	Method model.Method
	Weight float64
}

// Plan is the ordered set of methods C8 should run for a resolved intent,
// plus the weight each contributes to C9's RRF fusion.
type Plan struct {
	Intent  model.Intent
	Weights []MethodWeight
}

// Methods returns the ordered method list alone, e.g. for C8 fan-out.
func (p Plan) Methods() []model.Method {
	out := make([]model.Method, len(p.Weights))
	for i, w := range p.Weights {
		out[i] = w.Method
	}
	return out
}

// WeightFor returns the fusion weight for method, or 0 if the plan doesn't
// run it.
func (p Plan) WeightFor(method model.Method) float64 {
	for _, w := range p.Weights {
		if w.Method == method {
			return w.Weight
		}
	}
	return 0
}

// plans is the normative table from SPEC_FULL.md §4.7. Declared as a fixed
// array indexed by intent position in model.AllIntents, not a map, per the
// fixed-shape-records guidance.
var plans = [len(model.AllIntents)]Plan{
	{
		Intent: model.IntentExplain,
		Weights: []MethodWeight{
			{model.MethodSemantic, 0.6},
			{model.MethodLexical, 0.3},
			{model.MethodDependency, 0.1},
		},
	},
	{
		Intent: model.IntentBugFix,
		Weights: []MethodWeight{
			{model.MethodRecentEdits, 0.4},
			{model.MethodSemantic, 0.3},
			{model.MethodDependency, 0.2},
			{model.MethodLexical, 0.1},
		},
	},
	{
		Intent: model.IntentRefactor,
		Weights: []MethodWeight{
			{model.MethodDependency, 0.5},
			{model.MethodSemantic, 0.4},
			{model.MethodLexical, 0.1},
		},
	},
	{
		Intent: model.IntentGenerate,
		Weights: []MethodWeight{
			{model.MethodSemantic, 0.6},
			{model.MethodLexical, 0.3},
			{model.MethodDependency, 0.1},
		},
	},
	{
		Intent: model.IntentTest,
		Weights: []MethodWeight{
			{model.MethodDependency, 0.4},
			{model.MethodSemantic, 0.4},
			{model.MethodLexical, 0.2},
		},
	},
}

// intentIndex maps an intent to its position in model.AllIntents / plans.
// Built once at init from the shared ordering so the table above and
// model.AllIntents can never silently drift apart.
var intentIndex = func() map[model.Intent]int {
	m := make(map[model.Intent]int, len(model.AllIntents))
	for i, in := range model.AllIntents {
		m[in] = i
	}
	return m
}()

// Select returns the normative plan for intent. Unknown intents (should not
// occur since C6 only emits model.AllIntents members) fall back to explain's
// plan.
func Select(in model.Intent) Plan {
	if i, ok := intentIndex[in]; ok {
		return plans[i]
	}
	return plans[intentIndex[model.IntentExplain]]
}
