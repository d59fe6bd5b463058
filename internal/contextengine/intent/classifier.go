// Package intent implements C6: mapping a free-text request to one of the
// five intent tags with a confidence score. See SPEC_FULL.md §4.6.
//
// Grounded on internal/search/classifier.go's PatternClassifier (regex/keyword
// matching, deterministic priority) and its HybridClassifier "try enhanced,
// fall back to deterministic" shape — but restructured so the deterministic
// classifier is always what the engine wires by default, since §4.6 requires
// the classifier to be deterministic and side-effect-free. The teacher's
// LLM-classification path survives only as an optional, explicitly non-default
// Enhancer decorator.
package intent

import (
	"context"
	"regexp"
	"strings"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
)

// DefaultIntent is returned when no pattern matches above MinConfidence.
const DefaultIntent = model.IntentExplain

// MinConfidence is the floor below which the classifier falls back to
// DefaultIntent (§4.6: "Returns explain as the default when no pattern
// matches above confidence 0.3").
const MinConfidence = 0.3

// Classifier maps request text to (intent, confidence).
type Classifier interface {
	Classify(ctx context.Context, request string) (model.Intent, float64, error)
}

// rule is one deterministic priority-ordered pattern.
type rule struct {
	intent     model.Intent
	confidence float64
	keywords   []string
	patterns   []*regexp.Regexp
}

// PatternClassifier is the v1, rule-based classifier required by §4.6: a
// small set of regex/keyword patterns per intent, evaluated in a fixed
// priority order, deterministic and side-effect-free.
type PatternClassifier struct {
	rules []rule
}

// NewPatternClassifier builds the classifier with its fixed rule table.
// Order matters: rules are tried top to bottom, first match above
// MinConfidence wins — this is the "deterministic priority" §4.6 requires.
func NewPatternClassifier() *PatternClassifier {
	return &PatternClassifier{
		rules: []rule{
			{
				intent:     model.IntentBugFix,
				confidence: 0.85,
				keywords:   []string{"bug", "fails", "failing", "failure", "crash", "panic", "exception", "error", "broken", "doesn't work", "not working", "regression"},
				patterns:   []*regexp.Regexp{regexp.MustCompile(`(?i)\bwhy (does|is|do)\b.*\b(fail|break|crash|error)`)},
			},
			{
				intent:     model.IntentTest,
				confidence: 0.8,
				keywords:   []string{"test", "tests", "unit test", "coverage", "assert", "mock", "fixture", "test case"},
			},
			{
				intent:     model.IntentRefactor,
				confidence: 0.75,
				keywords:   []string{"refactor", "clean up", "cleanup", "simplify", "restructure", "rename", "extract", "reorganize", "deduplicate"},
			},
			{
				intent:     model.IntentGenerate,
				confidence: 0.7,
				keywords:   []string{"generate", "create", "add a", "implement", "write a", "scaffold", "new feature", "add support for"},
			},
			{
				intent:     model.IntentExplain,
				confidence: 0.6,
				keywords:   []string{"explain", "how does", "what does", "what is", "describe", "walk me through", "understand", "summarize"},
			},
		},
	}
}

// Classify never returns an error (classification is total, §4.1-adjacent
// design: retrieval components never fail on valid input).
func (p *PatternClassifier) Classify(_ context.Context, request string) (model.Intent, float64, error) {
	lower := strings.ToLower(request)
	for _, r := range p.rules {
		if r.confidence < MinConfidence {
			continue
		}
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.intent, r.confidence, nil
			}
		}
		for _, re := range r.patterns {
			if re.MatchString(request) {
				return r.intent, r.confidence, nil
			}
		}
	}
	return DefaultIntent, MinConfidence, nil
}

var _ Classifier = (*PatternClassifier)(nil)

// Enhancer optionally improves on the deterministic classifier (e.g. an LLM
// call) but is never the engine's default wiring, since it cannot guarantee
// determinism (SPEC_FULL.md §4.6 grounding note). If it errors or is
// unavailable, EnhancedClassifier falls back to the wrapped deterministic
// classifier's result.
type Enhancer interface {
	Enhance(ctx context.Context, request string, fallback model.Intent, fallbackConfidence float64) (model.Intent, float64, error)
}

// EnhancedClassifier wraps a deterministic Classifier with an optional
// Enhancer. Never constructed by the engine façade (C13) by default.
type EnhancedClassifier struct {
	base     Classifier
	enhancer Enhancer
}

// WithEnhancer decorates base with an enhancer. Callers opting into this
// forgo the determinism guarantee of §8 property 2 for that classifier
// instance.
func WithEnhancer(base Classifier, enhancer Enhancer) *EnhancedClassifier {
	return &EnhancedClassifier{base: base, enhancer: enhancer}
}

func (e *EnhancedClassifier) Classify(ctx context.Context, request string) (model.Intent, float64, error) {
	baseIntent, baseConf, err := e.base.Classify(ctx, request)
	if err != nil {
		return baseIntent, baseConf, err
	}
	if e.enhancer == nil {
		return baseIntent, baseConf, nil
	}
	intent, conf, err := e.enhancer.Enhance(ctx, request, baseIntent, baseConf)
	if err != nil {
		return baseIntent, baseConf, nil
	}
	return intent, conf, nil
}

var _ Classifier = (*EnhancedClassifier)(nil)
