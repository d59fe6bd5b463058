// Package rank implements C10: re-scoring and re-sorting fused candidates
// against the resolved intent. See SPEC_FULL.md §4.10.
//
// Grounded on internal/search/options.go's ApplyTestFilePenalty/
// ApplyPathBoost/IsTestFile (score-then-re-sort shape, and the idea of a
// path-pattern-based file-type signal) — generalized from the teacher's two
// standalone multiplicative penalties into the spec's four-signal weighted
// sum, and the diversity penalty from the teacher's same "assign, then
// sort.Slice by adjusted score" two-step pattern.
package rank

import (
	"math"
	"sort"
	"strings"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
)

const (
	weightMethod     = 0.50
	weightRecency    = 0.20
	weightFileType   = 0.15
	weightSymbolType = 0.15
)

// nowMs is supplied by the caller so scoring stays deterministic and
// testable (SPEC_FULL.md §8 property 2: no wall-clock reads inside pure
// ranking logic).
func recencyScore(lastModifiedMs int64, nowMs int64) float64 {
	if lastModifiedMs <= 0 {
		return 0.5
	}
	ageHours := float64(nowMs-lastModifiedMs) / (1000 * 60 * 60)
	if ageHours < 0 {
		ageHours = 0
	}
	return math.Exp(-0.1 * ageHours)
}

// isTestFile matches §4.10's narrower definition ("path matches .test.,
// .spec., or a __tests__ segment") — distinct from the teacher's broader
// IsTestFile, which also matches _test.go/test_*.py/tests/ directories; the
// engine's file-type-fit signal only needs the spec's three markers.
func isTestFile(path string) bool {
	if strings.Contains(path, ".test.") || strings.Contains(path, ".spec.") {
		return true
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "__tests__" {
			return true
		}
	}
	return false
}

func fileTypeFit(in model.Intent, path string) float64 {
	test := isTestFile(path)
	switch in {
	case model.IntentTest:
		if test {
			return 1.0
		}
		return 0.3
	case model.IntentBugFix:
		if test {
			return 0.3
		}
		return 1.0
	case model.IntentRefactor:
		if test {
			return 0.3
		}
		return 1.0
	default:
		return 0.5
	}
}

func symbolTypeFit(in model.Intent, st model.SymbolType) float64 {
	switch in {
	case model.IntentRefactor:
		if st == model.SymbolClass || st == model.SymbolFunction {
			return 1.0
		}
	case model.IntentGenerate:
		if st == model.SymbolFunction || st == model.SymbolMethod {
			return 1.0
		}
	}
	return 0.5
}

// Rank re-scores candidates against intent and nowMs (ms since epoch,
// supplied by the caller for determinism), applies the diversity penalty,
// and returns the re-sorted list. candidates is not mutated.
func Rank(candidates []model.Candidate, in model.Intent, nowMs int64) []model.Candidate {
	out := make([]model.Candidate, len(candidates))
	copy(out, candidates)

	for i := range out {
		c := &out[i]
		final := weightMethod*c.Score +
			weightRecency*recencyScore(c.LastModified, nowMs) +
			weightFileType*fileTypeFit(in, c.FilePath) +
			weightSymbolType*symbolTypeFit(in, c.SymbolType)
		c.Score = final
	}

	sortByScoreThenPosition(out)
	applyDiversityPenalty(out)
	sortByScoreThenPosition(out)

	return out
}

func sortByScoreThenPosition(cands []model.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		if cands[i].FilePath != cands[j].FilePath {
			return cands[i].FilePath < cands[j].FilePath
		}
		return cands[i].LineRange.Start < cands[j].LineRange.Start
	})
}

// applyDiversityPenalty visits candidates in their current (final-score)
// order and multiplies the n-th candidate from a given file by 1/(1+n),
// n starting at 0 for the first occurrence (§4.10: "first is x1, second
// x1/2, third x1/3").
func applyDiversityPenalty(cands []model.Candidate) {
	seen := make(map[string]int, len(cands))
	for i := range cands {
		path := cands[i].FilePath
		n := seen[path]
		cands[i].Score = cands[i].Score / float64(1+n)
		seen[path] = n + 1
	}
}
