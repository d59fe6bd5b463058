// Package pack implements C12: greedily filling a token budget with ranked
// candidates, truncating the item that doesn't fit. See SPEC_FULL.md §4.12.
//
// Grounded on other_examples' ContextCalculator.CalculateSmartContextWithBudget
// and createPartialChunk (chriscorrea-sift internal/app/context_calculator.go):
// the same "measure full item against remaining budget, if it doesn't fit
// compute a truncated form and stop" greedy-fill shape, adapted from sift's
// before/after chunk-expansion strategy to the engine's linear
// ranked-candidate walk.
package pack

import (
	"fmt"
	"strings"

	"github.com/amanmcp/amanmcp/internal/contextengine/model"
)

// Tokenizer is the subset of tokenizer.Tokenizer the packer needs, kept
// narrow here to avoid an import cycle with the tokenizer package.
type Tokenizer interface {
	Count(text string) (int, error)
}

const (
	separator          = "\n\n---\n\n"
	truncationMarker   = "\n\n[... truncated ...]"
	truncationFloor    = 100 // §4.12: only attempt truncation above this many remaining tokens
	charsPerTokenGuess = 4
)

// Pack greedily fills contextBudget tokens from candidates in order,
// building one ContextItem per accepted candidate. Returns the items and
// the re-measured total token count, which never exceeds contextBudget
// (§4.12's packer invariant).
func Pack(candidates []model.Candidate, contextBudget int, tok Tokenizer) ([]model.ContextItem, int, error) {
	items := make([]model.ContextItem, 0, len(candidates))
	remaining := contextBudget
	used := 0

	for _, c := range candidates {
		name, desc, content := formatItem(c)
		full := name + "\n" + desc + "\n" + content
		sepCost := 0
		if len(items) > 0 {
			sepCost = len(separator) / charsPerTokenGuess
		}

		n, err := tok.Count(full)
		if err != nil {
			return nil, 0, err
		}
		total := n + sepCost

		if total <= remaining {
			items = append(items, model.ContextItem{Name: name, Description: desc, Content: content})
			remaining -= total
			used += total
			continue
		}

		if remaining <= truncationFloor {
			break
		}

		overhead := n - (len(content) / charsPerTokenGuess)
		if overhead < 0 {
			overhead = 0
		}
		contentBudget := remaining - sepCost - overhead
		if contentBudget <= 0 {
			break
		}

		truncated, itemTokens, err := fitTruncated(content, contentBudget, name, desc, sepCost, remaining, tok)
		if err != nil {
			return nil, 0, err
		}
		if truncated == "" {
			// Even the smallest truncation doesn't fit; discard and stop (§4.12).
			break
		}

		items = append(items, model.ContextItem{Name: name, Description: desc, Content: truncated, Truncated: true})
		cost := itemTokens + sepCost
		remaining -= cost
		used += cost
		break
	}

	return items, used, nil
}

// formatItem builds the §4.12 block:
//
//	File: <file_path>
//	Lines <start>-<end>
//	<content>
//
// (the Lines line is omitted when LineRange is absent). name is the file
// path (model.ContextItem.Name); description summarizes the candidate's
// score and retrieval method for diagnostics; content is the formatted
// block whose token count, plus name/description/separator, is what's
// measured against the remaining budget.
func formatItem(c model.Candidate) (name, description, content string) {
	name = c.FilePath
	description = fmt.Sprintf("score=%.2f method=%s", c.Score, c.Method)

	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", c.FilePath)
	if !c.LineRange.IsZero() {
		fmt.Fprintf(&b, "Lines %d-%d\n", c.LineRange.Start, c.LineRange.End)
	}
	b.WriteString(c.Content)
	return name, description, b.String()
}

// fitTruncated truncates content to approximately contentBudget tokens
// (§4.12's "content_budget · 4 characters" rule), appends the truncation
// marker, and re-measures against the tokenizer. Since char/token
// conversion is approximate, it tightens the char budget a few times if the
// first attempt still overshoots remaining. Returns ("", 0, nil) if no
// attempt fits.
func fitTruncated(content string, contentBudget int, name, desc string, sepCost, remaining int, tok Tokenizer) (string, int, error) {
	chars := contentBudget * charsPerTokenGuess
	for attempt := 0; attempt < 5 && chars > 0; attempt++ {
		candidate := truncateToApproxChars(content, chars) + truncationMarker
		n, err := tok.Count(name + "\n" + desc + "\n" + candidate)
		if err != nil {
			return "", 0, err
		}
		if n+sepCost <= remaining {
			return candidate, n, nil
		}
		overshoot := n + sepCost - remaining
		chars -= overshoot*charsPerTokenGuess + charsPerTokenGuess
	}
	return "", 0, nil
}

func truncateToApproxChars(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
