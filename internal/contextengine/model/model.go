// Package model holds the data types shared by every context-engine
// component (C1-C13): chunks, candidates, intents, and packed context items.
// See SPEC_FULL.md §3.
package model

// SymbolType is the closed set of symbol kinds a chunk may be scoped to.
type SymbolType string

const (
	SymbolFile      SymbolType = "file"
	SymbolModule    SymbolType = "module"
	SymbolClass     SymbolType = "class"
	SymbolFunction  SymbolType = "function"
	SymbolMethod    SymbolType = "method"
	SymbolInterface SymbolType = "interface"
	SymbolTypeDef   SymbolType = "type" // `type Foo struct{...}` / `type Bar = ...`
	SymbolConstant  SymbolType = "constant"
	SymbolBlock     SymbolType = "block"
)

// Method is the closed set of retrieval methods a candidate can come from.
type Method string

const (
	MethodSemantic    Method = "semantic"
	MethodLexical     Method = "lexical"
	MethodDependency  Method = "dependency"
	MethodRecentEdits Method = "recent_edits"
)

// Intent is the closed set of request categories the classifier (C6) maps
// free text onto.
type Intent string

const (
	IntentExplain  Intent = "explain"
	IntentBugFix   Intent = "bug_fix"
	IntentRefactor Intent = "refactor"
	IntentGenerate Intent = "generate"
	IntentTest     Intent = "test"
)

// AllIntents enumerates every Intent in a fixed order. The strategy
// selector (C7) indexes its plan array by this ordering, per SPEC_FULL.md
// §9 ("fixed-shape records, not hash maps"); the budget allocator (C11)
// keys its percentage table by intent string instead.
var AllIntents = [...]Intent{IntentExplain, IntentBugFix, IntentRefactor, IntentGenerate, IntentTest}

// LineRange is a 1-based inclusive line span. The zero value (Start == 0)
// means "absent" (a whole-file chunk).
type LineRange struct {
	Start int
	End   int
}

// IsZero reports whether the range is absent.
func (r LineRange) IsZero() bool { return r.Start == 0 && r.End == 0 }

// Overlaps reports whether r and other describe intersecting line spans.
// Two absent ranges never overlap (each represents a distinct whole file
// read, not a concrete interval).
func (r LineRange) Overlaps(other LineRange) bool {
	if r.IsZero() || other.IsZero() {
		return false
	}
	return r.Start <= other.End && other.Start <= r.End
}

// Chunk is the atomic indexed unit (SPEC_FULL.md §3).
type Chunk struct {
	ChunkID      string
	FilePath     string
	Content      string
	LineRange    LineRange
	Language     string
	SymbolName   string
	SymbolType   SymbolType
	LastModified int64 // ms since epoch
	ContentHash  string
}

// Candidate is a Chunk plus a retrieval annotation (SPEC_FULL.md §3).
type Candidate struct {
	Chunk
	Score        float64 // normalized, [0,1]
	Method       Method
	RawScore     float64
	MatchedTerms []string // lexical only
	DepDepth     int       // dependency only; -1 means "not applicable"
}

// ContextItem is one packed output unit (SPEC_FULL.md §3).
type ContextItem struct {
	Name        string // file path
	Description string // "score=0.83 method=semantic"
	Content     string // formatted block, may end with a truncation marker
	Truncated   bool
}

// ContextResult is the engine's output for one query (SPEC_FULL.md §3).
type ContextResult struct {
	Items             []ContextItem
	Intent            Intent
	TokensUsed         int
	RetrievalMethods   []Method
}
