package session

import (
	"regexp"
	"strings"
)

// FollowUpIndicators are phrases that mark a query as continuing the
// previous one. Matching is a case-insensitive substring test.
var FollowUpIndicators = []string{
	"now find", "now do", "now implement", "now write", "now calculate",
	"now evaluate", "now compute", "now solve",
	"also", "what about", "how about", "and the",
	"then", "next", "after that", "do the same", "same in",
}

// MaxShortTokens is the token count at or below which a query is treated as
// a follow-up even without an indicator phrase.
const MaxShortTokens = 5

// FollowUpRule rewrites an elliptical query using the previous user query.
type FollowUpRule interface {
	Name() string
	TryMatch(previous, current string) (string, bool)
}

// DefaultRules returns the built-in rules in evaluation order.
func DefaultRules() []FollowUpRule {
	return []FollowUpRule{MathRule{}, TickerRule{}, AlgorithmRule{}}
}

// IsFollowUp reports whether query looks like it depends on the previous turn.
func IsFollowUp(query string) bool {
	lower := strings.ToLower(strings.TrimSpace(query))
	for _, ind := range FollowUpIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return len(strings.Fields(query)) <= MaxShortTokens
}

// Rewrite turns current into a self-contained query given the previous user
// query. Non-follow-ups are returned unchanged; follow-ups that no rule
// claims get the previous query attached as context.
func Rewrite(rules []FollowUpRule, previous, current string) (string, string) {
	if !IsFollowUp(current) {
		return current, ""
	}
	for _, r := range rules {
		if out, ok := r.TryMatch(previous, current); ok {
			return out, r.Name()
		}
	}
	return "Context: " + previous + "\n\nFollow-up question: " + current, "generic"
}

var mathExprRe = regexp.MustCompile(`(?i)(x\s*\^\s*\d+|x\d+|sin\s*\([^)]+\)|cos\s*\([^)]+\)|e\s*\^\s*x)`)

// MathRule carries an expression from the previous query into a new
// derivative or integral request: "now find the integral" after
// "derivative of x^2" becomes "now find the integral of x^2".
type MathRule struct{}

func (MathRule) Name() string { return "math" }

func (MathRule) TryMatch(previous, current string) (string, bool) {
	lower := strings.ToLower(current)
	if !strings.Contains(lower, "derivative") && !strings.Contains(lower, "integral") {
		return "", false
	}
	m := mathExprRe.FindStringSubmatch(previous)
	if m == nil {
		return "", false
	}
	expr := strings.ReplaceAll(m[1], " ", "")
	return strings.TrimRight(current, "?.") + " of " + expr, true
}

var (
	prevTickerRe = regexp.MustCompile(`\b([A-Z]{2,5})\b(?:\s+(?:stock|ticker))`)
	tickerRe     = regexp.MustCompile(`\b([A-Z]{2,5})\b`)
)

// TickerRule swaps the ticker in a previous stock question: "what about
// MSFT?" after "AAPL stock price" becomes "MSFT stock price".
type TickerRule struct{}

func (TickerRule) Name() string { return "ticker" }

func (TickerRule) TryMatch(previous, current string) (string, bool) {
	lower := strings.ToLower(current)
	if !strings.Contains(lower, "what about") && !strings.Contains(lower, "how about") {
		return "", false
	}
	m := prevTickerRe.FindStringSubmatch(previous)
	if m == nil {
		return "", false
	}
	old := m[1]
	for _, cand := range tickerRe.FindAllStringSubmatch(current, -1) {
		if cand[1] != old {
			return strings.ReplaceAll(previous, old, cand[1]), true
		}
	}
	return "", false
}

var (
	algorithmRe = regexp.MustCompile(`(?i)(binary search|depth first search|breadth first search|DFS|BFS|quicksort|merge sort|linked list)`)
	languageRe  = regexp.MustCompile(`(?:^|[^a-z0-9_])(python|javascript|java|c\+\+|rust|golang|go|ruby|c#)(?:[^a-z0-9_+#]|$)`)
)

// AlgorithmRule re-targets an algorithm from the previous query at a new
// language: "now do it in rust" after "implement DFS in c++" becomes
// "implement DFS in rust".
type AlgorithmRule struct{}

func (AlgorithmRule) Name() string { return "algorithm" }

func (AlgorithmRule) TryMatch(previous, current string) (string, bool) {
	lower := strings.ToLower(current)
	if !strings.Contains(lower, "do") && !strings.Contains(lower, "implement") && !strings.Contains(lower, "write") {
		return "", false
	}
	algo := algorithmRe.FindStringSubmatch(previous)
	if algo == nil {
		return "", false
	}
	lang := languageRe.FindStringSubmatch(lower)
	if lang == nil {
		return "", false
	}
	return "implement " + algo[1] + " in " + lang[1], true
}
