package router

import (
	"regexp"

	"github.com/nous-labs/council/pkg/expert"
)

// Rule is one weighted pattern. A rule contributes its weight at most once
// per query, however many times the pattern matches.
type Rule struct {
	Category expert.Category
	Pattern  *regexp.Regexp
	Weight   float64
}

func rule(c expert.Category, pattern string, weight float64) Rule {
	return Rule{Category: c, Pattern: regexp.MustCompile(pattern), Weight: weight}
}

// Patterns are matched against the lower-cased query, so every literal here
// is lower-case. Symbols and languages with trailing punctuation cannot rely
// on \b and use explicit non-word guards instead.
var defaultRules = []Rule{
	rule(expert.Math, `\b(integral|integrate|derivative|differentiate|antiderivative)\b`, 10),
	rule(expert.Math, `(∫|∂|\bd/dx\b|\bdy/dx\b)`, 10),
	rule(expert.Math, `\b(limit|series|theorem|proof)\b`, 8),
	rule(expert.Math, `\b(probability|variance|deviation|expected)\b`, 6),
	rule(expert.Math, `\b(sin|cos|tan|log|ln|exp)\b`, 5),

	rule(expert.Coding, `\b(implement|write|code|create|build|debug|fix)\b`, 6),
	rule(expert.Coding, `\b(function|algorithm|class|program|method|api)\b`, 5),
	rule(expert.Coding, `\b(python|java|javascript|typescript|rust|go|php|ruby)\b|(?:^|[^a-z0-9_])(c\+\+|c#)(?:[^a-z0-9_+#]|$)`, 9),
	rule(expert.Coding, `\b(dfs|bfs|search|sort|tree|graph|linked list|hash table)\b`, 7),
	rule(expert.Coding, `\b(array|string|loop|recursion|pointer)\b`, 4),

	rule(expert.Research, `\b(latest|recent|current|today|breaking)\b`, 7),
	rule(expert.Research, `\bnews\b`, 8),
	rule(expert.Research, `\b(ticker|stock|market|price|trading)\b`, 9),
	rule(expert.Research, `\b(aapl|msft|googl|tsla|amzn|nvda|meta|nflx|amd|intc)\b`, 10),
	rule(expert.Research, `\b(cryptocurrency|bitcoin|ethereum|crypto)\b`, 8),
	rule(expert.Research, `\b(update|announcement|release)\b`, 6),

	rule(expert.Knowledge, `\b(explain|describe|teach|what is|how does|define)\b`, 8),
	rule(expert.Knowledge, `\b(concept|principle|theory|definition)\b`, 5),
}

// DefaultRules returns a copy of the built-in rule table.
func DefaultRules() []Rule {
	out := make([]Rule, len(defaultRules))
	copy(out, defaultRules)
	return out
}

var canonicalExamples = map[expert.Category][]string{
	expert.Math: {
		"solve integral x squared",
		"find derivative of sine x",
		"calculate limit",
		"prove mathematical theorem",
	},
	expert.Coding: {
		"implement DFS in cpp",
		"write python function",
		"code binary search",
		"create API endpoint",
	},
	expert.Research: {
		"latest AAPL news",
		"current Tesla stock price",
		"recent AI updates",
		"today market trends",
	},
	expert.Knowledge: {
		"explain TCP/IP protocol",
		"what is object oriented programming",
		"describe REST architecture",
		"teach me binary trees",
	},
}

// CanonicalExamples returns a copy of the fallback example phrases keyed by
// category. Vision has none.
func CanonicalExamples() map[expert.Category][]string {
	out := make(map[expert.Category][]string, len(canonicalExamples))
	for c, ex := range canonicalExamples {
		out[c] = append([]string(nil), ex...)
	}
	return out
}
