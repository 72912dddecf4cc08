// Package expert defines the closed set of expert categories a query can be
// routed to, the classification result shape, and the failure taxonomy
// shared by the router, the slot manager and the dispatcher.
package expert

import (
	"fmt"
	"math"
	"strings"
)

// Category is one of the specialized backend models a query can be routed to.
type Category string

const (
	Math      Category = "math"
	Coding    Category = "coding"
	Vision    Category = "vision"
	Knowledge Category = "knowledge"
	Research  Category = "research"
)

// All lists every category in declaration order.
var All = []Category{Math, Coding, Vision, Knowledge, Research}

// ScoringOrder is the iteration order used for keyword and embedding scoring.
// Earlier entries win exact ties. Vision is absent: it is only reachable
// through an attached image.
var ScoringOrder = []Category{Math, Coding, Research, Knowledge}

// Valid reports whether c is a member of the closed set.
func (c Category) Valid() bool {
	switch c {
	case Math, Coding, Vision, Knowledge, Research:
		return true
	}
	return false
}

func (c Category) String() string { return string(c) }

// Label returns the capitalized display name ("Math", "Coding", ...).
func (c Category) Label() string {
	if c == "" {
		return ""
	}
	return strings.ToUpper(string(c[:1])) + string(c[1:])
}

// Parse converts a name into a Category, case-insensitively.
func Parse(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown expert category %q", s)
	}
	return c, nil
}

// Method records which tier of the classifier produced a result.
type Method string

const (
	KeywordMatch      Method = "keyword"
	EmbeddingFallback Method = "embedding"
	Default           Method = "default"
)

// Classification is the transient result of routing one query.
type Classification struct {
	Category Category `json:"category"`
	Score    float64  `json:"score"`
	Method   Method   `json:"method"`
}

// ImageClassification is the short-circuit result for queries carrying an image.
func ImageClassification() Classification {
	return Classification{Category: Vision, Score: math.Inf(1), Method: KeywordMatch}
}
