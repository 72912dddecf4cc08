package expert

import "time"

// GenerateRequest is one prompt sent to the resident expert model.
type GenerateRequest struct {
	Model       string
	Prompt      string
	Images      []string // base64-encoded
	Temperature float64
	MaxTokens   int
}

// Params are the category-specific generation settings.
type Params struct {
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Timeout     time.Duration `json:"timeout"`
}

// DefaultParams returns the generation settings for c. Knowledge answers are
// short and conservative; every other expert gets more room.
func DefaultParams(c Category) Params {
	if c == Knowledge {
		return Params{Temperature: 0.3, MaxTokens: 300, Timeout: 90 * time.Second}
	}
	return Params{Temperature: 0.7, MaxTokens: 512, Timeout: 120 * time.Second}
}

// DefaultModels maps each slot-managed category to its backend model.
func DefaultModels() map[Category]string {
	return map[Category]string{
		Math:      "qwen2-math:7b-instruct",
		Coding:    "deepseek-coder:6.7b-instruct",
		Vision:    "llava:7b-v1.6",
		Knowledge: "qwen3:8b",
	}
}
