package models

import "time"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageCounters is the active counter record for one usage window.
type UsageCounters struct {
	Day         string    `json:"day"`
	WindowStart time.Time `json:"window_start"`
	Requests    int64     `json:"requests"`
	Tokens      int64     `json:"tokens"`
	Images      int64     `json:"images"`
}

// UsageLimits caps daily usage. Zero means unlimited.
type UsageLimits struct {
	MaxRequestsPerDay int64 `json:"max_requests_per_day" yaml:"max_requests_per_day"`
	MaxTokensPerDay   int64 `json:"max_tokens_per_day" yaml:"max_tokens_per_day"`
	MaxImagesPerDay   int64 `json:"max_images_per_day" yaml:"max_images_per_day"`
}

// UsageStatus shows the current counters against limits.
type UsageStatus struct {
	Counters  UsageCounters `json:"counters"`
	Limits    UsageLimits   `json:"limits"`
	Enforced  bool          `json:"enforced"`
	WindowEnd time.Time     `json:"window_end"`
	Remaining struct {
		Requests int64 `json:"requests"`
		Tokens   int64 `json:"tokens"`
		Images   int64 `json:"images"`
	} `json:"remaining"`
}
