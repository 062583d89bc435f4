package models

import "time"

// HistoryEntry is one recorded generation.
type HistoryEntry struct {
	RequestID   string    `json:"request_id"`
	Fingerprint string    `json:"fingerprint"`
	Kind        string    `json:"kind"`
	ProductName string    `json:"product_name"`
	Model       string    `json:"model"`
	Cached      bool      `json:"cached"`
	Image       bool      `json:"image"`
	Tokens      int       `json:"tokens"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	LatencyMs   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryQueryOpts specifies filters for querying history entries.
type HistoryQueryOpts struct {
	Model       string
	Since       time.Time
	Status      string
	Fingerprint string
	RequestID   string
	Limit       int
}

// HistoryStat holds aggregate counts for a model/day combination.
type HistoryStat struct {
	Model  string `json:"model"`
	Day    string `json:"day"`
	Count  int    `json:"count"`
	Cached int    `json:"cached"`
	Tokens int64  `json:"tokens"`
}
