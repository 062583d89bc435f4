package models

import "time"

// CacheEntry stores a cached generation result.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Text        string    `json:"text,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the entry is stale at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Enabled bool   `json:"enabled"`
	Backend string `json:"backend"`
	Entries int64  `json:"entries"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Errors  int64  `json:"errors"`
}
