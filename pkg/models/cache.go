package models

import "time"

// CacheEntry stores a cached provider response.
type CacheEntry struct {
	Text      string        `json:"text"`
	Provider  Provider      `json:"provider"`
	Model     string        `json:"model,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the entry is past its ttl at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.CreatedAt.Add(e.TTL))
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
