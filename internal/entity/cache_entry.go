package entity

import (
	"time"

	"github.com/google/uuid"
)

// CacheEntry is the auxiliary index row accelerating artifact lookup.
// An entry exists if and only if its referenced document is completed.
type CacheEntry struct {
	CacheKey       string     `json:"cache_key"`
	DocumentID     uuid.UUID  `json:"document_id"`
	HitCount       int64      `json:"hit_count"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"` // nil means never expires
}

// Expired reports whether the entry has passed its expiry at the given
// instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}
