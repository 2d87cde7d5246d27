package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Cache stores fetched payloads keyed by request
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// FetchKey derives the cache key for a fetch of url on behalf of a source
func FetchKey(sourceID, url string) string {
	hash := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return "immortyx:v1:" + sourceID + ":" + hex.EncodeToString(hash[:])
}
