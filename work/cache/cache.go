package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Cache holds rendered /m3u playlists keyed by base URL and user.
// Entries expire after the configured duration and are all dropped whenever a
// new channel registry is published.
type Cache struct {
	m3u *otter.Cache[string, string]
}

// NewCache creates and returns a new Cache whose entries live for duration.
//
// Parameters:
//   - duration: how long entries are considered valid before expiring
//
// Returns:
//   - *Cache: pointer to a new Cache object
func NewCache(duration time.Duration) *Cache {
	return &Cache{
		m3u: otter.Must(&otter.Options[string, string]{
			MaximumSize:      1024,
			ExpiryCalculator: otter.ExpiryWriting[string, string](duration),
		}),
	}
}

// Key builds the cache key of a playlist rendered for user under baseURL.
func Key(baseURL, user string) string {
	return baseURL + "\x00" + user
}

// GetM3U retrieves a rendered playlist.
func (c *Cache) GetM3U(key string) (string, bool) {
	return c.m3u.GetIfPresent(key)
}

// SetM3U stores a rendered playlist.
func (c *Cache) SetM3U(key, value string) {
	c.m3u.Set(key, value)
}

// Clear drops every cached playlist.
func (c *Cache) Clear() {
	c.m3u.InvalidateAll()
}
