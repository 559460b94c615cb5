// Package cache opportunistically serves prior GET responses, per
// spec.md §4.6's cache-store policy. It wraps jellydator/ttlcache,
// following the usage pattern ddevcap-jellyfin-proxy uses for its own
// view cache.
package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Entry is one cached response.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	CachedAt   time.Time
}

// Cache stores GET responses keyed by method+path+query.
type Cache struct {
	store   *ttlcache.Cache[string, Entry]
	maxAge  time.Duration
	enabled bool
}

// New creates a Cache. If enabled is false, Get always misses and Set
// is a no-op — this lets callers keep a single code path regardless of
// the enableCaching config flag.
func New(enabled bool, maxAge time.Duration) *Cache {
	store := ttlcache.New[string, Entry](
		ttlcache.WithTTL[string, Entry](maxAge),
	)
	go store.Start()
	return &Cache{store: store, maxAge: maxAge, enabled: enabled}
}

// Close stops the cache's background TTL-eviction goroutine.
func (c *Cache) Close() error {
	c.store.Stop()
	return nil
}

// Key builds the cache key for a request; only GET requests are ever
// looked up or stored (spec.md §4.6).
func Key(method, path, rawQuery string) string {
	if rawQuery == "" {
		return method + " " + path
	}
	return method + " " + path + "?" + rawQuery
}

// Get returns the cached entry for key, if present and caching is
// enabled.
func (c *Cache) Get(key string) (Entry, bool) {
	if !c.enabled {
		return Entry{}, false
	}
	item := c.store.Get(key)
	if item == nil {
		return Entry{}, false
	}
	return item.Value(), true
}

// ShouldStore implements spec.md §4.6's cache-store policy: enabled,
// GET, 2xx, no "no-cache"/"private" Cache-Control, and a JSON/text/XML
// content type.
func ShouldStore(enabled bool, method string, statusCode int, header http.Header) bool {
	if !enabled || method != http.MethodGet {
		return false
	}
	if statusCode < 200 || statusCode >= 300 {
		return false
	}
	cc := strings.ToLower(header.Get("Cache-Control"))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "private") {
		return false
	}
	ct := header.Get("Content-Type")
	for _, prefix := range []string{"application/json", "text/", "application/xml"} {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// Set stores an entry, stamping the Cache-Control and X-Cached-At
// headers the spec requires on the stored copy. Best-effort: failures
// (none are possible here, ttlcache.Set cannot fail) are irrelevant,
// but the caller is expected to not block the response path on this.
func (c *Cache) Set(key string, statusCode int, header http.Header, body []byte, now time.Time) {
	if !c.enabled {
		return
	}
	stored := header.Clone()
	stored.Set("Cache-Control", "max-age="+strconv.FormatInt(int64(c.maxAge/time.Second), 10))
	stored.Set("X-Cached-At", now.UTC().Format(time.RFC3339))

	c.store.Set(key, Entry{
		StatusCode: statusCode,
		Header:     stored,
		Body:       body,
		CachedAt:   now,
	}, ttlcache.DefaultTTL)
}
