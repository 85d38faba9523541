// Package recent tracks entities that were just written or just applied, so the
// polling and realtime paths do not reprocess each other's work or a device's
// own echo. Markers are advisory, in-memory and expire on their own.
package recent

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultTTL is how long a marker is honored.
const DefaultTTL = 2 * time.Second

// Source tags which path produced a marker.
type Source string

const (
	// SourceLocalWrite marks an entity whose local write was just applied or pushed;
	// a remote echo of that write inside the window is ignored.
	SourceLocalWrite Source = "local"
	// SourceRealtime marks an entity the realtime listener just applied; a polling
	// pass inside the window skips it.
	SourceRealtime Source = "realtime"
)

// Key identifies a marker.
type Key struct {
	Source   Source
	EntityID string
}

// Cache is a TTL set of (source, entity) markers shared by both sync paths.
type Cache struct {
	ttl   time.Duration
	cache *ttlcache.Cache[Key, time.Time]
}

// New returns a Cache whose markers live for ttl (DefaultTTL when ttl <= 0).
// Reads never extend a marker's lifetime.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := ttlcache.New[Key, time.Time](
		ttlcache.WithTTL[Key, time.Time](ttl),
		ttlcache.WithDisableTouchOnHit[Key, time.Time](),
	)
	return &Cache{ttl: ttl, cache: cache}
}

// Run starts the expiry loop and stops it when ctx is done.
func (c *Cache) Run(ctx context.Context) {
	go c.cache.Start()
	go func() {
		<-ctx.Done()
		c.cache.Stop()
	}()
}

// TTL returns the marker lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Mark records that entityID was just handled by source, restarting its window.
func (c *Cache) Mark(source Source, entityID string) {
	c.cache.Set(Key{Source: source, EntityID: entityID}, time.Now(), ttlcache.DefaultTTL)
}

// Seen reports whether entityID carries an unexpired marker from source.
func (c *Cache) Seen(source Source, entityID string) bool {
	item := c.cache.Get(Key{Source: source, EntityID: entityID})
	return item != nil && !item.IsExpired()
}

// MarkedAt returns when the marker was set, if it is still live.
func (c *Cache) MarkedAt(source Source, entityID string) (time.Time, bool) {
	item := c.cache.Get(Key{Source: source, EntityID: entityID})
	if item == nil || item.IsExpired() {
		return time.Time{}, false
	}
	return item.Value(), true
}

// Forget drops a marker.
func (c *Cache) Forget(source Source, entityID string) {
	c.cache.Delete(Key{Source: source, EntityID: entityID})
}

// Len returns the number of live markers.
func (c *Cache) Len() int {
	c.cache.DeleteExpired()
	return c.cache.Len()
}
