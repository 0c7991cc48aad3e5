package giftcard

import (
	"context"
	"sync"
	"time"

	"promotions-ledger/pkg/rediskey"

	"golang.org/x/sync/singleflight"
)

var activeTemplatesKey = rediskey.BuildTemplateCacheKey("active")

// templateCache holds the active template list. Concurrent misses share one load.
// gen moves on every invalidate; a load started under an older gen is returned
// to its callers but never cached.
type templateCache struct {
	mu       sync.RWMutex
	items    []*Template
	loadedAt time.Time
	gen      uint64
	ttl      time.Duration
	group    singleflight.Group
	now      func() time.Time
}

func newTemplateCache(ttl time.Duration) *templateCache {
	return &templateCache{ttl: ttl, now: time.Now}
}

func (c *templateCache) get() ([]*Template, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.items == nil || (c.ttl > 0 && c.now().Sub(c.loadedAt) > c.ttl) {
		return nil, c.gen, false
	}
	return c.items, c.gen, true
}

// set stores items unless the cache was invalidated after gen was read.
func (c *templateCache) set(gen uint64, items []*Template) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.items = items
	c.loadedAt = c.now()
	return true
}

func (c *templateCache) invalidate() {
	c.mu.Lock()
	c.items = nil
	c.gen++
	c.mu.Unlock()
	c.group.Forget(activeTemplatesKey)
}

func (c *templateCache) load(ctx context.Context, fetch func(context.Context) ([]*Template, error)) ([]*Template, error) {
	if items, _, ok := c.get(); ok {
		return items, nil
	}

	v, err, _ := c.group.Do(activeTemplatesKey, func() (any, error) {
		items, gen, ok := c.get()
		if ok {
			return items, nil
		}
		items, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []*Template{}
		}
		c.set(gen, items)
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Template), nil
}
