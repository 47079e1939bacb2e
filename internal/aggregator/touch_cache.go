package aggregator

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// touchCache is a small go-cache wrapper recording the last tick each uid
// was actively aggregated, grounded on the same gocache.New(ttl, cleanup)
// idiom the panel uses for its auth/rate-limit caches. It exists as a
// backstop: if the control loop's own UserSlice map ever forgot to evict a
// departed user, this cache independently expires their liveness entry
// and Stale reports it.
type touchCache struct {
	backend *gocache.Cache
	ttl     time.Duration
}

func newTouchCache(ttl time.Duration) *touchCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &touchCache{
		backend: gocache.New(ttl, ttl/2),
		ttl:     ttl,
	}
}

func (c *touchCache) Touch(uid int) {
	c.backend.Set(key(uid), time.Now(), c.ttl)
}

func (c *touchCache) Stale(uid int) bool {
	_, found := c.backend.Get(key(uid))
	return !found
}

func key(uid int) string {
	return strconv.Itoa(uid)
}
