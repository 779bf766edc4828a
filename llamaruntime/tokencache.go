package llamaruntime

import (
	"github.com/jellydator/ttlcache/v3"
)

// tokenCache remembers the tokenization of recent prompts, keyed by the
// exact prompt text and special-token flag. It is bounded by capacity and
// evicts the least recently used entry. Values are copied in and out so
// callers can never alias a cached slice.
type tokenCache struct {
	cache *ttlcache.Cache[string, []int32]
}

// newTokenCache returns nil when capacity is zero; a nil cache is a valid
// always-miss cache.
func newTokenCache(capacity int) *tokenCache {
	if capacity <= 0 {
		return nil
	}
	return &tokenCache{
		cache: ttlcache.New[string, []int32](
			ttlcache.WithCapacity[string, []int32](uint64(capacity)),
		),
	}
}

func cacheKey(text string, addSpecial bool) string {
	if addSpecial {
		return "1" + text
	}
	return "0" + text
}

func (c *tokenCache) get(text string, addSpecial bool) ([]int32, bool) {
	if c == nil {
		return nil, false
	}
	item := c.cache.Get(cacheKey(text, addSpecial))
	if item == nil {
		return nil, false
	}
	return append([]int32(nil), item.Value()...), true
}

func (c *tokenCache) put(text string, addSpecial bool, tokens []int32) {
	if c == nil {
		return
	}
	c.cache.Set(cacheKey(text, addSpecial), append([]int32(nil), tokens...), ttlcache.NoTTL)
}

func (c *tokenCache) len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

func (c *tokenCache) clear() {
	if c != nil {
		c.cache.DeleteAll()
	}
}
