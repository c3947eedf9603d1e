package outbound

import (
	"container/list"
)

// idemCache is a fixed-size LRU of successful results keyed by idempotency
// key. Each partition owns one; there is no cross-partition sharing, and
// only the partition's worker goroutine touches it.
type idemCache struct {
	max     int
	entries map[string]*list.Element
	order   *list.List // most recent at back
}

type idemEntry struct {
	key    string
	result Result
}

func newIdemCache(max int) *idemCache {
	if max <= 0 {
		max = 512
	}
	return &idemCache{
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *idemCache) get(key string) (Result, bool) {
	elem, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	c.order.MoveToBack(elem)
	return elem.Value.(*idemEntry).result, true
}

func (c *idemCache) put(key string, result Result) {
	if key == "" {
		return
	}
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*idemEntry).result = result
		c.order.MoveToBack(elem)
		return
	}
	for len(c.entries) >= c.max {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.order.Remove(front)
		delete(c.entries, front.Value.(*idemEntry).key)
	}
	c.entries[key] = c.order.PushBack(&idemEntry{key: key, result: result})
}
