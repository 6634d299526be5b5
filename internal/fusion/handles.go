package fusion

import "container/list"

// DefaultHandleCapacity bounds the number of per-address decoders kept alive
const DefaultHandleCapacity = 16

type handleKey struct {
	source  SourceID
	address string
}

type handle struct {
	key     handleKey
	decoder Decoder
}

// handleCache is a least-recently-used cache of decoders. Not safe for
// concurrent use; Fusion serialises access.
type handleCache struct {
	capacity int
	order    *list.List // front is most recently used
	byKey    map[handleKey]*list.Element
}

func newHandleCache(capacity int) *handleCache {
	if capacity <= 0 {
		capacity = DefaultHandleCapacity
	}
	return &handleCache{
		capacity: capacity,
		order:    list.New(),
		byKey:    make(map[handleKey]*list.Element),
	}
}

// get returns the decoder for key, creating it with factory on first use.
// evicted is the key dropped to make room, if any.
func (c *handleCache) get(key handleKey, factory DecoderFactory) (d Decoder, evicted *handleKey) {
	if el, ok := c.byKey[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*handle).decoder, nil
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		h := oldest.Value.(*handle)
		c.order.Remove(oldest)
		delete(c.byKey, h.key)
		evictedKey := h.key
		evicted = &evictedKey
	}

	h := &handle{key: key, decoder: factory()}
	c.byKey[key] = c.order.PushFront(h)
	return h.decoder, evicted
}

func (c *handleCache) len() int {
	return c.order.Len()
}

// forget drops every decoder for address and returns how many were dropped
func (c *handleCache) forget(address string) int {
	n := 0
	for key, el := range c.byKey {
		if key.address == address {
			c.order.Remove(el)
			delete(c.byKey, key)
			n++
		}
	}
	return n
}
