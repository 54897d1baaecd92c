package hostlru

import (
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the fixed capacity of the IP-to-hostname cache.
const DefaultSize = 128

// Cache maps observed IP addresses to the last DNS name that resolved to
// them. It is bounded: inserting past capacity evicts the least recently
// used entry. Entries never expire by time.
type Cache struct {
	entries *lru.Cache[netip.Addr, string]
}

// New creates a cache with the given capacity.
func New(size int) (*Cache, error) {
	entries, err := lru.New[netip.Addr, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Add inserts or refreshes a mapping, making it the most recently used.
func (c *Cache) Add(ip netip.Addr, name string) {
	c.entries.Add(ip, name)
}

// Find returns the host name last seen resolving to ip and promotes the
// entry. The returned string is owned by the caller.
func (c *Cache) Find(ip netip.Addr) (string, bool) {
	return c.entries.Get(ip)
}

// Size returns the current number of entries.
func (c *Cache) Size() int {
	return c.entries.Len()
}
