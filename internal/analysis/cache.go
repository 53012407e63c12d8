package analysis

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Descriptor is the cached summary of one (flow, analyzer) execution. It is
// a dedup and metric hint only; the orchestrator always runs the analyzer.
type Descriptor struct {
	FindingCount int
	Metadata     map[string]any
	InsertedAt   time.Time
}

// Cache is a bounded LRU of descriptors with absolute TTL expiry.
type Cache struct {
	lru *expirable.LRU[string, Descriptor]
}

// NewCache builds a cache holding up to maxSize descriptors for ttl each.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, Descriptor](maxSize, nil, ttl)}
}

func cacheKey(flowID, analyzer string) string { return flowID + "/" + analyzer }

// Put records the descriptor for one execution.
func (c *Cache) Put(flowID, analyzer string, d Descriptor) {
	if c == nil {
		return
	}
	d.InsertedAt = time.Now()
	c.lru.Add(cacheKey(flowID, analyzer), d)
}

// Get returns the cached descriptor, if present and unexpired.
func (c *Cache) Get(flowID, analyzer string) (Descriptor, bool) {
	if c == nil {
		return Descriptor{}, false
	}
	return c.lru.Get(cacheKey(flowID, analyzer))
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
