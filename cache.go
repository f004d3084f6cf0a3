package httpse

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// matchCacheSize bounds the per-snapshot host lookup cache.
const matchCacheSize = 4096

// matchCache memoizes host -> candidate ruleset ids for one snapshot. Each
// snapshot owns its own instance created empty, so stale cross-snapshot
// results are impossible. Racing computes of the same host produce
// identical values, so the last-write-wins insert is harmless.
type matchCache struct {
	hosts *lru.Cache[string, []uint32]
}

func newMatchCache() *matchCache {
	hosts, err := lru.New[string, []uint32](matchCacheSize)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &matchCache{hosts: hosts}
}

func (c *matchCache) lookupOrCompute(host string, compute func(string) []uint32) []uint32 {
	if ids, ok := c.hosts.Get(host); ok {
		return ids
	}
	ids := compute(host)
	c.hosts.Add(host, ids)
	return ids
}
