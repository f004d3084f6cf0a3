package httpse

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// A snapshot is one immutable, atomically-installed generation of the
// corpus plus its derived index, caches and diagnostic indexes. Readers
// load the current snapshot once per operation and work entirely against
// it, so a concurrent install is never observed mid-way. Retired
// snapshots are collected once their last reader drops them.
type snapshot struct {
	store  *ruleSetStore
	index  *targetIndex
	cache  *matchCache
	simple *simpleRuleIndex

	// cookieSafety caches "is it safe to secure cookies for this domain"
	// verdicts, which depend on the corpus and so die with the snapshot.
	cookieSafety *lru.Cache[string, bool]
}

// cookieCacheSize bounds the cookie host safety cache.
const cookieCacheSize = 250

func newSnapshot(rulesets []*Ruleset) (*snapshot, error) {
	store, err := newRuleSetStore(rulesets)
	if err != nil {
		return nil, err
	}
	cookieSafety, err := lru.New[string, bool](cookieCacheSize)
	if err != nil {
		return nil, err
	}
	return &snapshot{
		store:        store,
		index:        buildTargetIndex(rulesets),
		cache:        newMatchCache(),
		simple:       buildSimpleRuleIndex(rulesets),
		cookieSafety: cookieSafety,
	}, nil
}

// candidates resolves host through the snapshot's cache.
func (s *snapshot) candidates(host string) []uint32 {
	return s.cache.lookupOrCompute(host, s.index.candidates)
}

// rulesetsFor materializes the candidate rulesets for host in the index's
// deterministic order.
func (s *snapshot) rulesetsFor(host string) []*Ruleset {
	ids := s.candidates(host)
	if len(ids) == 0 {
		return nil
	}
	rulesets := make([]*Ruleset, 0, len(ids))
	for _, id := range ids {
		if rs, ok := s.store.get(id); ok {
			rulesets = append(rulesets, rs)
		}
	}
	return rulesets
}
