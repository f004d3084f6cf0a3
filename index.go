package httpse

import (
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	iradix "github.com/hashicorp/go-immutable-radix/v2"
)

// bloomFPRate trades filter memory against wasted exact lookups. False
// negatives are impossible by construction; this only tunes how often a
// non-candidate host reaches the radix tree.
const bloomFPRate = 0.001

// targetIndex maps hostnames to candidate ruleset ids. A bloom filter over
// reduced target keys rejects most probe keys cheaply; survivors are
// confirmed against an immutable radix tree keyed by the full normalized
// pattern, which eliminates false positives and yields the id list.
type targetIndex struct {
	filter *bloom.BloomFilter
	exact  *iradix.Tree[[]uint32]
}

// bloomKey reduces a target pattern to the concrete key a matching host
// will derive: the host itself for plain targets, the suffix for
// "*.example.com", the leading labels for "www.example.*".
func bloomKey(target string) string {
	if rest, ok := strings.CutPrefix(target, "*."); ok {
		return rest
	}
	if rest, ok := strings.CutSuffix(target, ".*"); ok {
		return rest
	}
	return target
}

func buildTargetIndex(rulesets []*Ruleset) *targetIndex {
	n := 0
	for _, rs := range rulesets {
		n += len(rs.Targets)
	}
	if n == 0 {
		n = 1
	}

	filter := bloom.NewWithEstimates(uint(n), bloomFPRate)
	txn := iradix.New[[]uint32]().Txn()
	for _, rs := range rulesets {
		for _, target := range rs.Targets {
			filter.AddString(bloomKey(target))
			key := []byte(target)
			ids, _ := txn.Get(key)
			txn.Insert(key, append(ids, rs.ID))
		}
	}
	return &targetIndex{filter: filter, exact: txn.Commit()}
}

// candidates returns the ids of all rulesets whose targets can apply to
// host, with no false negatives. The order is deterministic: the exact
// target first, then the trailing-wildcard form, then subdomain wildcards
// from most to least specific suffix; ids under one target keep corpus
// declaration order and duplicates keep their first position.
func (ti *targetIndex) candidates(host string) []uint32 {
	// RFC 1035 sanity; a bare unregistered TLD simply yields no matches.
	if host == "" || len(host) > 255 || strings.Contains(host, "..") {
		return nil
	}

	var ids []uint32
	var seen map[uint32]bool
	add := func(probe, pattern string) {
		if !ti.filter.TestString(probe) {
			return
		}
		matched, ok := ti.exact.Get([]byte(pattern))
		if !ok {
			return
		}
		for _, id := range matched {
			if !seen[id] {
				if seen == nil {
					seen = make(map[uint32]bool)
				}
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	add(host, host)

	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ids
	}

	// www.example.com can match www.example.*.
	head := host[:strings.LastIndexByte(host, '.')]
	add(head, head+".*")

	// x.y.example.com can match *.y.example.com and *.example.com, at any
	// depth. A host never matches a wildcard pattern with more labels than
	// its own: example.com derives "*.com" here, not "*.example.com".
	for i := 1; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		add(suffix, "*."+suffix)
	}
	return ids
}
