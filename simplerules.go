package httpse

import (
	radix "github.com/armon/go-radix"
)

// simpleRuleIndex supports the SimpleRulesEndingWith diagnostic: rules
// whose replacement is a pure literal, keyed reversed so a suffix query
// becomes a prefix walk. Built once per snapshot, read-only afterwards.
type simpleRuleIndex struct {
	reversed *radix.Tree
}

func buildSimpleRuleIndex(rulesets []*Ruleset) *simpleRuleIndex {
	tree := radix.New()
	for _, rs := range rulesets {
		for _, rule := range rs.Rules {
			if !rule.simple() {
				continue
			}
			key := reverse(rule.To)
			if existing, ok := tree.Get(key); ok {
				tree.Insert(key, append(existing.([]*Rule), rule))
			} else {
				tree.Insert(key, []*Rule{rule})
			}
		}
	}
	return &simpleRuleIndex{reversed: tree}
}

// endingWith returns every simple rule whose literal To ends with suffix,
// in corpus declaration order within each distinct replacement.
func (idx *simpleRuleIndex) endingWith(suffix string) []*Rule {
	var rules []*Rule
	idx.reversed.WalkPrefix(reverse(suffix), func(_ string, v interface{}) bool {
		rules = append(rules, v.([]*Rule)...)
		return false
	})
	return rules
}

// reverse returns s reversed. Rule templates and hostnames here are ASCII
// by contract, so a byte reversal suffices.
func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
