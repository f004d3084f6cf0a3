package httpse

// ruleSetStore owns the parsed corpus for one snapshot. It is read-only
// after construction; the target index references its rulesets by id only.
type ruleSetStore struct {
	byID    map[uint32]*Ruleset
	ordered []*Ruleset
}

func newRuleSetStore(rulesets []*Ruleset) (*ruleSetStore, error) {
	s := &ruleSetStore{
		byID:    make(map[uint32]*Ruleset, len(rulesets)),
		ordered: rulesets,
	}
	for _, rs := range rulesets {
		if _, dup := s.byID[rs.ID]; dup {
			return nil, updateError(DuplicateRuleset, nil, "id %d (%q)", rs.ID, rs.Name)
		}
		s.byID[rs.ID] = rs
	}
	return s, nil
}

func (s *ruleSetStore) get(id uint32) (*Ruleset, bool) {
	rs, ok := s.byID[id]
	return rs, ok
}

// all returns the corpus in declaration order. Callers must not mutate it.
func (s *ruleSetStore) all() []*Ruleset {
	return s.ordered
}

func (s *ruleSetStore) len() int {
	return len(s.ordered)
}
