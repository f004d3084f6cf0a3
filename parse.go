package httpse

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// JSON layout of one ruleset record, matching the released corpus format.
type rulesetRecord struct {
	Name        string         `json:"name"`
	Targets     []string       `json:"target"`
	Rules       []ruleRecord   `json:"rule"`
	Exclusions  []string       `json:"exclusion"`
	CookieRules []cookieRecord `json:"securecookie"`
	DefaultOff  string         `json:"default_off"`
	Platform    string         `json:"platform"`
}

type ruleRecord struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type cookieRecord struct {
	Host string `json:"host"`
	Name string `json:"name"`
}

// corpusEnvelope is the outer object released bundles wrap the ruleset
// array in. Release metadata beyond the array is the transport's business.
type corpusEnvelope struct {
	Timestamp int64           `json:"timestamp"`
	Rulesets  json.RawMessage `json:"rulesets"`
}

// parseRulesets decodes a plaintext corpus: either a bare JSON array of
// ruleset records or the released {"rulesets": [...]} envelope. Ingestion
// is all-or-nothing: any structurally invalid record rejects the whole
// corpus with a MalformedRuleset error. Ids are assigned sequentially
// starting at firstID. scope, when non-nil, confines every parsed ruleset
// to URLs it matches. enableMixed controls whether mixedcontent-platform
// rulesets default to active.
func parseRulesets(data []byte, firstID uint32, scope *regexp.Regexp, enableMixed bool) ([]*Ruleset, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env corpusEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, updateError(MalformedRuleset, err, "decoding corpus envelope")
		}
		if env.Rulesets == nil {
			return nil, updateError(MalformedRuleset, nil, "corpus envelope has no rulesets")
		}
		trimmed = env.Rulesets
	}

	var records []rulesetRecord
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, updateError(MalformedRuleset, err, "decoding ruleset records")
	}

	rulesets := make([]*Ruleset, 0, len(records))
	for i, rec := range records {
		rs, err := buildRuleset(firstID+uint32(i), rec, scope, enableMixed)
		if err != nil {
			return nil, err
		}
		rulesets = append(rulesets, rs)
	}
	return rulesets, nil
}

func buildRuleset(id uint32, rec rulesetRecord, scope *regexp.Regexp, enableMixed bool) (*Ruleset, error) {
	if rec.Name == "" {
		return nil, updateError(MalformedRuleset, nil, "record %d has no name", id)
	}
	if len(rec.Targets) == 0 {
		return nil, updateError(MalformedRuleset, nil, "ruleset %q has no targets", rec.Name)
	}

	defaultState := true
	var note strings.Builder
	if rec.DefaultOff != "" {
		if rec.DefaultOff != userRule {
			defaultState = false
		}
		note.WriteString(rec.DefaultOff)
		note.WriteString("\n")
	}
	if rec.Platform != "" {
		if rec.Platform == platformMixedContent {
			if !enableMixed {
				defaultState = false
			}
		} else {
			defaultState = false
		}
		note.WriteString("Platform(s): ")
		note.WriteString(rec.Platform)
		note.WriteString("\n")
	}

	rs := &Ruleset{
		ID:           id,
		Name:         rec.Name,
		DefaultOff:   rec.DefaultOff,
		Platform:     rec.Platform,
		Note:         strings.TrimSpace(note.String()),
		DefaultState: defaultState,
		scope:        scope,
	}

	rs.Targets = make([]string, 0, len(rec.Targets))
	for _, t := range rec.Targets {
		normalized, err := normalizeTarget(t)
		if err != nil {
			return nil, updateError(MalformedRuleset, err, "ruleset %q", rec.Name)
		}
		rs.Targets = append(rs.Targets, normalized)
	}

	rs.Rules = make([]*Rule, 0, len(rec.Rules))
	for _, r := range rec.Rules {
		rule, err := newRule(r.From, r.To)
		if err != nil {
			return nil, updateError(MalformedRuleset, err, "ruleset %q", rec.Name)
		}
		rs.Rules = append(rs.Rules, rule)
	}

	rs.Exclusions = make([]*Exclusion, 0, len(rec.Exclusions))
	for _, pattern := range rec.Exclusions {
		ex, err := newExclusion(pattern)
		if err != nil {
			return nil, updateError(MalformedRuleset, err, "ruleset %q", rec.Name)
		}
		rs.Exclusions = append(rs.Exclusions, ex)
	}

	rs.CookieRules = make([]*CookieRule, 0, len(rec.CookieRules))
	for _, c := range rec.CookieRules {
		cr, err := newCookieRule(c.Host, c.Name)
		if err != nil {
			return nil, updateError(MalformedRuleset, err, "ruleset %q", rec.Name)
		}
		rs.CookieRules = append(rs.CookieRules, cr)
	}

	return rs, nil
}
