package httpse

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	trivialFrom = "^http:"
	trivialTo   = "https:"

	// A default_off of "user rule" marks a rule the user added themselves,
	// which stays enabled despite the attribute being present.
	userRule = "user rule"

	platformMixedContent = "mixedcontent"
)

// A Rule maps a regular expression over the full URL to a replacement
// template with backreferences. The compiled form is kept alongside the
// source strings for efficiency. The overwhelmingly common
// "^http:" -> "https:" rule is special-cased so it never touches the
// regexp machinery.
type Rule struct {
	From string
	To   string

	from    *regexp.Regexp
	trivial bool
}

func newRule(from, to string) (*Rule, error) {
	if from == trivialFrom && to == trivialTo {
		return &Rule{From: from, To: to, trivial: true}, nil
	}
	re, err := regexp.Compile(from)
	if err != nil {
		return nil, fmt.Errorf("compiling from pattern %q: %w", from, err)
	}
	return &Rule{From: from, To: to, from: re}, nil
}

// apply returns the rewritten URL and whether the rule rewrote it. A
// replacement that leaves the URL unchanged counts as no match, so later
// rules and later candidate rulesets still get their turn.
func (r *Rule) apply(url string) (string, bool) {
	if r.trivial {
		if strings.HasPrefix(url, "http:") {
			return "https:" + url[len("http:"):], true
		}
		return "", false
	}
	rewritten := r.from.ReplaceAllString(url, r.To)
	if rewritten == url {
		return "", false
	}
	return rewritten, true
}

// simple reports whether the rule's replacement is a pure literal, with no
// backreferences into the from pattern.
func (r *Rule) simple() bool {
	return !strings.ContainsRune(r.To, '$')
}

// An Exclusion is a URL pattern that vetoes the owning ruleset entirely
// for URLs it matches.
type Exclusion struct {
	Pattern string

	pattern *regexp.Regexp
}

func newExclusion(pattern string) (*Exclusion, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling exclusion %q: %w", pattern, err)
	}
	return &Exclusion{Pattern: pattern, pattern: re}, nil
}

// A CookieRule marks cookies the host application must force secure. It is
// carried through the data model and only consulted by ShouldSecureCookie,
// never by URL rewriting.
type CookieRule struct {
	HostPattern string
	NamePattern string

	host *regexp.Regexp
	name *regexp.Regexp
}

func newCookieRule(hostPattern, namePattern string) (*CookieRule, error) {
	host, err := regexp.Compile(hostPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling cookie host pattern %q: %w", hostPattern, err)
	}
	name, err := regexp.Compile(namePattern)
	if err != nil {
		return nil, fmt.Errorf("compiling cookie name pattern %q: %w", namePattern, err)
	}
	return &CookieRule{HostPattern: hostPattern, NamePattern: namePattern, host: host, name: name}, nil
}

func (c *CookieRule) matches(domain, name string) bool {
	return c.host.MatchString(domain) && c.name.MatchString(name)
}

// A Ruleset groups the rewrite rules, exclusions and cookie rules for one
// site or site family. It is immutable once constructed; its identity is
// the ID assigned at ingestion, which is stable across updates only when
// the source bundle preserves declaration order.
type Ruleset struct {
	ID   uint32
	Name string

	// Targets are the normalized host patterns declaring which hosts this
	// ruleset applies to.
	Targets []string

	Rules       []*Rule
	Exclusions  []*Exclusion
	CookieRules []*CookieRule

	DefaultOff string
	Platform   string
	Note       string

	// DefaultState is whether the ruleset is active absent a per-ruleset
	// Settings override.
	DefaultState bool

	// scope confines the ruleset to URLs matching the update channel's
	// scope pattern. Nil means unscoped.
	scope *regexp.Regexp
}

// excluded reports whether url is vetoed for this ruleset. A match on any
// exclusion guarantees the ruleset contributes no rewrite for url.
func (rs *Ruleset) excluded(url string) bool {
	for _, ex := range rs.Exclusions {
		if ex.pattern.MatchString(url) {
			return true
		}
	}
	return false
}

// inScope reports whether url is within the ruleset's update channel
// scope.
func (rs *Ruleset) inScope(url string) bool {
	return rs.scope == nil || rs.scope.MatchString(url)
}

// apply returns the rewrite for the first rule matching url, honoring
// exclusions. Rule order is declaration order and significant.
func (rs *Ruleset) apply(url string) (string, bool) {
	if rs.excluded(url) {
		return "", false
	}
	for _, rule := range rs.Rules {
		if rewritten, ok := rule.apply(url); ok {
			return rewritten, true
		}
	}
	return "", false
}

// normalizeTarget validates and canonicalizes a target host pattern: ASCII
// hostname, lower case, no scheme or port, at most one wildcard and only
// as the leftmost ("*.example.com") or rightmost ("www.example.*") label.
func normalizeTarget(target string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(target))
	if t == "" {
		return "", fmt.Errorf("empty target")
	}
	if strings.ContainsAny(t, ":/ ") {
		return "", fmt.Errorf("target %q contains scheme, port or path", target)
	}
	if strings.Contains(t, "..") || strings.HasPrefix(t, ".") || strings.HasSuffix(t, ".") {
		return "", fmt.Errorf("target %q is not a well-formed hostname", target)
	}
	if n := strings.Count(t, "*"); n > 1 {
		return "", fmt.Errorf("target %q has more than one wildcard", target)
	} else if n == 1 {
		if !strings.HasPrefix(t, "*.") && !strings.HasSuffix(t, ".*") {
			return "", fmt.Errorf("target %q has a wildcard in a non-edge label", target)
		}
	}
	return t, nil
}
