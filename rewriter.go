package httpse

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/golog"
	"github.com/getlantern/mtime"
)

var log = golog.LoggerFor("httpse")

// Action is what the host application should do with a request.
type Action int

const (
	// ActionNoOp leaves the request untouched.
	ActionNoOp Action = iota

	// ActionRewrite redirects the request to RewriteResult.URL.
	ActionRewrite

	// ActionCancel blocks the request. Only produced in EASE mode, for
	// plain-http requests that cannot be upgraded.
	ActionCancel
)

// RewriteResult is the decision for one URL. URL is set only when Action
// is ActionRewrite.
type RewriteResult struct {
	Action Action
	URL    string
}

var numLocalhost = regexp.MustCompile(`^127(\.[0-9]{1,3}){3}$`)

// Rewriter is the public entry point: URL in, rewrite decision out. All
// reads go through a single atomically-loaded snapshot of the corpus, so
// they never block on updates and never observe a partially-installed one.
// Updates are serialized by installMu and swap the whole snapshot at once.
type Rewriter struct {
	// EnableMixedRulesets controls whether mixedcontent-platform rulesets
	// ingested by subsequent updates default to active. Set it before
	// loading any corpus.
	EnableMixedRulesets bool

	// MaxDecompressedSize bounds how far a bundle may inflate before it is
	// rejected as a decompression bomb.
	MaxDecompressedSize int64

	settings *Settings

	current   atomic.Pointer[snapshot]
	installMu sync.Mutex

	rewriteCount atomic.Int64

	statsMu sync.Mutex
	stats   rewriteStats
}

type rewriteStats struct {
	runs      int64
	totalTime int64
	max       int64
	maxURL    string
}

// New returns a Rewriter with an empty corpus, reading its flags from
// storage. Load rules with AddAllFromJSONString or ApplyBundle.
func New(storage Storage) *Rewriter {
	r := &Rewriter{
		EnableMixedRulesets: true,
		MaxDecompressedSize: DefaultMaxDecompressedSize,
		settings:            NewSettings(storage),
	}
	empty, err := newSnapshot(nil)
	if err != nil {
		// Cannot happen for an empty corpus.
		panic(err)
	}
	r.current.Store(empty)
	return r
}

// Settings exposes the flags facade consulted by this Rewriter.
func (r *Rewriter) Settings() *Settings {
	return r.settings
}

// NumRulesets returns the size of the currently installed corpus, mainly
// for diagnostics.
func (r *Rewriter) NumRulesets() int {
	return r.current.Load().store.len()
}

// RewriteCount returns how many URLs this Rewriter has rewritten.
func (r *Rewriter) RewriteCount() int64 {
	return r.rewriteCount.Load()
}

// RewriteURL decides whether and how to rewrite rawurl to a secure
// equivalent. A malformed rawurl yields an error and no rewrite; it never
// panics and never produces an invalid URL. The decision is a pure
// function of the URL and the currently installed snapshot.
func (r *Rewriter) RewriteURL(rawurl string) (RewriteResult, error) {
	noop := RewriteResult{Action: ActionNoOp}

	if !r.settings.GlobalEnabledOr(true) {
		return noop, nil
	}

	u, err := url.Parse(rawurl)
	if err != nil {
		return noop, fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return noop, nil
	}
	// Rule patterns assume a lower-case host in the full URL.
	u.Host = strings.ToLower(u.Host)
	host := normalizeHost(u.Hostname())
	if host == "" {
		return noop, nil
	}

	ease := r.settings.EaseModeEnabledOr(false)
	shouldCancel := ease && u.Scheme == "http" && !easeExempt(host)

	// Credentials never participate in matching; they are reattached to
	// whatever URL comes out the other end.
	userinfo := u.User
	u.User = nil
	full := u.String()

	start := mtime.Now()
	snap := r.current.Load()

	var rewritten string
	matched := false
	for _, rs := range snap.rulesetsFor(host) {
		if !r.rulesetActive(rs) || !rs.inScope(full) {
			continue
		}
		if out, ok := rs.apply(full); ok {
			rewritten, matched = out, true
			break
		}
	}
	r.addTiming(mtime.Now().Sub(start), full)

	if !matched {
		if shouldCancel {
			return RewriteResult{Action: ActionCancel}, nil
		}
		return noop, nil
	}

	newURL, err := url.Parse(rewritten)
	if err != nil {
		return noop, fmt.Errorf("rule produced invalid url %q: %w", rewritten, err)
	}
	if ease && (newURL.Scheme == "http" || newURL.Scheme == "ftp") {
		// In EASE mode a rewrite that still lands on an insecure scheme is
		// as bad as no rewrite at all.
		return RewriteResult{Action: ActionCancel}, nil
	}
	newURL.User = userinfo

	r.rewriteCount.Add(1)
	return RewriteResult{Action: ActionRewrite, URL: newURL.String()}, nil
}

// PotentiallyApplicable returns the rulesets whose targets can apply to
// host, in the index's deterministic order, without performing a rewrite.
// It shares the rewrite path's snapshot and cache.
func (r *Rewriter) PotentiallyApplicable(host string) []*Ruleset {
	host = normalizeHost(host)
	if host == "" {
		return nil
	}
	return r.current.Load().rulesetsFor(host)
}

// SimpleRulesEndingWith returns rules whose literal replacement ends with
// suffix. Diagnostic only, not the hot path.
func (r *Rewriter) SimpleRulesEndingWith(suffix string) []*Rule {
	return r.current.Load().simple.endingWith(suffix)
}

// ShouldSecureCookie reports whether the host application must force the
// named cookie secure: some active ruleset's cookie rule matches it, and
// the domain would actually be upgraded to HTTPS (so securing the cookie
// cannot break a plain-http site).
func (r *Rewriter) ShouldSecureCookie(domain, name string) bool {
	domain = strings.TrimLeft(domain, ".")

	snap := r.current.Load()
	safe, cached := snap.cookieSafety.Get(domain)
	if cached && !safe {
		return false
	}

	applicable := snap.rulesetsFor(domain)
	for _, rs := range applicable {
		if !r.rulesetActive(rs) {
			continue
		}
		for _, cr := range rs.CookieRules {
			if cr.matches(domain, name) {
				return safe || r.safeToSecureCookie(snap, domain, applicable)
			}
		}
	}
	return false
}

// safeToSecureCookie probes whether a made-up URL on the domain would be
// rewritten, caching the verdict on the snapshot.
func (r *Rewriter) safeToSecureCookie(snap *snapshot, domain string, applicable []*Ruleset) bool {
	testURL := "http://" + domain + "/is_it_safe/to_secure_this_cookie"
	for _, rs := range applicable {
		if !r.rulesetActive(rs) {
			continue
		}
		if _, ok := rs.apply(testURL); ok {
			snap.cookieSafety.Add(domain, true)
			return true
		}
	}
	snap.cookieSafety.Add(domain, false)
	return false
}

// rulesetActive resolves a ruleset's active state: a per-ruleset Settings
// override wins, otherwise the state computed at ingestion.
func (r *Rewriter) rulesetActive(rs *Ruleset) bool {
	if active, ok := r.settings.RulesetActive(rs.Name); ok {
		return active
	}
	return rs.DefaultState
}

// install makes snap the current snapshot. Callers hold installMu.
func (r *Rewriter) install(snap *snapshot) {
	r.current.Store(snap)
}

func (r *Rewriter) addTiming(dur time.Duration, url string) {
	ms := dur.Nanoseconds() / int64(time.Millisecond)
	r.statsMu.Lock()
	r.stats.runs++
	r.stats.totalTime += ms
	if ms > r.stats.max {
		r.stats.max = ms
		r.stats.maxURL = url
		log.Debugf("New max running time: %vms for %v", ms, url)
	}
	r.statsMu.Unlock()
}

// normalizeHost lower-cases host and strips any trailing dot. Ports are
// already gone by the time this is called.
func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// easeExempt reports hosts EASE mode never cancels: loopback and onion
// addresses that plain HTTP is legitimate for.
func easeExempt(host string) bool {
	return host == "localhost" ||
		host == "0.0.0.0" ||
		host == "::1" ||
		strings.HasSuffix(host, ".onion") ||
		numLocalhost.MatchString(host)
}
