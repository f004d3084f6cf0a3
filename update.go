package httpse

import (
	"bytes"
	"compress/gzip"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"regexp"

	"github.com/getlantern/golog"
)

var updaterLog = golog.LoggerFor("httpse-updater")

// DefaultMaxDecompressedSize bounds how large a bundle may grow when
// inflated before it is rejected, so adversarial input cannot make the
// parser allocate without limit.
const DefaultMaxDecompressedSize = 128 << 20

// An UpdateChannel names a trusted signer of ruleset bundles. Its key is a
// deployment-time constant; rotation means shipping a new channel. Scope,
// when present, confines every ruleset delivered on the channel to URLs
// matching it.
type UpdateChannel struct {
	Name string

	// Key verifies bundle signatures: RSA-PSS over SHA-256 of the raw
	// compressed payload.
	Key *rsa.PublicKey

	// UpdatePathPrefix is where the host application's transport fetches
	// bundles from. Carried for the caller; never dereferenced here.
	UpdatePathPrefix string

	// ReplacesDefaultRulesets marks channels whose bundles supersede the
	// application-bundled corpus. Carried for the caller.
	ReplacesDefaultRulesets bool

	scope *regexp.Regexp
}

// Scope returns the channel's scope pattern, or the empty string when the
// channel is unscoped.
func (uc *UpdateChannel) Scope() string {
	if uc.scope == nil {
		return ""
	}
	return uc.scope.String()
}

// JSON layout an update channel is configured with.
type updateChannelRecord struct {
	Name                    string `json:"name"`
	PEM                     string `json:"pem"`
	UpdatePathPrefix        string `json:"update_path_prefix"`
	Scope                   string `json:"scope"`
	ReplacesDefaultRulesets bool   `json:"replaces_default_rulesets"`
}

// NewUpdateChannel builds a channel from a PEM-encoded RSA public key
// (PKIX or PKCS#1) and an optional scope regular expression.
func NewUpdateChannel(name string, pemKey []byte, scope string) (*UpdateChannel, error) {
	key, err := parsePublicKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("update channel %q: %w", name, err)
	}
	uc := &UpdateChannel{Name: name, Key: key}
	if scope != "" {
		uc.scope, err = regexp.Compile(scope)
		if err != nil {
			return nil, fmt.Errorf("update channel %q: compiling scope: %w", name, err)
		}
	}
	return uc, nil
}

// UpdateChannelsFromJSON decodes a JSON array of update channel records.
func UpdateChannelsFromJSON(data []byte) ([]*UpdateChannel, error) {
	var records []updateChannelRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding update channels: %w", err)
	}
	channels := make([]*UpdateChannel, 0, len(records))
	for _, rec := range records {
		if rec.Name == "" {
			return nil, fmt.Errorf("update channel with no name")
		}
		uc, err := NewUpdateChannel(rec.Name, []byte(rec.PEM), rec.Scope)
		if err != nil {
			return nil, err
		}
		uc.UpdatePathPrefix = rec.UpdatePathPrefix
		uc.ReplacesDefaultRulesets = rec.ReplacesDefaultRulesets
		channels = append(channels, uc)
	}
	return channels, nil
}

func parsePublicKey(pemKey []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", parsed)
	}
	return key, nil
}

// ApplyBundle verifies, decompresses, parses and installs a complete
// replacement corpus delivered on uc. Each step strictly gates the next:
// the payload's contents are never inflated or parsed before its signature
// verifies against the channel key. Any failure returns an *UpdateError
// and leaves the previously installed snapshot fully intact and serving;
// retry is the caller's decision. At most one install is in flight at a
// time, and readers are never blocked by one.
func (r *Rewriter) ApplyBundle(uc *UpdateChannel, payload, signature []byte) error {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	if err := verifySignature(uc.Key, payload, signature); err != nil {
		updaterLog.Errorf("%v: rejecting bundle: %v", uc.Name, err)
		return err
	}

	plaintext, err := decompress(payload, r.MaxDecompressedSize)
	if err != nil {
		updaterLog.Errorf("%v: rejecting bundle: %v", uc.Name, err)
		return err
	}

	rulesets, err := parseRulesets(plaintext, 0, uc.scope, r.EnableMixedRulesets)
	if err != nil {
		updaterLog.Errorf("%v: rejecting bundle: %v", uc.Name, err)
		return err
	}

	snap, err := newSnapshot(rulesets)
	if err != nil {
		updaterLog.Errorf("%v: rejecting bundle: %v", uc.Name, err)
		return err
	}

	r.install(snap)
	updaterLog.Debugf("%v: installed %d rulesets", uc.Name, len(rulesets))
	return nil
}

// AddAllFromJSONString ingests plaintext corpus JSON from a trusted
// source, such as the application-bundled default rulesets or a test. It
// skips signature verification and decompression but parses and builds
// exactly like ApplyBundle, adding the parsed rulesets to the installed
// corpus. All-or-nothing: a malformed record leaves the corpus untouched.
func (r *Rewriter) AddAllFromJSONString(text string) error {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	existing := r.current.Load().store.all()
	rulesets, err := parseRulesets([]byte(text), uint32(len(existing)), nil, r.EnableMixedRulesets)
	if err != nil {
		return err
	}

	combined := make([]*Ruleset, 0, len(existing)+len(rulesets))
	combined = append(combined, existing...)
	combined = append(combined, rulesets...)

	snap, err := newSnapshot(combined)
	if err != nil {
		return err
	}
	r.install(snap)
	return nil
}

// Clear atomically replaces the corpus with an empty one.
func (r *Rewriter) Clear() {
	r.installMu.Lock()
	defer r.installMu.Unlock()
	empty, err := newSnapshot(nil)
	if err != nil {
		panic(err)
	}
	r.install(empty)
}

// verifySignature checks an RSA-PSS SHA-256 signature over the raw
// compressed payload, before anything else looks at it.
func verifySignature(key *rsa.PublicKey, payload, signature []byte) error {
	if key == nil {
		return updateError(InvalidSignature, nil, "update channel has no key")
	}
	digest := sha256.Sum256(payload)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, opts); err != nil {
		return updateError(InvalidSignature, err, "")
	}
	return nil
}

// decompress inflates a verified gzip payload, giving up as soon as the
// output exceeds limit bytes.
func decompress(payload []byte, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxDecompressedSize
	}
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, updateError(CorruptPayload, err, "")
	}
	defer gz.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(gz, limit+1))
	if err != nil {
		return nil, updateError(CorruptPayload, err, "")
	}
	if n > limit {
		return nil, updateError(PayloadTooLarge, nil, "decompressed payload exceeds %d bytes", limit)
	}
	return buf.Bytes(), nil
}
