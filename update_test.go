package httpse

import (
	"bytes"
	"compress/gzip"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundleOne = `[
	{"name": "One", "target": ["one.example"], "rule": [{"from": "^http:", "to": "https:"}]},
	{"name": "Two", "target": ["two.example"], "rule": [{"from": "^http:", "to": "https:"}]}
]`

const bundleTwo = `[
	{"name": "Three", "target": ["three.example"], "rule": [{"from": "^http:", "to": "https:"}]}
]`

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func testChannel(key *rsa.PrivateKey) *UpdateChannel {
	return &UpdateChannel{Name: "test-channel", Key: &key.PublicKey}
}

// signBundle gzips plaintext and signs the compressed payload the way the
// release pipeline does: RSA-PSS over its SHA-256 digest.
func signBundle(t *testing.T, key *rsa.PrivateKey, plaintext string) (payload, signature []byte) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(plaintext))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	payload = buf.Bytes()

	digest := sha256.Sum256(payload)
	signature, err = rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256})
	require.NoError(t, err)
	return payload, signature
}

func assertRewrites(t *testing.T, r *Rewriter, from, to string) {
	t.Helper()
	res, err := r.RewriteURL(from)
	require.NoError(t, err)
	require.Equal(t, ActionRewrite, res.Action)
	assert.Equal(t, to, res.URL)
}

func assertNoOp(t *testing.T, r *Rewriter, rawurl string) {
	t.Helper()
	res, err := r.RewriteURL(rawurl)
	require.NoError(t, err)
	assert.Equal(t, ActionNoOp, res.Action)
}

func TestApplyBundle(t *testing.T) {
	key := testKey(t)
	r := New(NewMemStorage())

	payload, signature := signBundle(t, key, bundleOne)
	require.NoError(t, r.ApplyBundle(testChannel(key), payload, signature))

	assert.Equal(t, 2, r.NumRulesets())
	assertRewrites(t, r, "http://one.example/a", "https://one.example/a")
	assertRewrites(t, r, "http://two.example/b", "https://two.example/b")
}

func TestApplyBundleReplacesCorpus(t *testing.T) {
	key := testKey(t)
	r := New(NewMemStorage())

	payload, signature := signBundle(t, key, bundleOne)
	require.NoError(t, r.ApplyBundle(testChannel(key), payload, signature))

	payload, signature = signBundle(t, key, bundleTwo)
	require.NoError(t, r.ApplyBundle(testChannel(key), payload, signature))

	assert.Equal(t, 1, r.NumRulesets())
	assertRewrites(t, r, "http://three.example/", "https://three.example/")
	assertNoOp(t, r, "http://one.example/a")
}

func TestInvalidSignature(t *testing.T) {
	key := testKey(t)
	r := New(NewMemStorage())

	payload, signature := signBundle(t, key, bundleOne)
	require.NoError(t, r.ApplyBundle(testChannel(key), payload, signature))

	// A single flipped bit anywhere in the payload must be rejected
	// before the contents are ever inflated or parsed.
	tampered, tamperedSig := signBundle(t, key, bundleTwo)
	tampered[len(tampered)/2] ^= 0x01
	err := r.ApplyBundle(testChannel(key), tampered, tamperedSig)

	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, InvalidSignature, ue.Kind)

	// The first bundle's two rulesets keep serving, unchanged.
	assert.Equal(t, 2, r.NumRulesets())
	assertRewrites(t, r, "http://one.example/a", "https://one.example/a")
	assertNoOp(t, r, "http://three.example/")
}

func TestWrongKey(t *testing.T) {
	r := New(NewMemStorage())

	payload, signature := signBundle(t, testKey(t), bundleOne)
	err := r.ApplyBundle(testChannel(testKey(t)), payload, signature)

	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, InvalidSignature, ue.Kind)
	assert.Equal(t, 0, r.NumRulesets())
}

func TestCorruptPayload(t *testing.T) {
	key := testKey(t)
	r := New(NewMemStorage())

	// Correctly signed, but the payload is not gzip at all.
	payload := []byte("definitely not gzip")
	digest := sha256.Sum256(payload)
	signature, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256})
	require.NoError(t, err)

	err = r.ApplyBundle(testChannel(key), payload, signature)
	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, CorruptPayload, ue.Kind)
}

func TestDecompressionBomb(t *testing.T) {
	key := testKey(t)
	r := New(NewMemStorage())
	r.MaxDecompressedSize = 1024

	// Highly compressible payload well past the limit.
	payload, signature := signBundle(t, key, string(bytes.Repeat([]byte("0"), 1<<20)))
	err := r.ApplyBundle(testChannel(key), payload, signature)

	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, PayloadTooLarge, ue.Kind)
	assert.Equal(t, 0, r.NumRulesets())
}

func TestMalformedBundleKeepsOldSnapshot(t *testing.T) {
	key := testKey(t)
	r := New(NewMemStorage())

	payload, signature := signBundle(t, key, bundleOne)
	require.NoError(t, r.ApplyBundle(testChannel(key), payload, signature))

	// Record 2 of 2 is malformed; neither record becomes visible.
	payload, signature = signBundle(t, key, `[
		{"name": "Three", "target": ["three.example"], "rule": [{"from": "^http:", "to": "https:"}]},
		{"name": "Broken", "target": ["broken.example"], "rule": [{"from": "(((", "to": "https:"}]}
	]`)
	err := r.ApplyBundle(testChannel(key), payload, signature)

	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, MalformedRuleset, ue.Kind)

	assert.Equal(t, 2, r.NumRulesets())
	assertRewrites(t, r, "http://one.example/a", "https://one.example/a")
	assertNoOp(t, r, "http://three.example/")
}

func TestApplyBundleWithEnvelope(t *testing.T) {
	key := testKey(t)
	r := New(NewMemStorage())

	payload, signature := signBundle(t, key, `{
		"timestamp": 1600000000,
		"rulesets": [{"name": "One", "target": ["one.example"], "rule": [{"from": "^http:", "to": "https:"}]}]
	}`)
	require.NoError(t, r.ApplyBundle(testChannel(key), payload, signature))
	assertRewrites(t, r, "http://one.example/", "https://one.example/")
}

func TestChannelScope(t *testing.T) {
	key := testKey(t)
	keyPEM, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemText := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: keyPEM})

	uc, err := NewUpdateChannel("scoped", pemText, `^http://[^/]*\.example/`)
	require.NoError(t, err)

	r := New(NewMemStorage())
	payload, signature := signBundle(t, key, `[
		{"name": "Wide", "target": ["one.example", "one.test"], "rule": [{"from": "^http:", "to": "https:"}]}
	]`)
	require.NoError(t, r.ApplyBundle(uc, payload, signature))

	// Inside the channel scope.
	assertRewrites(t, r, "http://one.example/a", "https://one.example/a")
	// Outside it, the same ruleset does not apply.
	assertNoOp(t, r, "http://one.test/a")
}

func TestAddAllFromJSONString(t *testing.T) {
	r := New(NewMemStorage())
	require.NoError(t, r.AddAllFromJSONString(bundleOne))
	assert.Equal(t, 2, r.NumRulesets())

	// The trusted path adds to the installed corpus.
	require.NoError(t, r.AddAllFromJSONString(bundleTwo))
	assert.Equal(t, 3, r.NumRulesets())
	assertRewrites(t, r, "http://one.example/a", "https://one.example/a")
	assertRewrites(t, r, "http://three.example/", "https://three.example/")

	// And stays all-or-nothing.
	err := r.AddAllFromJSONString(`[{"name": "", "target": ["x.example"]}]`)
	require.Error(t, err)
	assert.Equal(t, 3, r.NumRulesets())
}

func TestClear(t *testing.T) {
	r := New(NewMemStorage())
	require.NoError(t, r.AddAllFromJSONString(bundleOne))
	r.Clear()
	assert.Equal(t, 0, r.NumRulesets())
	assertNoOp(t, r, "http://one.example/a")
}

func TestUpdateChannelsFromJSON(t *testing.T) {
	key := testKey(t)
	keyPEM, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: keyPEM}))

	channels, err := UpdateChannelsFromJSON([]byte(`[{
		"name": "EFF (Full)",
		"pem": ` + jsonString(pemText) + `,
		"update_path_prefix": "https://www.https-rulesets.org/v1",
		"scope": "",
		"replaces_default_rulesets": true
	}]`))
	require.NoError(t, err)
	require.Len(t, channels, 1)

	uc := channels[0]
	assert.Equal(t, "EFF (Full)", uc.Name)
	assert.Equal(t, "https://www.https-rulesets.org/v1", uc.UpdatePathPrefix)
	assert.True(t, uc.ReplacesDefaultRulesets)
	assert.Empty(t, uc.Scope())
	require.NotNil(t, uc.Key)
	assert.Equal(t, key.PublicKey.N, uc.Key.N)

	_, err = UpdateChannelsFromJSON([]byte(`[{"name": "no key"}]`))
	assert.Error(t, err)

	_, err = UpdateChannelsFromJSON([]byte(`[{"pem": "x"}]`))
	assert.Error(t, err)
}

// jsonString renders s as a JSON string literal, newlines and all.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
