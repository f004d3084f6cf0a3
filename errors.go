package httpse

import "fmt"

// UpdateErrorKind classifies why a bundle was rejected.
type UpdateErrorKind int

const (
	// InvalidSignature means the detached signature did not verify against
	// the channel key. The payload contents were never touched.
	InvalidSignature UpdateErrorKind = iota + 1

	// CorruptPayload means the verified payload failed to decompress.
	CorruptPayload

	// PayloadTooLarge means the payload decompressed past the configured
	// size limit and was abandoned before parsing.
	PayloadTooLarge

	// MalformedRuleset means a record in the bundle failed structural
	// validation. The whole bundle is rejected.
	MalformedRuleset

	// DuplicateRuleset means the bundle produced two rulesets with the
	// same id, a corpus-integrity violation.
	DuplicateRuleset
)

func (k UpdateErrorKind) String() string {
	switch k {
	case InvalidSignature:
		return "invalid signature"
	case CorruptPayload:
		return "corrupt payload"
	case PayloadTooLarge:
		return "payload too large"
	case MalformedRuleset:
		return "malformed ruleset"
	case DuplicateRuleset:
		return "duplicate ruleset"
	default:
		return fmt.Sprintf("update error %d", int(k))
	}
}

// An UpdateError reports why bundle ingestion failed. Whenever one is
// returned the previously installed snapshot remains current and serving.
type UpdateError struct {
	Kind   UpdateErrorKind
	Detail string
	Err    error
}

func (e *UpdateError) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

func updateError(kind UpdateErrorKind, err error, format string, args ...interface{}) *UpdateError {
	return &UpdateError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}
