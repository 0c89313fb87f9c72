// Package dnserr defines the error-kind taxonomy shared by the query
// handler, resolver, policy engine and store client. Every error that can
// reach the request boundary carries one of these kinds so the handler can
// decide a response code without string-matching error text.
package dnserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for response-code mapping at the handler
// boundary (see pkg/query).
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package.
	KindUnknown Kind = iota
	// KindProtocolViolation covers malformed opcode/message-type/question
	// sections. Maps to REFUSED.
	KindProtocolViolation
	// KindInvalidRule covers a policy-engine rule that could not be
	// evaluated (malformed store data). Maps to SERVFAIL.
	KindInvalidRule
	// KindUpstreamRefused means the upstream resolver returned REFUSED.
	KindUpstreamRefused
	// KindUpstreamNotImplemented means the upstream returned NOTIMP.
	KindUpstreamNotImplemented
	// KindUpstreamFatal covers a transport-level failure talking to every
	// configured upstream. Maps to SERVFAIL.
	KindUpstreamFatal
	// KindStoreError covers a failure reaching or parsing store output.
	// Maps to SERVFAIL.
	KindStoreError
	// KindBindFailure covers a bind manager socket failure. Never reaches
	// the request boundary; used for bootstrap/operational logging.
	KindBindFailure
	// KindConfigMissing covers a missing required config value. Fatal at
	// bootstrap, exit code 78.
	KindConfigMissing
	// KindConfigMalformed covers a config file that failed to parse or
	// validate. Fatal at bootstrap, exit code 78.
	KindConfigMalformed
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "protocol_violation"
	case KindInvalidRule:
		return "invalid_rule"
	case KindUpstreamRefused:
		return "upstream_refused"
	case KindUpstreamNotImplemented:
		return "upstream_not_implemented"
	case KindUpstreamFatal:
		return "upstream_fatal"
	case KindStoreError:
		return "store_error"
	case KindBindFailure:
		return "bind_failure"
	case KindConfigMissing:
		return "config_missing"
	case KindConfigMalformed:
		return "config_malformed"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on it
// with errors.As instead of matching message text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a *Error wrapping cause under kind. Returns nil if cause is
// nil, so callers can write `return dnserr.Wrap(KindStoreError, "read", err)`
// unconditionally in a defer-style helper without a nil check at call sites
// that already guard on err != nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, otherwise returns KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
