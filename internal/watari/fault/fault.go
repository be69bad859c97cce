// Package fault classifies errors into the small set of kinds the bridge
// reacts to. Handling policy lives with the kind, not the call site: transient
// kinds are retried, auth expiry triggers a single re-login, NotFound rebuilds
// stale local state once, and Fatal halts the owning subsystem.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a coarse error category with an attached handling policy.
type Kind int

const (
	// KindUnknown is an unclassified error; treated as non-retryable.
	KindUnknown Kind = iota
	// KindTransientNetwork covers timeouts, resets and 5xx responses.
	KindTransientNetwork
	// KindRateLimited covers 429 / M_LIMIT_EXCEEDED responses.
	KindRateLimited
	// KindAuthExpired covers 401 / M_UNKNOWN_TOKEN responses.
	KindAuthExpired
	// KindNotFound covers vanished rooms and conversations.
	KindNotFound
	// KindConflict covers idempotent collisions (user exists, name taken).
	KindConflict
	// KindMalformedInput covers undecodable events and payloads.
	KindMalformedInput
	// KindFatal covers data-integrity violations. The affected subsystem
	// halts; no automatic repair is attempted.
	KindFatal
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthExpired:
		return "auth_expired"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindMalformedInput:
		return "malformed_input"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Retryable reports whether errors of this kind are worth retrying with
// backoff. AuthExpired is handled by re-login, not blind retry, so it is
// excluded here.
func Retryable(k Kind) bool {
	return k == KindTransientNetwork || k == KindRateLimited
}

// IsFatal reports whether err must halt the owning subsystem.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

// maxUserMessageLen bounds every room-visible failure message.
const maxUserMessageLen = 200

// UserMessage renders a one-line, bounded, secret-free message suitable for
// posting into a Matrix room. subsystem names the failing collaborator
// ("agent service", "Matrix"); detail is an optional pre-sanitised hint.
// Internal error text is never included.
func UserMessage(err error, subsystem, detail string) string {
	var msg string
	switch KindOf(err) {
	case KindRateLimited:
		msg = subsystem + " rate-limited, retrying"
	case KindTransientNetwork:
		msg = subsystem + " temporarily unreachable"
	case KindAuthExpired:
		msg = subsystem + " rejected the bridge credentials"
	case KindNotFound:
		msg = subsystem + " no longer knows this conversation"
	case KindMalformedInput:
		msg = subsystem + " sent a response the bridge could not decode"
	case KindFatal:
		msg = subsystem + " hit a data-integrity problem; operator attention required"
	default:
		msg = subsystem + " request failed"
	}
	if detail != "" {
		msg += " (" + detail + ")"
	}
	if len(msg) > maxUserMessageLen {
		msg = msg[:maxUserMessageLen-1] + "…"
	}
	return msg
}
