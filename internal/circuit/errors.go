package circuit

import "fmt"

// ErrKind classifies a SplinterError the way spec.md §7 enumerates error
// kinds, so callers (admin service, CLI-adjacent tooling) can branch on
// category without string matching.
type ErrKind string

const (
	ErrInvalidPayload      ErrKind = "InvalidPayload"
	ErrInvalidState        ErrKind = "InvalidState"
	ErrUnauthorized        ErrKind = "Unauthorized"
	ErrConstraintViolation ErrKind = "ConstraintViolation"
	ErrProtocolMismatch    ErrKind = "ProtocolMismatch"
	ErrConsensusTimeout    ErrKind = "ConsensusTimeout"
	ErrInternal            ErrKind = "Internal"
)

// SplinterError is the typed, synchronous error returned to a payload
// submitter. ConstraintViolation is mapped to InvalidState at construction,
// per spec.md §7, so callers never need to special-case it separately.
type SplinterError struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *SplinterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *SplinterError) Unwrap() error { return e.Err }

func newErr(kind ErrKind, format string, args ...any) *SplinterError {
	return &SplinterError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NewInvalidPayload(format string, args ...any) *SplinterError {
	return newErr(ErrInvalidPayload, format, args...)
}

func NewInvalidState(format string, args ...any) *SplinterError {
	return newErr(ErrInvalidState, format, args...)
}

func NewUnauthorized(format string, args ...any) *SplinterError {
	return newErr(ErrUnauthorized, format, args...)
}

// NewConstraintViolation always surfaces as InvalidState to callers, per
// spec.md §7: "ConstraintViolation: store-level uniqueness conflict (rare
// race). Mapped to InvalidState."
func NewConstraintViolation(format string, args ...any) *SplinterError {
	e := newErr(ErrInvalidState, format, args...)
	return e
}

func NewProtocolMismatch(format string, args ...any) *SplinterError {
	return newErr(ErrProtocolMismatch, format, args...)
}

func NewConsensusTimeout(format string, args ...any) *SplinterError {
	return newErr(ErrConsensusTimeout, format, args...)
}

func WrapInternal(err error, format string, args ...any) *SplinterError {
	return &SplinterError{Kind: ErrInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err is a *SplinterError of the given kind.
func IsKind(err error, kind ErrKind) bool {
	se, ok := err.(*SplinterError)
	return ok && se.Kind == kind
}
