package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrInvariant marks corruption or programmer error. The apply path that
	// observes it must halt instead of retrying.
	ErrInvariant = stderrors.New("state: invariant violation")
	// ErrNotInDomain is returned when an overlay is asked for an address it
	// was not constructed with.
	ErrNotInDomain = fmt.Errorf("%w: address outside container domain", ErrInvariant)
	// ErrReadOnly is returned when committing a validation-only container.
	ErrReadOnly = stderrors.New("state: container is validation-only")
	// ErrAlreadyCommitted is returned on a second Commit.
	ErrAlreadyCommitted = stderrors.New("state: container already committed")
	// ErrDuplicateReference is returned when an index key already holds the value.
	ErrDuplicateReference = stderrors.New("index: duplicate reference")
	// ErrHalted is returned by a writer that previously hit an invariant violation.
	ErrHalted = stderrors.New("chain: writer halted after invariant violation")
)

// Code classifies a validation failure.
type Code string

const (
	CodeMalformed           Code = "malformed"
	CodeBadSignature        Code = "bad_signature"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeNonceMismatch       Code = "nonce_mismatch"
	CodeOTSReused           Code = "ots_reused"
	CodeSlavePermission     Code = "slave_permission"
	CodeBadToken            Code = "bad_token"
	CodeBadBlock            Code = "bad_block"
	CodeUnknownParent       Code = "unknown_parent"
)

// ValidationError rejects a single transaction or block. State is untouched
// because the owning container is discarded.
type ValidationError struct {
	Code   Code
	Reason string
	TxHash []byte
}

func (e *ValidationError) Error() string {
	if len(e.TxHash) > 0 {
		return fmt.Sprintf("validation: %s: %s (tx %x)", e.Code, e.Reason, e.TxHash)
	}
	return fmt.Sprintf("validation: %s: %s", e.Code, e.Reason)
}

// Validation builds a ValidationError with a formatted reason.
func Validation(code Code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// WithTx attaches the offending transaction hash.
func (e *ValidationError) WithTx(hash []byte) *ValidationError {
	e.TxHash = append([]byte(nil), hash...)
	return e
}

// Invariant wraps ErrInvariant with a formatted description.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// AsValidation extracts a ValidationError from err.
func AsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	if stderrors.As(err, &v) {
		return v, true
	}
	return nil, false
}

func IsValidation(err error) bool {
	_, ok := AsValidation(err)
	return ok
}

func IsInvariant(err error) bool {
	return stderrors.Is(err, ErrInvariant)
}
