package financing

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can map it to a transport status
// without matching individual sentinels.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation covers malformed or out-of-range input.
	KindValidation
	// KindStateConflict covers requests that contradict current ledger state.
	KindStateConflict
	// KindAuthorization covers signature and role failures.
	KindAuthorization
	// KindTransferFailure covers failed value movements.
	KindTransferFailure
	// KindReentrancy covers re-entered protected operations.
	KindReentrancy
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStateConflict:
		return "state_conflict"
	case KindAuthorization:
		return "authorization"
	case KindTransferFailure:
		return "transfer_failure"
	case KindReentrancy:
		return "reentrancy_blocked"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidAmount   = errors.New("financing: amount must be positive")
	ErrInvalidTerms    = errors.New("financing: repayment amount must exceed payout amount")
	ErrInvalidDueDate  = errors.New("financing: due date must be in the future")
	ErrInvalidIdentity = errors.New("financing: identity must not be empty")
	ErrFeeRateTooHigh  = errors.New("financing: protocol fee rate exceeds cap")

	ErrInvoiceAlreadyFinanced = errors.New("financing: invoice already financed")
	ErrInvoiceNotFinanced     = errors.New("financing: invoice not financed")
	ErrAlreadyRepaid          = errors.New("financing: invoice already repaid")
	ErrInsufficientBalance    = errors.New("financing: insufficient LP balance")
	ErrInsufficientLiquidity  = errors.New("financing: insufficient liquidity")
	ErrInsufficientRepayment  = errors.New("financing: insufficient repayment")
	ErrPaused                 = errors.New("financing: ledger paused")
	ErrAlreadyInitialized     = errors.New("financing: ledger already initialised")
	ErrNotInitialized         = errors.New("financing: ledger not initialised")
	ErrLastAdmin              = errors.New("financing: cannot revoke the last admin")

	ErrInvalidSignature = errors.New("financing: invalid signature")
	ErrSignatureExpired = errors.New("financing: signature expired")
	ErrUnauthorized     = errors.New("financing: unauthorized")

	ErrTransferFailed   = errors.New("financing: transfer failed")
	ErrCollectionFailed = errors.New("financing: inbound transfer failed")

	ErrReentrancyBlocked = errors.New("financing: reentrant call blocked")
)

var sentinelKinds = map[error]Kind{
	ErrInvalidAmount:   KindValidation,
	ErrInvalidTerms:    KindValidation,
	ErrInvalidDueDate:  KindValidation,
	ErrInvalidIdentity: KindValidation,
	ErrFeeRateTooHigh:  KindValidation,

	ErrInvoiceAlreadyFinanced: KindStateConflict,
	ErrInvoiceNotFinanced:     KindStateConflict,
	ErrAlreadyRepaid:          KindStateConflict,
	ErrInsufficientBalance:    KindStateConflict,
	ErrInsufficientLiquidity:  KindStateConflict,
	ErrInsufficientRepayment:  KindStateConflict,
	ErrPaused:                 KindStateConflict,
	ErrAlreadyInitialized:     KindStateConflict,
	ErrNotInitialized:         KindStateConflict,
	ErrLastAdmin:              KindStateConflict,

	ErrInvalidSignature: KindAuthorization,
	ErrSignatureExpired: KindAuthorization,
	ErrUnauthorized:     KindAuthorization,

	ErrTransferFailed:   KindTransferFailure,
	ErrCollectionFailed: KindTransferFailure,

	ErrReentrancyBlocked: KindReentrancy,
}

// Error attaches the offending field and an optional cause to a sentinel.
type Error struct {
	Kind  Kind
	Field string
	Err   error
	Cause error
}

func (e *Error) Error() string {
	msg := e.Err.Error()
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field %s)", msg, e.Field)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func newError(sentinel error, field string) *Error {
	return &Error{Kind: sentinelKinds[sentinel], Field: field, Err: sentinel}
}

func wrapError(sentinel error, field string, cause error) *Error {
	e := newError(sentinel, field)
	e.Cause = cause
	return e
}

// KindOf reports the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for sentinel, kind := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// FieldOf returns the offending field attached to err, if any.
func FieldOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Field
	}
	return ""
}
