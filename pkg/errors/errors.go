// Package errors provides the policy engine's error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Configuration errors. Surfaced immediately, never retried; they need an
// admin to fix the configuration.
var (
	ErrRateNotConfigured     = errors.New("exchange rate not configured")
	ErrRateInactive          = errors.New("exchange rate inactive")
	ErrFeeConfigMissing      = errors.New("fee config missing")
	ErrInvalidRateParameters = errors.New("invalid rate parameters")
	ErrLimitNotConfigured    = errors.New("transfer limit not configured")
	ErrInvalidFeeConfig      = errors.New("invalid fee config")
	ErrInvalidLimitConfig    = errors.New("invalid transfer limit config")
	ErrInvalidPermission     = errors.New("invalid exchange permission")
	ErrInvalidCardProgram    = errors.New("invalid card program")
	ErrInvalidAccount        = errors.New("invalid account")
)

// Policy violations. Expected, user-facing outcomes.
var (
	ErrLimitExceeded        = errors.New("limit exceeded")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrAmountOutOfRange     = errors.New("amount out of range")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrKYCLevelInsufficient = errors.New("kyc level insufficient")
	ErrBNPLNotAvailable     = errors.New("buy now pay later not available")
	ErrCurrencyMismatch     = errors.New("currency mismatch")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrInvalidRequest       = errors.New("invalid request")
)

// Consistency failures.
var (
	ErrReleaseFailed = errors.New("reservation release failed")
)

// Lookup and state errors.
var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrCardNotFound          = errors.New("card not found")
	ErrCardProgramNotFound   = errors.New("card program not found")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrAuthorizationNotFound = errors.New("card authorization not found")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrReservationClosed     = errors.New("reservation already committed")
	ErrDuplicateReference    = errors.New("reference already exists")
	ErrRequestInProgress     = errors.New("request with this reference is in progress")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrDuplicateRequest      = errors.New("duplicate request")
)

// Kind groups errors by how a caller is expected to react.
type Kind string

const (
	KindUnknown       Kind = "unknown"
	KindConfiguration Kind = "configuration"
	KindPolicy        Kind = "policy"
	KindConsistency   Kind = "consistency"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
)

type entry struct {
	err  error
	code string
	kind Kind
}

// registry is searched in order; consistency failures come first so a stuck
// reservation joined to its cause is reported as the stuck reservation.
var registry = []entry{
	{ErrReleaseFailed, "RELEASE_FAILED", KindConsistency},

	{ErrRateNotConfigured, "RATE_NOT_CONFIGURED", KindConfiguration},
	{ErrRateInactive, "RATE_INACTIVE", KindConfiguration},
	{ErrFeeConfigMissing, "FEE_CONFIG_MISSING", KindConfiguration},
	{ErrInvalidRateParameters, "INVALID_RATE_PARAMETERS", KindConfiguration},
	{ErrLimitNotConfigured, "LIMIT_NOT_CONFIGURED", KindConfiguration},
	{ErrInvalidFeeConfig, "INVALID_FEE_CONFIG", KindConfiguration},
	{ErrInvalidLimitConfig, "INVALID_LIMIT_CONFIG", KindConfiguration},
	{ErrInvalidPermission, "INVALID_PERMISSION", KindConfiguration},
	{ErrInvalidCardProgram, "INVALID_CARD_PROGRAM", KindConfiguration},
	{ErrInvalidAccount, "INVALID_ACCOUNT", KindConfiguration},

	{ErrLimitExceeded, "LIMIT_EXCEEDED", KindPolicy},
	{ErrPermissionDenied, "PERMISSION_DENIED", KindPolicy},
	{ErrAmountOutOfRange, "AMOUNT_OUT_OF_RANGE", KindPolicy},
	{ErrInsufficientFunds, "INSUFFICIENT_FUNDS", KindPolicy},
	{ErrKYCLevelInsufficient, "KYC_LEVEL_INSUFFICIENT", KindPolicy},
	{ErrBNPLNotAvailable, "BNPL_NOT_AVAILABLE", KindPolicy},
	{ErrCurrencyMismatch, "CURRENCY_MISMATCH", KindPolicy},
	{ErrInvalidAmount, "INVALID_AMOUNT", KindPolicy},
	{ErrInvalidRequest, "INVALID_REQUEST", KindPolicy},

	{ErrAccountNotFound, "ACCOUNT_NOT_FOUND", KindNotFound},
	{ErrCardNotFound, "CARD_NOT_FOUND", KindNotFound},
	{ErrCardProgramNotFound, "CARD_PROGRAM_NOT_FOUND", KindNotFound},
	{ErrTransactionNotFound, "TRANSACTION_NOT_FOUND", KindNotFound},
	{ErrAuthorizationNotFound, "AUTHORIZATION_NOT_FOUND", KindNotFound},
	{ErrReservationNotFound, "RESERVATION_NOT_FOUND", KindNotFound},

	{ErrReservationClosed, "RESERVATION_CLOSED", KindConflict},
	{ErrDuplicateReference, "DUPLICATE_REFERENCE", KindConflict},
	{ErrRequestInProgress, "REQUEST_IN_PROGRESS", KindConflict},
	{ErrInvalidTransition, "INVALID_TRANSITION", KindConflict},
	{ErrDuplicateRequest, "DUPLICATE_REQUEST", KindConflict},
}

// Classify reports the kind of the first registered error found in err's chain.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, e := range registry {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return KindUnknown
}

// Code returns a stable code for err, or "INTERNAL" when it is not registered.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range registry {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "INTERNAL"
}

// FromCode maps a stored code back to its sentinel error.
func FromCode(code string) error {
	for _, e := range registry {
		if e.code == code {
			return e.err
		}
	}
	return fmt.Errorf("operation failed (%s)", code)
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Join returns an error that matches every non-nil err in errs.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
