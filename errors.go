package hodl

import (
	"errors"
	"fmt"
)

// Reason is a machine-checkable error code. It is what the user interfaces
// report next to the human readable message.
type Reason string

const (
	UnrecognizedFormat  Reason = "unrecognized_format"
	RecordParseError    Reason = "record_parse_error"
	UnsupportedCurrency Reason = "unsupported_currency"
	RateUnavailable     Reason = "rate_unavailable"
	CredentialInvalid   Reason = "credential_invalid"
	CredentialCorrupted Reason = "credential_corrupted"
	NetworkFailure      Reason = "network_failure"
	MergeConflict       Reason = "merge_conflict"
	LedgerWrite         Reason = "ledger_write"
	NotConfigured       Reason = "not_configured"
	UnknownExchange     Reason = "unknown_exchange"
	Internal            Reason = "internal"
)

// Sentinels to be used with errors.Is. Any *Error with the same Reason matches.
var (
	ErrUnrecognizedFormat  = &Error{Reason: UnrecognizedFormat}
	ErrRecordParse         = &Error{Reason: RecordParseError}
	ErrUnsupportedCurrency = &Error{Reason: UnsupportedCurrency}
	ErrRateUnavailable     = &Error{Reason: RateUnavailable}
	ErrCredentialInvalid   = &Error{Reason: CredentialInvalid}
	ErrCredentialCorrupted = &Error{Reason: CredentialCorrupted}
	ErrNetworkFailure      = &Error{Reason: NetworkFailure}
	ErrMergeConflict       = &Error{Reason: MergeConflict}
	ErrLedgerWrite         = &Error{Reason: LedgerWrite}
	ErrNotConfigured       = &Error{Reason: NotConfigured}
	ErrUnknownExchange     = &Error{Reason: UnknownExchange}
)

// Error is an error carrying a Reason.
type Error struct {
	Reason  Reason
	Message string
	Err     error // optional cause
}

// Errorf returns a new *Error with a formatted message.
// As with fmt.Errorf, a %w verb in format sets the cause.
func Errorf(reason Reason, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Reason: reason, Message: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// ReasonOf returns the reason of the first *Error in err's chain, or Internal.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return Internal
}
