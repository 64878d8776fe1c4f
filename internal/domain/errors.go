package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrParse marks a malformed or unrecognised webhook payload.
	ErrParse = errors.New("parse error")
	// ErrAuth marks credentials rejected by a provider.
	ErrAuth = errors.New("auth error")
	// ErrRefresh marks a refresh token the provider refused. It is an ErrAuth.
	ErrRefresh = fmt.Errorf("refresh rejected: %w", ErrAuth)
	// ErrTransientProvider marks timeouts, 5xx and rate limiting.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrNotFound marks a missing provider or vault resource.
	ErrNotFound = errors.New("not found")
	// ErrStorageWrite marks a blob write that did not complete.
	ErrStorageWrite = errors.New("storage write error")
	// ErrInsufficientFunds marks a signing account that cannot pay for gas.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrLedgerUnavailable marks a ledger that could not be reached or used.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrConnectionNotFound marks a webhook for an account nobody connected.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrEventNotClaimable marks an event already owned by another worker
	// or already terminal.
	ErrEventNotClaimable = errors.New("event not claimable")
	// ErrLeaseLost marks a claim another worker took over after it lapsed.
	ErrLeaseLost = errors.New("event lease lost")
	// ErrSignature marks a webhook whose signature did not verify.
	ErrSignature = errors.New("invalid webhook signature")
)

// ProviderError carries the outcome of a provider API call.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Kind       error
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status=%d", msg, e.StatusCode)
	}
	if e.Kind != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Kind)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	return e.Kind != nil && errors.Is(e.Kind, target)
}

// ErrorKind maps an error onto the name stored with a failed webhook event.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrParse):
		return "parse_error"
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrTransientProvider):
		return "transient_provider_error"
	case errors.Is(err, ErrStorageWrite):
		return "storage_write_error"
	case errors.Is(err, ErrConnectionNotFound):
		return "connection_not_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrLedgerUnavailable):
		return "ledger_unavailable"
	default:
		return "internal_error"
	}
}
