package oauth

import "errors"

var (
	// ErrProviderNotFound signals a provider missing from the catalog.
	ErrProviderNotFound = errors.New("oauth: provider not found")
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrInvalidState indicates the state is unknown, expired or already used.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrExchangeFailed indicates the provider rejected the authorization code.
	ErrExchangeFailed = errors.New("oauth: code exchange failed")
)
