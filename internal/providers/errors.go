package providers

import "errors"

var (
	// ErrProviderTimeout means the provider did not answer within the
	// configured deadline.
	ErrProviderTimeout = errors.New("provider timeout")

	// ErrProviderFailure means the provider answered with an error or a
	// malformed response.
	ErrProviderFailure = errors.New("provider failure")
)
