package core

import "errors"

// Ingestion error taxonomy. Signature and payload errors are rejected at
// the webhook edge and never retried; provider errors are retryable and
// drive the dispatcher's backoff.
var (
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrMalformedPayload    = errors.New("malformed webhook payload")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrRateLimited         = errors.New("provider rate limited")
)

// Retryable reports whether an ingestion failure may succeed on a later
// attempt. Provider outages, rate limits and unclassified errors are
// retryable; a malformed payload or an inactive account can never heal
// on retry.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrInactiveAccount):
		return false
	}
	return true
}
