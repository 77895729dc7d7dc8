package core

import "errors"

var (
	// ErrOrderNotFound indicates the order is not tracked locally or does not
	// exist on the venue.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the venue rejected the order.
	ErrOrderRejected = errors.New("order rejected")
	// ErrInsufficientBalance indicates the venue rejected the action due to
	// insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAuthentication indicates the venue rejected the request signature or
	// nonce. Fatal to the specific call, not to the process.
	ErrAuthentication = errors.New("authentication rejected")
	// ErrSigningKeyMissing indicates no wallet private key is configured, so
	// order mutation calls cannot be signed.
	ErrSigningKeyMissing = errors.New("wallet signing key not configured")
)
