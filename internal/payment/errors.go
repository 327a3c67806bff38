package payment

import "errors"

// The closed error taxonomy surfaced to the caller. Cancelled and Timeout
// are soft, retry-inviting outcomes; the rest are hard failures of one
// attempt. Low-level wallet and RPC errors never escape unmapped.
var (
	ErrCancelled                = errors.New("payment cancelled")
	ErrTimeout                  = errors.New("payment timed out")
	ErrAuthorizationFailed      = errors.New("wallet authorization failed")
	ErrInsufficientChainBalance = errors.New("insufficient chain balance")
	ErrBroadcastOrConfirmFailed = errors.New("broadcast or confirmation failed")
	ErrInvalidPipelineConfig    = errors.New("invalid pipeline config")
)
