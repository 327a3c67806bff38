// Package wallet defines the contract between the payment flow and a wallet
// integration. Implementations bridge to a concrete wallet transport (mobile
// wallet adapter, browser extension); this package only fixes the shapes the
// flow depends on.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Session is an authorized wallet session: the payer identity and the token
// that lets the flow reauthorize without prompting again.
type Session struct {
	Account   string
	AuthToken string
}

// Wallet is the adapter the payment flow drives. SignAndSend receives the
// base64-encoded unsigned transaction — the only encoding wallet transports
// accept — and returns the raw signing response for normalization.
type Wallet interface {
	Authorize(ctx context.Context) (Session, error)
	Reauthorize(ctx context.Context, session Session) (Session, error)
	SignAndSend(ctx context.Context, session Session, base64Transaction string) (SignResponse, error)
}

// ErrorKind classifies wallet failures with stable codes, replacing
// text-sniffing in the layers above. Adapters that cannot produce a code may
// fall back to KindOf's heuristic at their own boundary.
type ErrorKind string

const (
	KindCancelled         ErrorKind = "cancelled"
	KindTimeout           ErrorKind = "timeout"
	KindAuthorization     ErrorKind = "authorization"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindUnknown           ErrorKind = "unknown"
)

// Error is a classified wallet failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

// Error returns the formatted error message.
func (walletError *Error) Error() string {
	return fmt.Sprintf("wallet %s: %s", walletError.Kind, walletError.Message)
}

// NewError builds a classified wallet error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf returns the structured kind when the adapter provided one, and
// otherwise falls back to matching the error text. The text match is known
// to be brittle across wallet implementations and locales; adapters should
// classify at the source whenever the transport allows it.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var walletError *Error
	if errors.As(err, &walletError) {
		return walletError.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "cancel") || strings.Contains(message, "reject") {
		return KindCancelled
	}
	if strings.Contains(message, "timed out") || strings.Contains(message, "timeout") {
		return KindTimeout
	}
	return KindUnknown
}
