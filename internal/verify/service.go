// Package verify re-checks a claimed chain payment against settled chain
// state, independently of whatever the client already credited itself.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/arcanalabs/credits/pkg/solrpc"
	"go.uber.org/zap"
)

// TransactionFetcher is the RPC surface the service needs.
type TransactionFetcher interface {
	GetTransaction(ctx context.Context, signature string) (*solrpc.TransactionResult, error)
}

// Input names the claim under verification: this signature paid at least
// this many lamports to this recipient.
type Input struct {
	Signature               string
	ExpectedRecipient       string
	ExpectedMinimumLamports uint64
}

// Service verifies claimed payments.
type Service struct {
	chain  TransactionFetcher
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(chain TransactionFetcher, logger *zap.Logger) (*Service, error) {
	if chain == nil {
		return nil, fmt.Errorf("chain dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{chain: chain, logger: logger}, nil
}

// VerifyPayment fetches the transaction at confirmed commitment and checks
// that it executed cleanly and moved at least the expected amount to the
// expected recipient. A rate-limited node propagates as an error so the
// caller can retry — "couldn't check yet" is not "invalid". Any other fetch
// failure verifies false (fails closed, no retry here).
func (service *Service) VerifyPayment(ctx context.Context, input Input) (bool, error) {
	transaction, err := service.chain.GetTransaction(ctx, input.Signature)
	if err != nil {
		if errors.Is(err, solrpc.ErrRateLimited) {
			return false, err
		}
		service.logger.Warn("transaction fetch failed, verifying false",
			zap.String("signature", input.Signature),
			zap.Error(err),
		)
		return false, nil
	}
	if transaction == nil {
		service.logger.Info("transaction not found", zap.String("signature", input.Signature))
		return false, nil
	}
	if transaction.Meta == nil || transaction.Meta.Failed() {
		service.logger.Info("transaction executed with error",
			zap.String("signature", input.Signature),
		)
		return false, nil
	}

	recipientIndex := -1
	for index, key := range transaction.AccountKeys() {
		if key == input.ExpectedRecipient {
			recipientIndex = index
			break
		}
	}
	if recipientIndex < 0 {
		service.logger.Info("expected recipient absent from transaction",
			zap.String("signature", input.Signature),
			zap.String("recipient", input.ExpectedRecipient),
		)
		return false, nil
	}
	if recipientIndex >= len(transaction.Meta.PreBalances) || recipientIndex >= len(transaction.Meta.PostBalances) {
		service.logger.Warn("balance arrays shorter than account list",
			zap.String("signature", input.Signature),
			zap.Int("recipient_index", recipientIndex),
		)
		return false, nil
	}

	received := int64(transaction.Meta.PostBalances[recipientIndex]) - int64(transaction.Meta.PreBalances[recipientIndex])
	if received < int64(input.ExpectedMinimumLamports) {
		service.logger.Info("transferred amount below expected minimum",
			zap.String("signature", input.Signature),
			zap.Int64("received", received),
			zap.Uint64("expected_minimum", input.ExpectedMinimumLamports),
		)
		return false, nil
	}
	return true, nil
}
