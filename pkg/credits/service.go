package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UnboundedChecker reports allow-list membership for accounts treated as
// having infinite balance.
type UnboundedChecker interface {
	IsUnbounded(account AccountID) bool
}

// Service contains the ledger logic over a Store. Every mutation for an
// account runs under the guard and inside one storage transaction, so the
// balance counter and the appended entry always move together.
type Service struct {
	store     Store
	guard     *Guard
	nowFn     func() int64
	logger    OperationLogger
	unbounded UnboundedChecker
}

// NewService wires a Service. A Scope built with WithUnboundedAccounts
// satisfies UnboundedChecker; pass it via WithUnboundedChecker so
// allow-listed accounts bypass balance bookkeeping.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, guard: NewGuard(), nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the persisted counter for the account, or the unbounded
// sentinel for allow-listed accounts without reading storage.
func (service *Service) Balance(ctx context.Context, account AccountID) (Amount, error) {
	if service.isUnbounded(account) {
		return UnboundedAmount(), nil
	}
	raw, err := service.store.GetBalance(ctx, account.String())
	if err != nil {
		return Amount{}, err
	}
	return NewAmount(raw), nil
}

// Grant credits the account and appends a matching ledger entry. Reference
// carries the external id (purchase token or transaction signature); note is
// free text.
func (service *Service) Grant(ctx context.Context, account AccountID, delta PositiveAmount, source EntrySource, reference string, note string) (Amount, error) {
	newBalance, operationError := service.mutate(ctx, account, delta.Int64(), source, reference, note)
	service.logOperation(ctx, OperationLog{
		Operation:  operationGrant,
		AccountID:  account,
		Delta:      delta.Int64(),
		Source:     source,
		Reference:  reference,
		NewBalance: newBalance,
		Error:      operationError,
	})
	return newBalance, operationError
}

// Consume debits the account if the balance covers the cost. Allow-listed
// accounts return the unbounded sentinel with no mutation and no entry. An
// insufficient balance yields InsufficientCreditsError and leaves both the
// counter and the ledger untouched.
func (service *Service) Consume(ctx context.Context, account AccountID, cost PositiveAmount, operationID OperationID) (Amount, error) {
	if service.isUnbounded(account) {
		return UnboundedAmount(), nil
	}
	newBalance, operationError := service.mutate(ctx, account, -cost.Int64(), SourceConsumption, "", operationID.String())
	service.logOperation(ctx, OperationLog{
		Operation:  operationConsume,
		AccountID:  account,
		Delta:      -cost.Int64(),
		Source:     SourceConsumption,
		NewBalance: newBalance,
		Error:      operationError,
	})
	return newBalance, operationError
}

// RecentEntries returns up to limit retained entries, most recent first.
func (service *Service) RecentEntries(ctx context.Context, account AccountID, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, account.String(), limit)
}

// FullLedger returns all retained entries, most recent first.
func (service *Service) FullLedger(ctx context.Context, account AccountID) ([]Entry, error) {
	return service.store.ListEntries(ctx, account.String(), 0)
}

func (service *Service) mutate(ctx context.Context, account AccountID, delta int64, source EntrySource, reference string, note string) (Amount, error) {
	release, err := service.guard.Acquire(ctx, account.String())
	if err != nil {
		return Amount{}, err
	}
	defer release()

	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetBalance(ctx, account.String())
		if err != nil {
			return err
		}
		if delta < 0 && current < -delta {
			return InsufficientCreditsError{
				Requested:   -delta,
				Available:   current,
				OperationID: note,
			}
		}
		newBalance = current + delta
		if err := transactionStore.SetBalance(ctx, account.String(), newBalance); err != nil {
			return err
		}
		entry := Entry{
			EntryID:        uuid.NewString(),
			AccountKey:     account.String(),
			Source:         source,
			Delta:          delta,
			Reference:      reference,
			Note:           note,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return transactionStore.TrimEntries(ctx, account.String(), LedgerRetentionCap)
	})
	if operationError != nil {
		return Amount{}, operationError
	}
	return NewAmount(newBalance), nil
}

func (service *Service) isUnbounded(account AccountID) bool {
	return service.unbounded != nil && service.unbounded.IsUnbounded(account)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
