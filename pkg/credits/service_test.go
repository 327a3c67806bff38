package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// stubStore is an in-memory Store and ScopeStore. Individual operations are
// locked, but nothing serializes a read-modify-write sequence; that is the
// guard's job.
type stubStore struct {
	mu        sync.Mutex
	balances  map[string]int64
	entries   map[string][]Entry
	lastKnown string
	failWith  error
}

func newStubStore() *stubStore {
	return &stubStore{
		balances: make(map[string]int64),
		entries:  make(map[string][]Entry),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(_ context.Context, accountKey string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failWith != nil {
		return 0, store.failWith
	}
	return store.balances[accountKey], nil
}

func (store *stubStore) SetBalance(_ context.Context, accountKey string, balance int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failWith != nil {
		return store.failWith
	}
	store.balances[accountKey] = balance
	return nil
}

func (store *stubStore) AppendEntry(_ context.Context, entry Entry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failWith != nil {
		return store.failWith
	}
	store.entries[entry.AccountKey] = append(store.entries[entry.AccountKey], entry)
	return nil
}

func (store *stubStore) TrimEntries(_ context.Context, accountKey string, keep int) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	retained := store.entries[accountKey]
	if len(retained) > keep {
		store.entries[accountKey] = append([]Entry(nil), retained[len(retained)-keep:]...)
	}
	return nil
}

func (store *stubStore) ListEntries(_ context.Context, accountKey string, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	retained := store.entries[accountKey]
	listed := make([]Entry, 0, len(retained))
	for index := len(retained) - 1; index >= 0; index-- {
		listed = append(listed, retained[index])
		if limit > 0 && len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (store *stubStore) LastKnownAccount(_ context.Context) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.lastKnown, nil
}

func (store *stubStore) SetLastKnownAccount(_ context.Context, accountID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.lastKnown = accountID
	return nil
}

func (store *stubStore) entryCount(accountKey string) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.entries[accountKey])
}

type stubUnbounded map[string]struct{}

func (checker stubUnbounded) IsUnbounded(account AccountID) bool {
	_, member := checker[account.String()]
	return member
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmount {
	test.Helper()
	amount, err := NewPositiveAmount(raw)
	if err != nil {
		test.Fatalf("positive amount: %v", err)
	}
	return amount
}

func mustOperationID(test *testing.T, raw string) OperationID {
	test.Helper()
	operationID, err := NewOperationID(raw)
	if err != nil {
		test.Fatalf("operation id: %v", err)
	}
	return operationID
}

func TestGrantIncreasesBalanceAndAppendsEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	account := mustAccountID(test, "wallet-abc")

	newBalance, err := service.Grant(context.Background(), account, mustPositiveAmount(test, 5), SourceChainPayment, "sig-1", "Starter")
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if newBalance.Int64() != 5 {
		test.Fatalf("expected balance 5, got %d", newBalance.Int64())
	}
	if store.entryCount(account.String()) != 1 {
		test.Fatalf("expected 1 entry, got %d", store.entryCount(account.String()))
	}

	entries, err := service.FullLedger(context.Background(), account)
	if err != nil {
		test.Fatalf("full ledger: %v", err)
	}
	entry := entries[0]
	if entry.Source != SourceChainPayment {
		test.Fatalf("expected chain-payment source, got %s", entry.Source)
	}
	if entry.Delta != 5 {
		test.Fatalf("expected delta 5, got %d", entry.Delta)
	}
	if entry.Reference != "sig-1" {
		test.Fatalf("expected reference sig-1, got %q", entry.Reference)
	}
}

func TestConsumeDecrementsBalanceAndRecordsOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	account := mustAccountID(test, "wallet-consume")

	if _, err := service.Grant(context.Background(), account, mustPositiveAmount(test, 10), SourceStorePurchase, "token-1", ""); err != nil {
		test.Fatalf("grant: %v", err)
	}
	newBalance, err := service.Consume(context.Background(), account, mustPositiveAmount(test, 3), mustOperationID(test, "reading-42"))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if newBalance.Int64() != 7 {
		test.Fatalf("expected balance 7, got %d", newBalance.Int64())
	}

	entries, err := service.RecentEntries(context.Background(), account, 1)
	if err != nil {
		test.Fatalf("recent entries: %v", err)
	}
	if len(entries) != 1 {
		test.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Delta != -3 {
		test.Fatalf("expected delta -3, got %d", entries[0].Delta)
	}
	if entries[0].Source != SourceConsumption {
		test.Fatalf("expected consumption source, got %s", entries[0].Source)
	}
	if entries[0].Note != "reading-42" {
		test.Fatalf("expected note reading-42, got %q", entries[0].Note)
	}
}

func TestConsumeInsufficientLeavesStateUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	account := mustAccountID(test, "wallet-low")

	if _, err := service.Grant(context.Background(), account, mustPositiveAmount(test, 2), SourceStorePurchase, "token-low", ""); err != nil {
		test.Fatalf("grant: %v", err)
	}
	entriesBefore := store.entryCount(account.String())

	_, err := service.Consume(context.Background(), account, mustPositiveAmount(test, 5), mustOperationID(test, "reading-over"))
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	var insufficientError InsufficientCreditsError
	if !errors.As(err, &insufficientError) {
		test.Fatalf("expected InsufficientCreditsError, got %T", err)
	}
	if insufficientError.Requested != 5 || insufficientError.Available != 2 {
		test.Fatalf("unexpected error fields: %+v", insufficientError)
	}
	if insufficientError.OperationID != "reading-over" {
		test.Fatalf("unexpected operation id: %q", insufficientError.OperationID)
	}

	balance, err := service.Balance(context.Background(), account)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 2 {
		test.Fatalf("expected balance unchanged at 2, got %d", balance.Int64())
	}
	if store.entryCount(account.String()) != entriesBefore {
		test.Fatalf("expected ledger length unchanged at %d, got %d", entriesBefore, store.entryCount(account.String()))
	}
}

func TestUnboundedAccountBypassesBookkeeping(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	account := mustAccountID(test, "internal-tester")
	service := mustNewService(test, store, WithUnboundedChecker(stubUnbounded{account.String(): {}}))

	balance, err := service.Balance(context.Background(), account)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if !balance.IsUnbounded() {
		test.Fatalf("expected unbounded sentinel, got %s", balance)
	}

	entriesBefore := store.entryCount(account.String())
	consumed, err := service.Consume(context.Background(), account, mustPositiveAmount(test, 999), mustOperationID(test, "reading-free"))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if !consumed.IsUnbounded() {
		test.Fatalf("expected unbounded sentinel from consume, got %s", consumed)
	}
	if store.entryCount(account.String()) != entriesBefore {
		test.Fatalf("expected no ledger entry for unbounded consume")
	}
}

func TestRetentionTrimLeavesBalanceCounterAlone(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	account := mustAccountID(test, "wallet-busy")

	total := LedgerRetentionCap + 5
	for index := 0; index < total; index++ {
		if _, err := service.Grant(context.Background(), account, mustPositiveAmount(test, 1), SourceStorePurchase, "", ""); err != nil {
			test.Fatalf("grant %d: %v", index, err)
		}
	}

	balance, err := service.Balance(context.Background(), account)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Int64() != int64(total) {
		test.Fatalf("expected balance %d, got %d", total, balance.Int64())
	}
	entries, err := service.FullLedger(context.Background(), account)
	if err != nil {
		test.Fatalf("full ledger: %v", err)
	}
	if len(entries) != LedgerRetentionCap {
		test.Fatalf("expected %d retained entries, got %d", LedgerRetentionCap, len(entries))
	}
}

func TestGrantPropagatesStoreFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	storeFailure := errors.New("disk full")
	store.failWith = storeFailure
	service := mustNewService(test, store)
	account := mustAccountID(test, "wallet-broken")

	_, err := service.Grant(context.Background(), account, mustPositiveAmount(test, 1), SourceStorePurchase, "", "")
	if !errors.Is(err, storeFailure) {
		test.Fatalf("expected store failure to propagate, got %v", err)
	}
}

func TestAccountScopesStayIsolated(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	walletAccount := mustAccountID(test, "wallet-isolated")

	if _, err := service.Grant(context.Background(), walletAccount, mustPositiveAmount(test, 8), SourceChainPayment, "sig-iso", ""); err != nil {
		test.Fatalf("grant: %v", err)
	}

	defaultBalance, err := service.Balance(context.Background(), DefaultAccount())
	if err != nil {
		test.Fatalf("default balance: %v", err)
	}
	if defaultBalance.Int64() != 0 {
		test.Fatalf("expected default scope untouched, got %d", defaultBalance.Int64())
	}
}
