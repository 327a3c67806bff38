package verifyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arcanalabs/credits/internal/store/gormstore"
	"github.com/arcanalabs/credits/internal/verify"
	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/arcanalabs/credits/pkg/solrpc"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testRecipient = "RecipientPubkey111111111111111111111111111"
	testSignature = "5VERYrealLookingBase58Signature1111111111111111111111111111111111111111111111111111111"
)

type fetchStep struct {
	transaction *solrpc.TransactionResult
	err         error
}

type scriptedFetcher struct {
	steps []fetchStep
	calls int
}

func (fetcher *scriptedFetcher) GetTransaction(context.Context, string) (*solrpc.TransactionResult, error) {
	step := fetcher.steps[len(fetcher.steps)-1]
	if fetcher.calls < len(fetcher.steps) {
		step = fetcher.steps[fetcher.calls]
	}
	fetcher.calls++
	return step.transaction, step.err
}

type handlerFixture struct {
	handler *httpHandler
	router  *gin.Engine
	fetcher *scriptedFetcher
	ledger  *credits.Service
	sleeps  []time.Duration
}

func newHandlerFixture(test *testing.T, steps []fetchStep) *handlerFixture {
	test.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/verifier.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}
	store := gormstore.New(db)

	fetcher := &scriptedFetcher{steps: steps}
	verifier, err := verify.NewService(fetcher, zap.NewNop())
	if err != nil {
		test.Fatalf("verify service: %v", err)
	}
	ledger, err := credits.NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("credits service: %v", err)
	}

	fixture := &handlerFixture{fetcher: fetcher, ledger: ledger}
	fixture.handler = &httpHandler{
		logger:   zap.NewNop(),
		verifier: verifier,
		store:    store,
		ledger:   ledger,
		cfg: Config{
			RetryAttempts:  3,
			RetryBaseDelay: 10 * time.Millisecond,
		},
		sleep: func(_ context.Context, duration time.Duration) error {
			fixture.sleeps = append(fixture.sleeps, duration)
			return nil
		},
	}

	fixture.router = gin.New()
	fixture.router.POST("/v1/payments/verify-and-grant", fixture.handler.handleVerifyAndGrant)
	return fixture
}

func settledTransfer(recipient string, lamports uint64) *solrpc.TransactionResult {
	return &solrpc.TransactionResult{
		Slot: 2000,
		Meta: &solrpc.TransactionMeta{
			Fee:          5000,
			PreBalances:  []uint64{1_000_000_000, 0, 1},
			PostBalances: []uint64{1_000_000_000 - lamports - 5000, lamports, 1},
		},
		Transaction: solrpc.TransactionEnvelope{
			Message: solrpc.TransactionMessage{
				AccountKeys: []solrpc.AccountKey{
					{Pubkey: "PayerPubkey1111111111111111111111111111111"},
					{Pubkey: recipient},
					{Pubkey: "11111111111111111111111111111111"},
				},
			},
			Signatures: []string{testSignature},
		},
	}
}

func rateLimited() fetchStep {
	return fetchStep{err: fmt.Errorf("%w: http status 429", solrpc.ErrRateLimited)}
}

func grantRequestBody() map[string]any {
	return map[string]any{
		"userId":            "user-1",
		"txSignature":       testSignature,
		"expectedRecipient": testRecipient,
		"expectedAmountMin": 10_000_000,
		"creditDelta":       5,
	}
}

func postVerifyAndGrant(test *testing.T, router *gin.Engine, body map[string]any) (int, verifyAndGrantResponse) {
	test.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		test.Fatalf("marshal request: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/v1/payments/verify-and-grant", bytes.NewReader(encoded))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	var response verifyAndGrantResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		test.Fatalf("decode response: %v", err)
	}
	return recorder.Code, response
}

func accountBalance(test *testing.T, ledger *credits.Service, userID string) int64 {
	test.Helper()
	account, err := credits.NewAccountID(userID)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	balance, err := ledger.Balance(context.Background(), account)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance.Int64()
}

func TestVerifyAndGrantHappyPath(test *testing.T) {
	fixture := newHandlerFixture(test, []fetchStep{
		{transaction: settledTransfer(testRecipient, 10_000_000)},
	})

	status, response := postVerifyAndGrant(test, fixture.router, grantRequestBody())
	if status != http.StatusOK {
		test.Fatalf("expected 200, got %d (%+v)", status, response)
	}
	if !response.OK || response.GrantedCredits != 5 {
		test.Fatalf("unexpected response %+v", response)
	}
	if response.LedgerRef == "" {
		test.Fatalf("expected audit ledger ref")
	}
	if got := accountBalance(test, fixture.ledger, "user-1"); got != 5 {
		test.Fatalf("expected balance 5, got %d", got)
	}
	if fixture.fetcher.calls != 1 {
		test.Fatalf("expected one chain fetch, got %d", fixture.fetcher.calls)
	}
}

func TestVerifyAndGrantReplayGrantsOnce(test *testing.T) {
	fixture := newHandlerFixture(test, []fetchStep{
		{transaction: settledTransfer(testRecipient, 10_000_000)},
	})

	status, first := postVerifyAndGrant(test, fixture.router, grantRequestBody())
	if status != http.StatusOK {
		test.Fatalf("expected 200 on first request, got %d (%+v)", status, first)
	}

	status, second := postVerifyAndGrant(test, fixture.router, grantRequestBody())
	if status != http.StatusOK {
		test.Fatalf("expected 200 on replay, got %d (%+v)", status, second)
	}
	if !second.OK || second.GrantedCredits != 5 {
		test.Fatalf("unexpected replay response %+v", second)
	}
	if second.LedgerRef != first.LedgerRef {
		test.Fatalf("replay must echo the original record, got %q and %q", first.LedgerRef, second.LedgerRef)
	}

	if got := accountBalance(test, fixture.ledger, "user-1"); got != 5 {
		test.Fatalf("replay must not double-grant, got balance %d", got)
	}
	if fixture.fetcher.calls != 1 {
		test.Fatalf("replay must not re-check the chain, got %d fetches", fixture.fetcher.calls)
	}
}

func TestVerifyAndGrantRetriesNegativeThenRejects(test *testing.T) {
	fixture := newHandlerFixture(test, []fetchStep{
		{transaction: settledTransfer(testRecipient, 9_999_999)},
	})

	status, response := postVerifyAndGrant(test, fixture.router, grantRequestBody())
	if status != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", status)
	}
	if response.OK || response.Error != "payment verification failed" {
		test.Fatalf("unexpected response %+v", response)
	}
	if response.LedgerRef == "" {
		test.Fatalf("expected audit ledger ref on rejection")
	}
	if got := accountBalance(test, fixture.ledger, "user-1"); got != 0 {
		test.Fatalf("expected no credit, got %d", got)
	}

	if fixture.fetcher.calls != 3 {
		test.Fatalf("expected three attempts, got %d", fixture.fetcher.calls)
	}
	wantSleeps := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(fixture.sleeps) != len(wantSleeps) {
		test.Fatalf("expected %d backoffs, got %v", len(wantSleeps), fixture.sleeps)
	}
	for index, want := range wantSleeps {
		if fixture.sleeps[index] != want {
			test.Fatalf("backoff %d: want %s, got %s", index, want, fixture.sleeps[index])
		}
	}
}

func TestVerifyAndGrantRecoversFromRateLimit(test *testing.T) {
	fixture := newHandlerFixture(test, []fetchStep{
		rateLimited(),
		rateLimited(),
		{transaction: settledTransfer(testRecipient, 10_000_000)},
	})

	status, response := postVerifyAndGrant(test, fixture.router, grantRequestBody())
	if status != http.StatusOK {
		test.Fatalf("expected 200 after rate-limit recovery, got %d (%+v)", status, response)
	}
	if fixture.fetcher.calls != 3 {
		test.Fatalf("expected three fetches, got %d", fixture.fetcher.calls)
	}
	// Rate limits back off harder than clean negatives and do not consume
	// an attempt slot.
	wantSleeps := []time.Duration{40 * time.Millisecond, 40 * time.Millisecond}
	for index, want := range wantSleeps {
		if fixture.sleeps[index] != want {
			test.Fatalf("backoff %d: want %s, got %s", index, want, fixture.sleeps[index])
		}
	}
}

func TestVerifyAndGrantSustainedRateLimitAborts(test *testing.T) {
	fixture := newHandlerFixture(test, []fetchStep{rateLimited()})

	status, response := postVerifyAndGrant(test, fixture.router, grantRequestBody())
	if status != http.StatusInternalServerError {
		test.Fatalf("expected 500 on sustained rate limiting, got %d", status)
	}
	if response.Error != "verification unavailable" {
		test.Fatalf("unexpected response %+v", response)
	}
	if got := accountBalance(test, fixture.ledger, "user-1"); got != 0 {
		test.Fatalf("expected no credit, got %d", got)
	}
	if fixture.fetcher.calls != 3 {
		test.Fatalf("expected retries to stop at the budget, got %d fetches", fixture.fetcher.calls)
	}
}

func TestVerifyAndGrantRejectsMalformedBody(test *testing.T) {
	fixture := newHandlerFixture(test, []fetchStep{
		{transaction: settledTransfer(testRecipient, 10_000_000)},
	})

	request := httptest.NewRequest(http.MethodPost, "/v1/payments/verify-and-grant", bytes.NewReader([]byte(`{"userId":`)))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
	if fixture.fetcher.calls != 0 {
		test.Fatalf("malformed body must not hit the chain")
	}
}

func TestVerifyAndGrantRejectsNonPositiveAmounts(test *testing.T) {
	fixture := newHandlerFixture(test, []fetchStep{
		{transaction: settledTransfer(testRecipient, 10_000_000)},
	})

	body := grantRequestBody()
	body["creditDelta"] = -5
	status, response := postVerifyAndGrant(test, fixture.router, body)
	if status != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", status)
	}
	if response.Error != "amounts must be positive" {
		test.Fatalf("unexpected response %+v", response)
	}
	if fixture.fetcher.calls != 0 {
		test.Fatalf("invalid amounts must not hit the chain")
	}
}
