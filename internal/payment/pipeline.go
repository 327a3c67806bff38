// Package payment orchestrates one credit pack purchase end to end: wallet
// authorization, transaction build, signing and broadcast through the
// wallet, on-chain confirmation, the immediate local credit grant, and the
// advisory server-side verification that follows it.
package payment

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/arcanalabs/credits/pkg/solrpc"
	"github.com/arcanalabs/credits/pkg/wallet"
	"go.uber.org/zap"
)

// State is the pipeline position of one purchase attempt. Success and Error
// are terminal; a failed attempt restarts from Idle.
type State string

const (
	StateIdle              State = "IDLE"
	StateWalletAuthorizing State = "WALLET_AUTHORIZING"
	StateTxBuild           State = "TX_BUILD"
	StateTxSigningSending  State = "TX_SIGNING_SENDING"
	StateTxConfirming      State = "TX_CONFIRMING"
	StatePaymentSuccess    State = "PAYMENT_SUCCESS"
	StatePaymentError      State = "PAYMENT_ERROR"
)

// ChainClient is the RPC surface the pipeline needs.
type ChainClient interface {
	LatestBlockhash(ctx context.Context) (*solrpc.Blockhash, error)
	SignatureStatus(ctx context.Context, signature string) (*solrpc.SignatureStatus, error)
}

// VerifyRequest mirrors the verification endpoint's request body.
type VerifyRequest struct {
	UserID            string `json:"userId"`
	TxSignature       string `json:"txSignature"`
	ExpectedRecipient string `json:"expectedRecipient"`
	ExpectedAmountMin uint64 `json:"expectedAmountMin"`
	CreditDelta       int64  `json:"creditDelta"`
}

// VerifyResult mirrors the verification endpoint's response body.
type VerifyResult struct {
	OK             bool   `json:"ok"`
	GrantedCredits int64  `json:"grantedCredits"`
	LedgerRef      string `json:"ledgerRef"`
	Error          string `json:"error,omitempty"`
}

// Verifier submits a claimed payment for independent server-side
// re-verification.
type Verifier interface {
	VerifyAndGrant(ctx context.Context, request VerifyRequest) (VerifyResult, error)
}

// Intent is the transient state of one purchase attempt. It is never
// persisted; an abandoned intent before broadcast costs nothing.
type Intent struct {
	Pack      Pack
	State     State
	Session   wallet.Session
	Signature string
}

// Config holds pipeline settings.
type Config struct {
	Recipient       string
	ConfirmInterval time.Duration
	ConfirmTimeout  time.Duration
	VerifyTimeout   time.Duration
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithVerifier wires the advisory server-side verifier.
func WithVerifier(verifier Verifier) PipelineOption {
	return func(pipeline *Pipeline) {
		pipeline.verifier = verifier
	}
}

// WithLogger wires a zap logger.
func WithLogger(logger *zap.Logger) PipelineOption {
	return func(pipeline *Pipeline) {
		pipeline.logger = logger
	}
}

// Pipeline drives purchases. One Pipeline serves the whole process; the
// wallet session is cached across purchases so reauthorization can skip the
// prompt.
type Pipeline struct {
	wallet    wallet.Wallet
	chain     ChainClient
	ledger    *credits.Service
	scope     *credits.Scope
	verifier  Verifier
	logger    *zap.Logger
	recipient string

	confirmInterval time.Duration
	confirmTimeout  time.Duration
	verifyTimeout   time.Duration

	// launch runs the advisory verification without blocking the caller.
	launch func(task func())

	mu      sync.Mutex
	session *wallet.Session
}

// NewPipeline wires a Pipeline.
func NewPipeline(walletAdapter wallet.Wallet, chain ChainClient, ledger *credits.Service, scope *credits.Scope, cfg Config, options ...PipelineOption) (*Pipeline, error) {
	if walletAdapter == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", ErrInvalidPipelineConfig)
	}
	if chain == nil {
		return nil, fmt.Errorf("%w: chain dependency is nil", ErrInvalidPipelineConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidPipelineConfig)
	}
	if scope == nil {
		return nil, fmt.Errorf("%w: scope dependency is nil", ErrInvalidPipelineConfig)
	}
	if cfg.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidPipelineConfig)
	}
	pipeline := &Pipeline{
		wallet:          walletAdapter,
		chain:           chain,
		ledger:          ledger,
		scope:           scope,
		logger:          zap.NewNop(),
		recipient:       cfg.Recipient,
		confirmInterval: cfg.ConfirmInterval,
		confirmTimeout:  cfg.ConfirmTimeout,
		verifyTimeout:   cfg.VerifyTimeout,
		launch:          func(task func()) { go task() },
	}
	if pipeline.confirmInterval <= 0 {
		pipeline.confirmInterval = 2 * time.Second
	}
	if pipeline.confirmTimeout <= 0 {
		pipeline.confirmTimeout = 90 * time.Second
	}
	if pipeline.verifyTimeout <= 0 {
		pipeline.verifyTimeout = 30 * time.Second
	}
	for _, option := range options {
		if option != nil {
			option(pipeline)
		}
	}
	return pipeline, nil
}

// Purchase runs one attempt for the given pack. On success the local grant
// has already happened and the returned intent carries the base58 signature;
// the advisory server verification continues in the background. On failure
// the returned error is one of the package taxonomy values and nothing was
// credited.
func (pipeline *Pipeline) Purchase(ctx context.Context, pack Pack) (*Intent, error) {
	intent := &Intent{Pack: pack, State: StateIdle}

	intent.State = StateWalletAuthorizing
	session, err := pipeline.authorize(ctx)
	if err != nil {
		intent.State = StatePaymentError
		return intent, err
	}
	intent.Session = session

	intent.State = StateTxBuild
	encodedTransaction, err := pipeline.buildTransaction(ctx, session.Account, pack)
	if err != nil {
		intent.State = StatePaymentError
		return intent, err
	}

	intent.State = StateTxSigningSending
	signature, err := pipeline.signAndSend(ctx, session, encodedTransaction)
	if err != nil {
		intent.State = StatePaymentError
		return intent, err
	}
	intent.Signature = signature

	intent.State = StateTxConfirming
	if err := pipeline.awaitConfirmation(ctx, signature); err != nil {
		intent.State = StatePaymentError
		return intent, err
	}

	account, err := credits.NewAccountID(session.Account)
	if err != nil {
		intent.State = StatePaymentError
		return intent, fmt.Errorf("%w: %v", ErrBroadcastOrConfirmFailed, err)
	}
	if err := pipeline.scope.SetCurrentAccount(ctx, account); err != nil {
		intent.State = StatePaymentError
		return intent, err
	}
	delta, err := credits.NewPositiveAmount(pack.Credits)
	if err != nil {
		intent.State = StatePaymentError
		return intent, err
	}
	// Credit locally first so the user sees the balance move without
	// waiting on the verification round-trip.
	newBalance, err := pipeline.ledger.Grant(ctx, account, delta, credits.SourceChainPayment, signature, pack.Label)
	if err != nil {
		intent.State = StatePaymentError
		return intent, err
	}
	pipeline.logger.Info("payment confirmed and credited",
		zap.String("account", account.String()),
		zap.String("signature", signature),
		zap.Int64("credits", pack.Credits),
		zap.String("balance", newBalance.String()),
	)

	pipeline.verifyAdvisory(account, pack, signature)

	intent.State = StatePaymentSuccess
	return intent, nil
}

// GrantStorePurchase records a store in-app purchase as a local grant,
// keyed by the store's purchase token.
func (pipeline *Pipeline) GrantStorePurchase(ctx context.Context, purchaseToken string, pack Pack) (credits.Amount, error) {
	if purchaseToken == "" {
		return credits.Amount{}, fmt.Errorf("%w: purchase token is required", ErrInvalidPipelineConfig)
	}
	delta, err := credits.NewPositiveAmount(pack.Credits)
	if err != nil {
		return credits.Amount{}, err
	}
	account := pipeline.scope.Resolve(nil)
	return pipeline.ledger.Grant(ctx, account, delta, credits.SourceStorePurchase, purchaseToken, pack.Label)
}

func (pipeline *Pipeline) authorize(ctx context.Context) (wallet.Session, error) {
	pipeline.mu.Lock()
	cached := pipeline.session
	pipeline.mu.Unlock()

	if cached != nil {
		session, err := pipeline.wallet.Reauthorize(ctx, *cached)
		if err == nil {
			pipeline.storeSession(session)
			return session, nil
		}
		pipeline.logger.Debug("reauthorization failed, requesting fresh authorization", zap.Error(err))
	}

	session, err := pipeline.wallet.Authorize(ctx)
	if err != nil {
		return wallet.Session{}, pipeline.mapWalletError(err, ErrAuthorizationFailed)
	}
	pipeline.storeSession(session)
	return session, nil
}

func (pipeline *Pipeline) storeSession(session wallet.Session) {
	pipeline.mu.Lock()
	defer pipeline.mu.Unlock()
	pipeline.session = &session
}

func (pipeline *Pipeline) buildTransaction(ctx context.Context, payer string, pack Pack) (string, error) {
	blockhash, err := pipeline.chain.LatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: fetch blockhash: %v", ErrBroadcastOrConfirmFailed, err)
	}
	transaction, err := solrpc.BuildTransferTransaction(payer, pipeline.recipient, pack.PriceLamports, blockhash.Blockhash)
	if err != nil {
		return "", fmt.Errorf("%w: build transaction: %v", ErrBroadcastOrConfirmFailed, err)
	}
	// The wallet transport only accepts the base64 byte-string encoding.
	return base64.StdEncoding.EncodeToString(transaction), nil
}

func (pipeline *Pipeline) signAndSend(ctx context.Context, session wallet.Session, encodedTransaction string) (string, error) {
	response, err := pipeline.wallet.SignAndSend(ctx, session, encodedTransaction)
	if err != nil {
		return "", pipeline.mapWalletError(err, ErrBroadcastOrConfirmFailed)
	}
	rawSignature, err := response.Signature()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastOrConfirmFailed, err)
	}
	signature, err := NormalizeSignature(rawSignature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastOrConfirmFailed, err)
	}
	return signature, nil
}

// awaitConfirmation polls signature status until the confirmed commitment
// level. Once broadcast, the transfer itself cannot be cancelled; a timeout
// only stops the waiting.
func (pipeline *Pipeline) awaitConfirmation(ctx context.Context, signature string) error {
	deadline := time.NewTimer(pipeline.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pipeline.confirmInterval)
	defer ticker.Stop()

	for {
		status, err := pipeline.chain.SignatureStatus(ctx, signature)
		if err != nil {
			pipeline.logger.Debug("signature status fetch failed", zap.String("signature", signature), zap.Error(err))
		} else if status != nil {
			// A produced signature does not imply success: an on-chain
			// execution error is still a failed payment.
			if status.Failed() {
				return fmt.Errorf("%w: transaction failed on chain: %s", ErrBroadcastOrConfirmFailed, string(status.Err))
			}
			if status.Confirmed() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%w: no confirmation after %s", ErrTimeout, pipeline.confirmTimeout)
		case <-ticker.C:
		}
	}
}

// verifyAdvisory submits the claimed payment for server-side re-check. The
// credit is already granted; a negative or failed verification is logged for
// operators and never reverses it.
func (pipeline *Pipeline) verifyAdvisory(account credits.AccountID, pack Pack, signature string) {
	if pipeline.verifier == nil {
		return
	}
	request := VerifyRequest{
		UserID:            account.String(),
		TxSignature:       signature,
		ExpectedRecipient: pipeline.recipient,
		ExpectedAmountMin: pack.PriceLamports,
		CreditDelta:       pack.Credits,
	}
	pipeline.launch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), pipeline.verifyTimeout)
		defer cancel()
		result, err := pipeline.verifier.VerifyAndGrant(ctx, request)
		if err != nil {
			pipeline.logger.Warn("server verification unreachable",
				zap.String("account", request.UserID),
				zap.String("signature", request.TxSignature),
				zap.Error(err),
			)
			return
		}
		if !result.OK {
			pipeline.logger.Warn("server verification rejected an already-granted payment",
				zap.String("account", request.UserID),
				zap.String("signature", request.TxSignature),
				zap.String("server_error", result.Error),
			)
			return
		}
		pipeline.logger.Info("server verification confirmed payment",
			zap.String("account", request.UserID),
			zap.String("signature", request.TxSignature),
			zap.String("ledger_ref", result.LedgerRef),
			zap.Int64("granted_credits", result.GrantedCredits),
		)
	})
}

func (pipeline *Pipeline) mapWalletError(err error, fallback error) error {
	switch wallet.KindOf(err) {
	case wallet.KindCancelled:
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	case wallet.KindTimeout:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case wallet.KindAuthorization:
		return fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	case wallet.KindInsufficientFunds:
		return fmt.Errorf("%w: %v", ErrInsufficientChainBalance, err)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}
