package verifyapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/arcanalabs/credits/internal/store/gormstore"
	"github.com/arcanalabs/credits/internal/verify"
	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/arcanalabs/credits/pkg/solrpc"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const verificationNote = "verify-and-grant"

type verifyAndGrantRequest struct {
	UserID            string `json:"userId" binding:"required"`
	TxSignature       string `json:"txSignature" binding:"required"`
	ExpectedRecipient string `json:"expectedRecipient" binding:"required"`
	ExpectedAmountMin int64  `json:"expectedAmountMin" binding:"required"`
	CreditDelta       int64  `json:"creditDelta" binding:"required"`
}

type verifyAndGrantResponse struct {
	OK             bool   `json:"ok"`
	GrantedCredits int64  `json:"grantedCredits"`
	LedgerRef      string `json:"ledgerRef"`
	Error          string `json:"error,omitempty"`
}

type httpHandler struct {
	logger   *zap.Logger
	verifier *verify.Service
	store    *gormstore.Store
	ledger   *credits.Service
	cfg      Config

	// sleep is swapped in tests.
	sleep func(ctx context.Context, duration time.Duration) error
}

func (handler *httpHandler) handleVerifyAndGrant(ctx *gin.Context) {
	var request verifyAndGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, verifyAndGrantResponse{Error: "invalid request body"})
		return
	}
	if request.ExpectedAmountMin <= 0 || request.CreditDelta <= 0 {
		ctx.JSON(http.StatusBadRequest, verifyAndGrantResponse{Error: "amounts must be positive"})
		return
	}

	// A replay of an already-verified signature returns the stored outcome
	// without touching the chain or the ledger again.
	existing, err := handler.store.FindValidVerification(ctx.Request.Context(), request.TxSignature)
	if err != nil {
		handler.logger.Error("verification lookup failed",
			zap.String("signature", request.TxSignature),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, verifyAndGrantResponse{Error: "verification unavailable"})
		return
	}
	if existing != nil {
		ctx.JSON(http.StatusOK, verifyAndGrantResponse{
			OK:             true,
			GrantedCredits: existing.CreditDelta,
			LedgerRef:      existing.RecordID,
		})
		return
	}

	valid, err := handler.verifyWithRetry(ctx.Request.Context(), request)
	if err != nil {
		handler.logger.Error("verification aborted",
			zap.String("signature", request.TxSignature),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, verifyAndGrantResponse{Error: "verification unavailable"})
		return
	}

	requestJSON, err := json.Marshal(request)
	if err != nil {
		handler.logger.Error("request encode failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, verifyAndGrantResponse{Error: "internal error"})
		return
	}
	if !valid {
		ledgerRef, recordErr := handler.store.AppendVerificationRecord(
			ctx.Request.Context(), request.UserID, request.TxSignature, false, request.CreditDelta, requestJSON)
		if recordErr != nil {
			handler.logger.Error("audit record write failed", zap.Error(recordErr))
		}
		ctx.JSON(http.StatusBadRequest, verifyAndGrantResponse{
			LedgerRef: ledgerRef,
			Error:     "payment verification failed",
		})
		return
	}

	account, err := credits.NewAccountID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, verifyAndGrantResponse{Error: "invalid user id"})
		return
	}
	delta, err := credits.NewPositiveAmount(request.CreditDelta)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, verifyAndGrantResponse{Error: "invalid credit delta"})
		return
	}
	// The record insert goes first: the unique index on verified signatures
	// reserves the signature before any credit moves, so a concurrent
	// duplicate conflicts here instead of granting twice.
	ledgerRef, err := handler.store.AppendVerificationRecord(
		ctx.Request.Context(), request.UserID, request.TxSignature, true, request.CreditDelta, requestJSON)
	if err != nil {
		if errors.Is(err, gormstore.ErrDuplicateVerification) {
			granted, findErr := handler.store.FindValidVerification(ctx.Request.Context(), request.TxSignature)
			if findErr != nil || granted == nil {
				handler.logger.Error("duplicate verification lookup failed",
					zap.String("signature", request.TxSignature),
					zap.Error(findErr),
				)
				ctx.JSON(http.StatusInternalServerError, verifyAndGrantResponse{Error: "audit write failed"})
				return
			}
			ctx.JSON(http.StatusOK, verifyAndGrantResponse{
				OK:             true,
				GrantedCredits: granted.CreditDelta,
				LedgerRef:      granted.RecordID,
			})
			return
		}
		handler.logger.Error("audit record write failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, verifyAndGrantResponse{Error: "audit write failed"})
		return
	}
	if _, err := handler.ledger.Grant(ctx.Request.Context(), account, delta, credits.SourceChainPayment, request.TxSignature, verificationNote); err != nil {
		handler.logger.Error("audit grant failed",
			zap.String("signature", request.TxSignature),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, verifyAndGrantResponse{Error: "ledger write failed"})
		return
	}

	ctx.JSON(http.StatusOK, verifyAndGrantResponse{
		OK:             true,
		GrantedCredits: request.CreditDelta,
		LedgerRef:      ledgerRef,
	})
}

// verifyWithRetry runs the verification up to RetryAttempts times. A clean
// negative result backs off base×2^(attempt−1) before the next attempt; a
// rate-limited node backs off base×2^attempt×2 and retries the same attempt
// slot, since the claim was never actually checked.
func (handler *httpHandler) verifyWithRetry(ctx context.Context, request verifyAndGrantRequest) (bool, error) {
	input := verify.Input{
		Signature:               request.TxSignature,
		ExpectedRecipient:       request.ExpectedRecipient,
		ExpectedMinimumLamports: uint64(request.ExpectedAmountMin),
	}

	rateLimitBudget := handler.cfg.RetryAttempts
	for attempt := 1; attempt <= handler.cfg.RetryAttempts; {
		valid, err := handler.verifier.VerifyPayment(ctx, input)
		if err != nil {
			if !errors.Is(err, solrpc.ErrRateLimited) {
				return false, err
			}
			rateLimitBudget--
			if rateLimitBudget <= 0 {
				return false, err
			}
			delay := handler.cfg.RetryBaseDelay * time.Duration(1<<attempt) * 2
			handler.logger.Warn("verification rate limited, backing off",
				zap.String("signature", request.TxSignature),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if sleepErr := handler.sleep(ctx, delay); sleepErr != nil {
				return false, sleepErr
			}
			continue
		}
		if valid {
			return true, nil
		}
		if attempt == handler.cfg.RetryAttempts {
			break
		}
		delay := handler.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		handler.logger.Info("verification negative, retrying",
			zap.String("signature", request.TxSignature),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		if sleepErr := handler.sleep(ctx, delay); sleepErr != nil {
			return false, sleepErr
		}
		attempt++
	}
	return false, nil
}
