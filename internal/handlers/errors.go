package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/collatix/creditcore/internal/authz"
	"github.com/collatix/creditcore/internal/engine"
	"github.com/collatix/creditcore/internal/ledger"
	"github.com/collatix/creditcore/internal/oracle"
	"github.com/collatix/creditcore/internal/pricing"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorMapping struct {
	status int
	code   string
}

var errorMappings = []struct {
	err     error
	mapping errorMapping
}{
	{ledger.ErrNotFound, errorMapping{http.StatusNotFound, "NOT_FOUND"}},
	{engine.ErrNotFound, errorMapping{http.StatusNotFound, "NOT_FOUND"}},
	{ledger.ErrUnauthorized, errorMapping{http.StatusForbidden, "FORBIDDEN"}},
	{engine.ErrUnauthorized, errorMapping{http.StatusForbidden, "FORBIDDEN"}},
	{authz.ErrSignatureInvalid, errorMapping{http.StatusForbidden, "SIGNATURE_INVALID"}},
	{authz.ErrUnknownAccount, errorMapping{http.StatusForbidden, "SIGNATURE_INVALID"}},
	{authz.ErrNonceMismatch, errorMapping{http.StatusConflict, "NONCE_MISMATCH"}},
	{ledger.ErrConsumerNotApproved, errorMapping{http.StatusForbidden, "CONSUMER_NOT_APPROVED"}},
	{ledger.ErrAssetDisabled, errorMapping{http.StatusUnprocessableEntity, "ASSET_DISABLED"}},
	{ledger.ErrInsufficientFunds, errorMapping{http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"}},
	{ledger.ErrInsufficientAllowance, errorMapping{http.StatusUnprocessableEntity, "INSUFFICIENT_ALLOWANCE"}},
	{ledger.ErrBalanceCapExceeded, errorMapping{http.StatusUnprocessableEntity, "BALANCE_CAP_EXCEEDED"}},
	{ledger.ErrClaimableZero, errorMapping{http.StatusUnprocessableEntity, "CLAIMABLE_ZERO"}},
	{ledger.ErrInvalidAmount, errorMapping{http.StatusBadRequest, "INVALID_AMOUNT"}},
	{ledger.ErrAmountTooSmall, errorMapping{http.StatusBadRequest, "AMOUNT_TOO_SMALL"}},
	{engine.ErrAmountTooSmall, errorMapping{http.StatusBadRequest, "AMOUNT_TOO_SMALL"}},
	{engine.ErrExpired, errorMapping{http.StatusConflict, "EXPIRED"}},
	{engine.ErrInvalidExpiry, errorMapping{http.StatusBadRequest, "INVALID_EXPIRY"}},
	{engine.ErrDurationExceeded, errorMapping{http.StatusBadRequest, "DURATION_EXCEEDED"}},
	{engine.ErrStalePrice, errorMapping{http.StatusConflict, "STALE_PRICE"}},
	{engine.ErrBelowMinimum, errorMapping{http.StatusUnprocessableEntity, "BELOW_MINIMUM"}},
	{engine.ErrAboveMaximum, errorMapping{http.StatusUnprocessableEntity, "ABOVE_MAXIMUM"}},
	{engine.ErrInvalidCollateralFactor, errorMapping{http.StatusUnprocessableEntity, "INVALID_COLLATERAL_FACTOR"}},
	{engine.ErrInsufficientCollateral, errorMapping{http.StatusUnprocessableEntity, "INSUFFICIENT_COLLATERAL"}},
	{engine.ErrAlreadyConverted, errorMapping{http.StatusConflict, "ALREADY_CONVERTED"}},
	{engine.ErrNotLiquidatable, errorMapping{http.StatusConflict, "NOT_LIQUIDATABLE"}},
	{engine.ErrPairNotSupported, errorMapping{http.StatusUnprocessableEntity, "PAIR_NOT_SUPPORTED"}},
	{engine.ErrIncentiveIncreased, errorMapping{http.StatusConflict, "INCENTIVE_INCREASED"}},
	{engine.ErrStrategyMismatch, errorMapping{http.StatusConflict, "STRATEGY_MISMATCH"}},
	{engine.ErrUnknownStrategy, errorMapping{http.StatusBadRequest, "UNKNOWN_STRATEGY"}},
	{engine.ErrOracleFeeTooHigh, errorMapping{http.StatusUnprocessableEntity, "ORACLE_FEE_TOO_HIGH"}},
	{engine.ErrNoOracle, errorMapping{http.StatusServiceUnavailable, "NO_ORACLE"}},
	{oracle.ErrNoPrice, errorMapping{http.StatusUnprocessableEntity, "NO_PRICE"}},
	{oracle.ErrBadPayload, errorMapping{http.StatusBadRequest, "INVALID_PRICE_UPDATE"}},
	{pricing.ErrInvalidPrice, errorMapping{http.StatusUnprocessableEntity, "INVALID_PRICE"}},
}

func (h *Handler) writeDomainError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			writeError(c, m.mapping.status, m.mapping.code, err.Error())
			return
		}
	}
	h.Logger.Error("unmapped operation failure", "error", err)
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}
