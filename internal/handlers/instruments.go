package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/collatix/creditcore/internal/engine"
)

type priceUpdateRequest struct {
	Data     []byte `json:"data"`
	FeeLimit string `json:"fee_limit"`
}

func (h *Handler) parsePriceUpdate(c *gin.Context, req *priceUpdateRequest) (*engine.PriceUpdate, bool) {
	if req == nil || len(req.Data) == 0 {
		return nil, true
	}
	feeLimit := decimal.Zero
	if strings.TrimSpace(req.FeeLimit) != "" {
		parsed, err := decimal.NewFromString(strings.TrimSpace(req.FeeLimit))
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid fee_limit")
			return nil, false
		}
		feeLimit = parsed
	}
	return &engine.PriceUpdate{Data: req.Data, FeeLimit: feeLimit}, true
}

type instrumentResponse struct {
	ID                      uint64 `json:"id"`
	Creator                 string `json:"creator"`
	Beneficiary             string `json:"beneficiary"`
	CollateralAsset         string `json:"collateral_asset"`
	CreditedAsset           string `json:"credited_asset"`
	CollateralAmount        string `json:"collateral_amount"`
	CreditedAmount          string `json:"credited_amount"`
	ReservationID           uint64 `json:"reservation_id"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps,omitempty"`
	LiquidatorIncentiveBps  int64  `json:"liquidator_incentive_bps,omitempty"`
	Status                  string `json:"status"`
	Unhealthy               bool   `json:"unhealthy"`
	ExpiresAt               string `json:"expires_at"`
	CreatedAt               string `json:"created_at"`
}

func instrumentToResponse(in *engine.Instrument) instrumentResponse {
	return instrumentResponse{
		ID:                      in.ID,
		Creator:                 in.Creator.String(),
		Beneficiary:             in.Beneficiary.String(),
		CollateralAsset:         in.CollateralAsset,
		CreditedAsset:           in.CreditedAsset,
		CollateralAmount:        in.CollateralAmount.String(),
		CreditedAmount:          in.CreditedAmount.String(),
		ReservationID:           in.ReservationID,
		LiquidationThresholdBps: in.LiquidationThresholdBps,
		LiquidatorIncentiveBps:  in.LiquidatorIncentiveBps,
		Status:                  string(in.Status),
		Unhealthy:               in.Unhealthy,
		ExpiresAt:               in.ExpiresAt.UTC().Format(time.RFC3339),
		CreatedAt:               in.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type createInstrumentRequest struct {
	Type             string              `json:"type"`
	Creator          string              `json:"creator"`
	Beneficiary      string              `json:"beneficiary"`
	CollateralAsset  string              `json:"collateral_asset"`
	CollateralAmount string              `json:"collateral_amount"`
	CreditedAsset    string              `json:"credited_asset"`
	CreditedAmount   string              `json:"credited_amount"`
	ExpiresAt        time.Time           `json:"expires_at"`
	PriceUpdate      *priceUpdateRequest `json:"price_update,omitempty"`
}

func (h *Handler) CreateInstrument(c *gin.Context) {
	var req createInstrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	creator, err := uuid.Parse(strings.TrimSpace(req.Creator))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid creator")
		return
	}
	beneficiary, err := uuid.Parse(strings.TrimSpace(req.Beneficiary))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid beneficiary")
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "static":
		amount, ok := h.parseAmount(c, req.CreditedAmount)
		if !ok {
			return
		}
		in, err := h.Engine.CreateStatic(c.Request.Context(), creator, beneficiary, req.CreditedAsset, amount, req.ExpiresAt)
		if err != nil {
			h.writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, instrumentToResponse(in))
	case "dynamic":
		collateral, ok := h.parseAmount(c, req.CollateralAmount)
		if !ok {
			return
		}
		credited, ok := h.parseAmount(c, req.CreditedAmount)
		if !ok {
			return
		}
		update, ok := h.parsePriceUpdate(c, req.PriceUpdate)
		if !ok {
			return
		}
		in, err := h.Engine.CreateDynamic(c.Request.Context(), creator, beneficiary,
			req.CollateralAsset, collateral, req.CreditedAsset, credited, req.ExpiresAt, update)
		if err != nil {
			h.writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, instrumentToResponse(in))
	default:
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "type must be static or dynamic")
	}
}

func (h *Handler) GetInstrument(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	in, found := h.Engine.Get(id)
	if !found {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "instrument not found")
		return
	}
	c.JSON(http.StatusOK, instrumentToResponse(&in))
}

type extendRequest struct {
	Caller    string    `json:"caller"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) ExtendInstrument(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	caller, err := uuid.Parse(strings.TrimSpace(req.Caller))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid caller")
		return
	}

	in, err := h.Engine.Extend(c.Request.Context(), caller, id, req.ExpiresAt)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, instrumentToResponse(in))
}

type modifyCollateralRequest struct {
	Caller      string              `json:"caller"`
	Delta       string              `json:"delta"`
	PriceUpdate *priceUpdateRequest `json:"price_update,omitempty"`
}

func (h *Handler) ModifyInstrumentCollateral(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req modifyCollateralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	caller, err := uuid.Parse(strings.TrimSpace(req.Caller))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid caller")
		return
	}
	delta, err := decimal.NewFromString(strings.TrimSpace(req.Delta))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid delta")
		return
	}
	update, ok := h.parsePriceUpdate(c, req.PriceUpdate)
	if !ok {
		return
	}

	in, err := h.Engine.ModifyCollateral(c.Request.Context(), caller, id, delta, update)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, instrumentToResponse(in))
}

type redeemRequest struct {
	Caller         string              `json:"caller"`
	Amount         string              `json:"amount"`
	Destination    string              `json:"destination"`
	Strategy       string              `json:"strategy,omitempty"`
	StrategyParams []byte              `json:"strategy_params,omitempty"`
	PriceUpdate    *priceUpdateRequest `json:"price_update,omitempty"`
	Authorization  string              `json:"authorization,omitempty"`
}

func (h *Handler) RedeemInstrument(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	caller, err := uuid.Parse(strings.TrimSpace(req.Caller))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid caller")
		return
	}
	destination, err := uuid.Parse(strings.TrimSpace(req.Destination))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid destination")
		return
	}
	amount, ok := h.parseAmount(c, req.Amount)
	if !ok {
		return
	}
	update, ok := h.parsePriceUpdate(c, req.PriceUpdate)
	if !ok {
		return
	}

	remaining, err := h.Engine.Redeem(c.Request.Context(), caller, id, amount, destination,
		strings.TrimSpace(req.Strategy), req.StrategyParams, update, req.Authorization)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	if remaining == nil {
		c.JSON(http.StatusOK, gin.H{"status": string(engine.StatusClosed)})
		return
	}
	c.JSON(http.StatusOK, instrumentToResponse(remaining))
}

type liquidateRequest struct {
	Caller         string              `json:"caller"`
	Strategy       string              `json:"strategy,omitempty"`
	StrategyParams []byte              `json:"strategy_params,omitempty"`
	PriceUpdate    *priceUpdateRequest `json:"price_update,omitempty"`
	Authorization  string              `json:"authorization,omitempty"`
}

func (h *Handler) LiquidateInstrument(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req liquidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	caller, err := uuid.Parse(strings.TrimSpace(req.Caller))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid caller")
		return
	}
	update, ok := h.parsePriceUpdate(c, req.PriceUpdate)
	if !ok {
		return
	}

	if err := h.Engine.ConvertOrLiquidate(c.Request.Context(), caller, id,
		strings.TrimSpace(req.Strategy), req.StrategyParams, update, req.Authorization); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(engine.StatusConverted)})
}

func (h *Handler) CancelInstrument(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	caller, err := uuid.Parse(strings.TrimSpace(c.Query("caller")))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid caller")
		return
	}

	if err := h.Engine.Cancel(c.Request.Context(), caller, id, c.Query("authorization")); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(engine.StatusClosed)})
}
