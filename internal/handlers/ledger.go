// Package handlers exposes the ledger and engine operations over HTTP.
// Identity at this edge is by account id; operations acting on someone
// else's balances require the signed authorization tokens the ledger and
// engine verify themselves.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/collatix/creditcore/internal/engine"
	"github.com/collatix/creditcore/internal/ledger"
)

type Handler struct {
	Ledger *ledger.Ledger
	Engine *engine.Engine
	Logger *slog.Logger
}

func New(led *ledger.Ledger, eng *engine.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Ledger: led, Engine: eng, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine) {
	r.POST("/accounts/:id/deposits", h.Deposit)
	r.POST("/accounts/:id/withdrawals", h.Withdraw)
	r.GET("/accounts/:id/balances/:asset", h.GetBalance)

	r.POST("/reservations", h.Reserve)
	r.PATCH("/reservations/:id", h.ModifyReservation)
	r.POST("/reservations/:id/claims", h.Claim)
	r.DELETE("/reservations/:id", h.ReleaseReservation)
	r.GET("/reservations/:id", h.GetReservation)

	r.POST("/allowances", h.ModifyAllowance)
	r.POST("/allowances/authorized", h.ModifyAllowanceAuthorized)

	r.POST("/instruments", h.CreateInstrument)
	r.GET("/instruments/:id", h.GetInstrument)
	r.POST("/instruments/:id/extend", h.ExtendInstrument)
	r.POST("/instruments/:id/collateral", h.ModifyInstrumentCollateral)
	r.POST("/instruments/:id/redeem", h.RedeemInstrument)
	r.POST("/instruments/:id/liquidate", h.LiquidateInstrument)
	r.DELETE("/instruments/:id", h.CancelInstrument)
}

type balanceResponse struct {
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Reserved  string `json:"reserved"`
}

func balanceToResponse(bal ledger.Balance) balanceResponse {
	return balanceResponse{
		Account:   bal.Account.String(),
		Asset:     bal.Asset,
		Available: bal.Available.String(),
		Reserved:  bal.Reserved.String(),
	}
}

type reservationResponse struct {
	ID        uint64 `json:"id"`
	Consumer  string `json:"consumer"`
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	FeeBps    int64  `json:"fee_bps"`
	Gross     string `json:"gross"`
	Claimable string `json:"claimable"`
	CreatedAt string `json:"created_at"`
}

func reservationToResponse(res *ledger.Reservation) reservationResponse {
	return reservationResponse{
		ID:        res.ID,
		Consumer:  res.Consumer.String(),
		Account:   res.Account.String(),
		Asset:     res.Asset,
		FeeBps:    res.FeeBps,
		Gross:     res.Gross.String(),
		Claimable: res.Claimable.String(),
		CreatedAt: res.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type depositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (h *Handler) Deposit(c *gin.Context) {
	account, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	amount, ok := h.parseAmount(c, req.Amount)
	if !ok {
		return
	}

	bal, err := h.Ledger.Deposit(account, req.Asset, amount)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceToResponse(bal))
}

type withdrawRequest struct {
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
}

type withdrawResponse struct {
	Received string `json:"received"`
}

func (h *Handler) Withdraw(c *gin.Context) {
	account, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	amount, ok := h.parseAmount(c, req.Amount)
	if !ok {
		return
	}
	destination, err := uuid.Parse(strings.TrimSpace(req.Destination))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid destination")
		return
	}

	received, err := h.Ledger.Withdraw(account, req.Asset, amount, destination)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawResponse{Received: received.String()})
}

func (h *Handler) GetBalance(c *gin.Context) {
	account, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	bal := h.Ledger.GetBalance(account, c.Param("asset"))
	bal.Account = account
	c.JSON(http.StatusOK, balanceToResponse(bal))
}

type reserveRequest struct {
	Consumer          string `json:"consumer"`
	Account           string `json:"account"`
	Asset             string `json:"asset"`
	Amount            string `json:"amount"`
	AmountIsClaimable bool   `json:"amount_is_claimable"`
}

func (h *Handler) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	consumer, err := uuid.Parse(strings.TrimSpace(req.Consumer))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid consumer")
		return
	}
	account, err := uuid.Parse(strings.TrimSpace(req.Account))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid account")
		return
	}
	amount, ok := h.parseAmount(c, req.Amount)
	if !ok {
		return
	}

	var res *ledger.Reservation
	if req.AmountIsClaimable {
		res, err = h.Ledger.ReserveClaimable(consumer, account, req.Asset, amount)
	} else {
		res, err = h.Ledger.Reserve(consumer, account, req.Asset, amount)
	}
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservationToResponse(res))
}

type modifyReservationRequest struct {
	Consumer string `json:"consumer"`
	Delta    string `json:"delta"`
}

func (h *Handler) ModifyReservation(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req modifyReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	consumer, err := uuid.Parse(strings.TrimSpace(req.Consumer))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid consumer")
		return
	}
	delta, err := decimal.NewFromString(strings.TrimSpace(req.Delta))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid delta")
		return
	}

	res, err := h.Ledger.ModifyReservation(consumer, id, delta)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservationToResponse(res))
}

type claimRequest struct {
	Consumer         string `json:"consumer"`
	Amount           string `json:"amount"`
	Destination      string `json:"destination"`
	ReleaseRemainder bool   `json:"release_remainder"`
}

type claimResponse struct {
	Received  string               `json:"received"`
	Fee       string               `json:"fee"`
	Released  string               `json:"released"`
	Remaining *reservationResponse `json:"remaining,omitempty"`
}

func (h *Handler) Claim(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	consumer, err := uuid.Parse(strings.TrimSpace(req.Consumer))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid consumer")
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

	result, err := h.Ledger.Claim(consumer, id, amount, destination, req.ReleaseRemainder)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	resp := claimResponse{
		Received: result.Received.String(),
		Fee:      result.Fee.String(),
		Released: result.Released.String(),
	}
	if result.Remaining != nil {
		remaining := reservationToResponse(result.Remaining)
		resp.Remaining = &remaining
	}
	c.JSON(http.StatusOK, resp)
}

type releaseResponse struct {
	Released string `json:"released"`
}

func (h *Handler) ReleaseReservation(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	consumer, err := uuid.Parse(strings.TrimSpace(c.Query("consumer")))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid consumer")
		return
	}

	released, err := h.Ledger.ReleaseAll(consumer, id)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, releaseResponse{Released: released.String()})
}

func (h *Handler) GetReservation(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	res, found := h.Ledger.GetReservation(id)
	if !found {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "reservation not found")
		return
	}
	c.JSON(http.StatusOK, reservationToResponse(&res))
}

type allowanceRequest struct {
	Account       string `json:"account"`
	Consumer      string `json:"consumer"`
	Asset         string `json:"asset"`
	Delta         string `json:"delta"`
	Authorization string `json:"authorization"`
}

type allowanceResponse struct {
	Allowance string `json:"allowance"`
}

func (h *Handler) ModifyAllowance(c *gin.Context) {
	h.modifyAllowance(c, false)
}

func (h *Handler) ModifyAllowanceAuthorized(c *gin.Context) {
	h.modifyAllowance(c, true)
}

func (h *Handler) modifyAllowance(c *gin.Context, authorized bool) {
	var req allowanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	account, err := uuid.Parse(strings.TrimSpace(req.Account))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid account")
		return
	}
	consumer, err := uuid.Parse(strings.TrimSpace(req.Consumer))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid consumer")
		return
	}
	delta, err := decimal.NewFromString(strings.TrimSpace(req.Delta))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid delta")
		return
	}

	var next decimal.Decimal
	if authorized {
		next, err = h.Ledger.ModifyAllowanceWithAuthorization(account, consumer, req.Asset, delta, req.Authorization)
	} else {
		next, err = h.Ledger.ModifyAllowance(account, consumer, req.Asset, delta)
	}
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, allowanceResponse{Allowance: next.String()})
}

func (h *Handler) uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	parsed, err := uuid.Parse(strings.TrimSpace(c.Param(name)))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid "+name)
		return uuid.Nil, false
	}
	return parsed, true
}

func (h *Handler) idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid id")
		return 0, false
	}
	return id, true
}

func (h *Handler) parseAmount(c *gin.Context, raw string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount")
		return decimal.Zero, false
	}
	return amount, true
}
