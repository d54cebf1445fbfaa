package handlers

import (
	"crypto/ed25519"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/collatix/creditcore/internal/authz"
	"github.com/collatix/creditcore/internal/engine"
	"github.com/collatix/creditcore/internal/ledger"
)

// Admin is the governance surface: asset enablement and caps, approved
// consumers, the fee rate, the pair table, credited-asset limits, and
// authorization keys. Changes apply to future operations only; values
// frozen on open reservations and instruments are untouched.
type Admin struct {
	LedgerParams *ledger.ParamStore
	EngineParams *engine.ParamStore
	Verifier     *authz.Verifier
	Logger       *slog.Logger
}

func NewAdmin(ledgerParams *ledger.ParamStore, engineParams *engine.ParamStore, verifier *authz.Verifier, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		LedgerParams: ledgerParams,
		EngineParams: engineParams,
		Verifier:     verifier,
		Logger:       logger,
	}
}

func (a *Admin) Register(r *gin.Engine) {
	r.PUT("/admin/params", a.PutParams)
	r.GET("/admin/params", a.GetParams)
	r.PUT("/admin/pairs", a.PutPairs)
	r.GET("/admin/pairs", a.GetPairs)
	r.PUT("/admin/limits", a.PutLimits)
	r.GET("/admin/limits", a.GetLimits)
	r.POST("/admin/keys", a.PutKey)
}

type assetParamsRequest struct {
	Enabled    bool   `json:"enabled"`
	AccountCap string `json:"account_cap,omitempty"`
}

type putParamsRequest struct {
	FeeBps             int64                         `json:"fee_bps"`
	FeeCollector       string                        `json:"fee_collector"`
	Assets             map[string]assetParamsRequest `json:"assets"`
	ApprovedConsumers  []string                      `json:"approved_consumers"`
	MaxDuration        string                        `json:"max_duration"`
	MaxPriceAge        string                        `json:"max_price_age"`
	OracleFeeAsset     string                        `json:"oracle_fee_asset"`
	OracleFeeCollector string                        `json:"oracle_fee_collector"`
}

func (a *Admin) PutParams(c *gin.Context) {
	var req putParamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	feeCollector, err := uuid.Parse(strings.TrimSpace(req.FeeCollector))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid fee_collector")
		return
	}
	oracleFeeCollector, err := uuid.Parse(strings.TrimSpace(req.OracleFeeCollector))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid oracle_fee_collector")
		return
	}
	maxDuration, err := time.ParseDuration(strings.TrimSpace(req.MaxDuration))
	if err != nil || maxDuration <= 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid max_duration")
		return
	}
	maxPriceAge, err := time.ParseDuration(strings.TrimSpace(req.MaxPriceAge))
	if err != nil || maxPriceAge <= 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid max_price_age")
		return
	}

	assets := make(map[string]ledger.AssetParams, len(req.Assets))
	for name, ap := range req.Assets {
		accountCap := decimal.Zero
		if strings.TrimSpace(ap.AccountCap) != "" {
			accountCap, err = decimal.NewFromString(strings.TrimSpace(ap.AccountCap))
			if err != nil {
				writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid account_cap for "+name)
				return
			}
		}
		assets[ledger.NormalizeAsset(name)] = ledger.AssetParams{Enabled: ap.Enabled, AccountCap: accountCap}
	}

	consumers := make(map[uuid.UUID]bool, len(req.ApprovedConsumers))
	for _, raw := range req.ApprovedConsumers {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid approved consumer")
			return
		}
		consumers[id] = true
	}

	a.LedgerParams.Update(ledger.Params{
		FeeBps:            req.FeeBps,
		FeeCollector:      feeCollector,
		Assets:            assets,
		ApprovedConsumers: consumers,
	})

	p := a.EngineParams.EngineParams()
	p.MaxDuration = maxDuration
	p.MaxPriceAge = maxPriceAge
	p.OracleFeeAsset = ledger.NormalizeAsset(req.OracleFeeAsset)
	p.OracleFeeCollector = oracleFeeCollector
	a.EngineParams.Update(p)

	a.Logger.Info("governance params updated", "fee_bps", req.FeeBps, "assets", len(assets))
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

func (a *Admin) GetParams(c *gin.Context) {
	lp := a.LedgerParams.LedgerParams()
	ep := a.EngineParams.EngineParams()

	assets := make(map[string]assetParamsRequest, len(lp.Assets))
	for name, ap := range lp.Assets {
		out := assetParamsRequest{Enabled: ap.Enabled}
		if ap.AccountCap.IsPositive() {
			out.AccountCap = ap.AccountCap.String()
		}
		assets[name] = out
	}
	consumers := make([]string, 0, len(lp.ApprovedConsumers))
	for id := range lp.ApprovedConsumers {
		consumers = append(consumers, id.String())
	}

	c.JSON(http.StatusOK, putParamsRequest{
		FeeBps:             lp.FeeBps,
		FeeCollector:       lp.FeeCollector.String(),
		Assets:             assets,
		ApprovedConsumers:  consumers,
		MaxDuration:        ep.MaxDuration.String(),
		MaxPriceAge:        ep.MaxPriceAge.String(),
		OracleFeeAsset:     ep.OracleFeeAsset,
		OracleFeeCollector: ep.OracleFeeCollector.String(),
	})
}

type pairRequest struct {
	CollateralAsset         string `json:"collateral_asset"`
	CreditedAsset           string `json:"credited_asset"`
	CreationThresholdBps    int64  `json:"creation_threshold_bps"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
	LiquidatorIncentiveBps  int64  `json:"liquidator_incentive_bps"`
}

func (a *Admin) PutPairs(c *gin.Context) {
	var req []pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	pairs := make(map[engine.PairKey]engine.PairConfig, len(req))
	for _, pr := range req {
		cfg := engine.PairConfig{
			CreationThresholdBps:    pr.CreationThresholdBps,
			LiquidationThresholdBps: pr.LiquidationThresholdBps,
			LiquidatorIncentiveBps:  pr.LiquidatorIncentiveBps,
		}
		if err := cfg.Validate(); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST",
				"invalid pair "+pr.CollateralAsset+"/"+pr.CreditedAsset)
			return
		}
		pairs[engine.NewPairKey(pr.CollateralAsset, pr.CreditedAsset)] = cfg
	}

	p := a.EngineParams.EngineParams()
	p.Pairs = pairs
	a.EngineParams.Update(p)

	a.Logger.Info("pair table updated", "pairs", len(pairs))
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

func (a *Admin) GetPairs(c *gin.Context) {
	p := a.EngineParams.EngineParams()
	out := make([]pairRequest, 0, len(p.Pairs))
	for key, cfg := range p.Pairs {
		out = append(out, pairRequest{
			CollateralAsset:         key.Collateral,
			CreditedAsset:           key.Credited,
			CreationThresholdBps:    cfg.CreationThresholdBps,
			LiquidationThresholdBps: cfg.LiquidationThresholdBps,
			LiquidatorIncentiveBps:  cfg.LiquidatorIncentiveBps,
		})
	}
	c.JSON(http.StatusOK, out)
}

type limitsRequest struct {
	Asset            string `json:"asset"`
	MinPerInstrument string `json:"min_per_instrument,omitempty"`
	MaxPerInstrument string `json:"max_per_instrument,omitempty"`
	GlobalCap        string `json:"global_cap,omitempty"`
}

func (a *Admin) PutLimits(c *gin.Context) {
	var req []limitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	limits := make(map[string]engine.AssetLimits, len(req))
	for _, lr := range req {
		parsed := engine.AssetLimits{}
		var err error
		if parsed.MinPerInstrument, err = parseOptionalDecimal(lr.MinPerInstrument); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid min for "+lr.Asset)
			return
		}
		if parsed.MaxPerInstrument, err = parseOptionalDecimal(lr.MaxPerInstrument); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid max for "+lr.Asset)
			return
		}
		if parsed.GlobalCap, err = parseOptionalDecimal(lr.GlobalCap); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cap for "+lr.Asset)
			return
		}
		limits[ledger.NormalizeAsset(lr.Asset)] = parsed
	}

	p := a.EngineParams.EngineParams()
	p.Limits = limits
	a.EngineParams.Update(p)

	a.Logger.Info("credited-asset limits updated", "assets", len(limits))
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

func (a *Admin) GetLimits(c *gin.Context) {
	p := a.EngineParams.EngineParams()
	out := make([]limitsRequest, 0, len(p.Limits))
	for asset, l := range p.Limits {
		lr := limitsRequest{Asset: asset}
		if l.MinPerInstrument.IsPositive() {
			lr.MinPerInstrument = l.MinPerInstrument.String()
		}
		if l.MaxPerInstrument.IsPositive() {
			lr.MaxPerInstrument = l.MaxPerInstrument.String()
		}
		if l.GlobalCap.IsPositive() {
			lr.GlobalCap = l.GlobalCap.String()
		}
		out = append(out, lr)
	}
	c.JSON(http.StatusOK, out)
}

type putKeyRequest struct {
	Account   string `json:"account"`
	PublicKey string `json:"public_key"`
}

func (a *Admin) PutKey(c *gin.Context) {
	var req putKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	account, err := uuid.Parse(strings.TrimSpace(req.Account))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid account")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.PublicKey))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "public_key must be a base64 ed25519 key")
		return
	}

	a.Verifier.RegisterKey(account, ed25519.PublicKey(raw))
	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

func parseOptionalDecimal(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(raw))
}
