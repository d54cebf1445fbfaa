package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/collatix/creditcore/internal/ledger"
	"github.com/collatix/creditcore/internal/pricing"
)

// PairKey identifies a collateral/credited asset pair in the pair table.
type PairKey struct {
	Collateral string
	Credited   string
}

func NewPairKey(collateral, credited string) PairKey {
	return PairKey{
		Collateral: ledger.NormalizeAsset(collateral),
		Credited:   ledger.NormalizeAsset(credited),
	}
}

// PairConfig holds the thresholds governing dynamic instruments on one
// asset pair, all in basis points of collateral value.
type PairConfig struct {
	CreationThresholdBps    int64
	LiquidationThresholdBps int64
	LiquidatorIncentiveBps  int64
}

var errInvalidPairConfig = errors.New("invalid asset pair config")

func (c PairConfig) Validate() error {
	if c.CreationThresholdBps <= 0 || c.CreationThresholdBps >= c.LiquidationThresholdBps {
		return errInvalidPairConfig
	}
	if c.LiquidationThresholdBps > pricing.MaxFeeBps {
		return errInvalidPairConfig
	}
	if c.LiquidatorIncentiveBps < 0 || c.LiquidatorIncentiveBps > pricing.MaxFeeBps-c.LiquidationThresholdBps {
		return errInvalidPairConfig
	}
	return nil
}

// AssetLimits bounds credited-asset usage. Zero values mean unbounded.
type AssetLimits struct {
	MinPerInstrument decimal.Decimal
	MaxPerInstrument decimal.Decimal
	GlobalCap        decimal.Decimal
}

// Params is the governance snapshot the engine reads once per operation.
type Params struct {
	MaxDuration        time.Duration
	MaxPriceAge        time.Duration
	OracleFeeAsset     string
	OracleFeeCollector uuid.UUID
	Pairs              map[PairKey]PairConfig
	Limits             map[string]AssetLimits
}

type ParamSource interface {
	EngineParams() Params
}

// ParamStore is a mutex-guarded ParamSource for live reconfiguration.
type ParamStore struct {
	mu sync.RWMutex
	p  Params
}

func NewParamStore(initial Params) *ParamStore {
	return &ParamStore{p: initial}
}

func (s *ParamStore) EngineParams() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

func (s *ParamStore) Update(p Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p
}
