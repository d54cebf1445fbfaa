package ledger

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AssetParams is the governance surface for a single asset. AccountCap
// bounds available+reserved per account; zero or negative means uncapped.
type AssetParams struct {
	Enabled    bool
	AccountCap decimal.Decimal
}

// Params is the ledger's slice of the governance configuration. Operations
// snapshot it once at entry; values frozen onto reservations are never
// re-read from here.
type Params struct {
	FeeBps            int64
	FeeCollector      uuid.UUID
	Assets            map[string]AssetParams
	ApprovedConsumers map[uuid.UUID]bool
}

func (p Params) asset(asset string) (AssetParams, bool) {
	a, ok := p.Assets[asset]
	return a, ok
}

func (p Params) consumerApproved(consumer uuid.UUID) bool {
	return p.ApprovedConsumers[consumer]
}

// ParamSource yields the current governance snapshot.
type ParamSource interface {
	LedgerParams() Params
}

// ParamStore is the default mutable ParamSource, updated by the admin
// surface and read once per operation.
type ParamStore struct {
	mu     sync.RWMutex
	params Params
}

func NewParamStore(initial Params) *ParamStore {
	normalizeParams(&initial)
	return &ParamStore{params: initial}
}

func (s *ParamStore) LedgerParams() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

func (s *ParamStore) Update(params Params) {
	normalizeParams(&params)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = params
}

func normalizeParams(p *Params) {
	if p.Assets == nil {
		p.Assets = make(map[string]AssetParams)
	}
	normalized := make(map[string]AssetParams, len(p.Assets))
	for asset, cfg := range p.Assets {
		normalized[NormalizeAsset(asset)] = cfg
	}
	p.Assets = normalized
	if p.ApprovedConsumers == nil {
		p.ApprovedConsumers = make(map[uuid.UUID]bool)
	}
}

func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
