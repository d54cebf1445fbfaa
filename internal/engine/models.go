package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive           Status = "active"
	StatusPartiallySettled Status = "partially_settled"
	StatusConverted        Status = "converted"
	StatusClosed           Status = "closed"
)

// Instrument is a collateral-backed credit obligation. The creator's
// collateral sits in a ledger reservation owned by the engine; the
// beneficiary may draw up to CreditedAmount of the credited asset against
// it. CollateralAmount mirrors the reservation's claimable amount.
//
// For dynamic instruments (collateral asset differs from credited asset)
// the pair's liquidation threshold and liquidator incentive are frozen here
// at creation; later pair-table changes never apply retroactively.
type Instrument struct {
	ID              uint64
	Creator         uuid.UUID
	Beneficiary     uuid.UUID
	CollateralAsset string
	CreditedAsset   string

	CollateralAmount decimal.Decimal
	CreditedAmount   decimal.Decimal
	ReservationID    uint64

	LiquidationThresholdBps int64
	LiquidatorIncentiveBps  int64

	Status    Status
	Unhealthy bool
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Dynamic reports whether the instrument is priced and liquidatable.
func (in *Instrument) Dynamic() bool {
	return in.CollateralAsset != in.CreditedAsset
}

// PriceUpdate carries an opaque oracle feed payload. The submission fee is
// charged to the operation's caller, never more than FeeLimit; anything
// above the actual fee is simply never debited.
type PriceUpdate struct {
	Data     []byte
	FeeLimit decimal.Decimal
}
