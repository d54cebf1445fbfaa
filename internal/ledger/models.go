package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Balance is one (account, asset) row. Available moves freely; Reserved
// only changes through the reservation lifecycle.
type Balance struct {
	Account   uuid.UUID
	Asset     string
	Available decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// Reservation locks a gross amount of an account's balance for a single
// consumer. Claimable is what the consumer can actually take out after the
// withdrawal fee; the fee rate is frozen at creation so later global fee
// changes never reprice an open reservation. A reservation exists iff
// Claimable > 0.
type Reservation struct {
	ID        uint64
	Consumer  uuid.UUID
	Account   uuid.UUID
	Asset     string
	FeeBps    int64
	Gross     decimal.Decimal
	Claimable decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

type balanceKey struct {
	account uuid.UUID
	asset   string
}

type allowanceKey struct {
	account  uuid.UUID
	consumer uuid.UUID
	asset    string
}

// Allowance is the amount a consumer may still reserve out of an account,
// per asset.
type Allowance struct {
	Account  uuid.UUID
	Consumer uuid.UUID
	Asset    string
	Amount   decimal.Decimal
}
