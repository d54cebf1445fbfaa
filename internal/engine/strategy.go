package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/collatix/creditcore/internal/ledger"
)

// LiquidationStrategy converts pre-supplied collateral into the credited
// asset. The engine claims at most maxInput of inputAsset onto the
// strategy's ledger account before calling Liquidate; the strategy must
// deliver exactly exactOutput of outputAsset to the engine's account. The
// whole settlement runs inside one ledger execution span: every movement
// the strategy makes goes through tx, and the ledger's public methods must
// not be called from inside Liquidate (they block on the execution lock).
// The engine verifies delivery itself and rolls the span back on a
// shortfall or overshoot, so a strategy is never trusted with settlement
// bookkeeping.
type LiquidationStrategy interface {
	Account() uuid.UUID
	Liquidate(ctx context.Context, tx *ledger.Tx, initiator uuid.UUID, inputAsset string, maxInput decimal.Decimal, outputAsset string, exactOutput decimal.Decimal, params []byte) error
}
