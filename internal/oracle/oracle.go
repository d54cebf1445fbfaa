// Package oracle defines the price feed consumed by the credit engine and a
// Redis caching layer that keeps recently observed quotes close to the
// engine.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNoPrice = errors.New("no price for asset pair")

// Price is a quote for one asset pair: Magnitude * 10^Exponent units of the
// output asset per unit of the input asset. PublishTime is the feed's own
// publication timestamp, not the time of observation.
type Price struct {
	Magnitude   int64     `json:"magnitude"`
	Exponent    int32     `json:"exponent"`
	PublishTime time.Time `json:"publish_time"`
}

// PriceOracle serves pair prices. UpdatePrice pushes an opaque feed payload
// upstream and returns the resulting quote; UpdateFee quotes the cost of
// submitting that payload so the caller can be charged before the update.
type PriceOracle interface {
	GetPrice(ctx context.Context, assetIn, assetOut string) (Price, error)
	UpdatePrice(ctx context.Context, assetIn, assetOut string, update []byte) (Price, error)
	UpdateFee(ctx context.Context, update []byte) (decimal.Decimal, error)
}
