package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrBadPayload = errors.New("malformed feed payload")

type pairKey struct {
	in  string
	out string
}

// feedPayload is the wire form of a pushed quote. Fee is what the feed
// charges for accepting the payload, quoted in the engine's oracle fee
// asset.
type feedPayload struct {
	Magnitude   int64           `json:"magnitude"`
	Exponent    int32           `json:"exponent"`
	PublishTime int64           `json:"publish_time"`
	Fee         decimal.Decimal `json:"fee"`
}

// Feed is a push-model price oracle. Callers deliver signed-at-source
// payloads through UpdatePrice; reads serve the last accepted quote per
// pair. It backs the Redis cache as the inner source in the service
// binary.
type Feed struct {
	mu     sync.RWMutex
	quotes map[pairKey]Price
}

func NewFeed() *Feed {
	return &Feed{quotes: make(map[pairKey]Price)}
}

func (f *Feed) GetPrice(ctx context.Context, assetIn, assetOut string) (Price, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.quotes[pairKey{in: assetIn, out: assetOut}]
	if !ok {
		return Price{}, ErrNoPrice
	}
	return p, nil
}

func (f *Feed) UpdatePrice(ctx context.Context, assetIn, assetOut string, update []byte) (Price, error) {
	payload, err := parsePayload(update)
	if err != nil {
		return Price{}, err
	}
	p := Price{
		Magnitude:   payload.Magnitude,
		Exponent:    payload.Exponent,
		PublishTime: unixTime(payload.PublishTime),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey{in: assetIn, out: assetOut}
	// Ignore quotes older than what we already hold.
	if held, ok := f.quotes[key]; ok && held.PublishTime.After(p.PublishTime) {
		return held, nil
	}
	f.quotes[key] = p
	return p, nil
}

func (f *Feed) UpdateFee(ctx context.Context, update []byte) (decimal.Decimal, error) {
	payload, err := parsePayload(update)
	if err != nil {
		return decimal.Zero, err
	}
	if payload.Fee.IsNegative() {
		return decimal.Zero, ErrBadPayload
	}
	return payload.Fee, nil
}

// Set seeds a quote directly, bypassing the payload path. Used by tests
// and local tooling.
func (f *Feed) Set(assetIn, assetOut string, p Price) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[pairKey{in: assetIn, out: assetOut}] = p
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func parsePayload(update []byte) (feedPayload, error) {
	var payload feedPayload
	if err := json.Unmarshal(update, &payload); err != nil {
		return feedPayload{}, ErrBadPayload
	}
	if payload.Magnitude <= 0 {
		return feedPayload{}, ErrBadPayload
	}
	return payload, nil
}
