package oracle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func payload(magnitude int64, exponent int32, publishTime time.Time, fee string) []byte {
	return []byte(fmt.Sprintf(`{"magnitude":%d,"exponent":%d,"publish_time":%d,"fee":"%s"}`,
		magnitude, exponent, publishTime.Unix(), fee))
}

func TestFeedStoresPushedQuote(t *testing.T) {
	f := NewFeed()
	ctx := context.Background()
	published := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := f.GetPrice(ctx, "ETH", "USD"); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}

	p, err := f.UpdatePrice(ctx, "ETH", "USD", payload(2500, -2, published, "0"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Magnitude != 2500 || p.Exponent != -2 || !p.PublishTime.Equal(published) {
		t.Fatalf("unexpected quote %+v", p)
	}

	got, err := f.GetPrice(ctx, "ETH", "USD")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != p {
		t.Fatalf("read back %+v, stored %+v", got, p)
	}
}

func TestFeedIgnoresOlderQuote(t *testing.T) {
	f := NewFeed()
	ctx := context.Background()
	newer := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	if _, err := f.UpdatePrice(ctx, "ETH", "USD", payload(3000, -2, newer, "0")); err != nil {
		t.Fatalf("update: %v", err)
	}
	held, err := f.UpdatePrice(ctx, "ETH", "USD", payload(1000, -2, older, "0"))
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if held.Magnitude != 3000 {
		t.Fatalf("older quote should not replace newer, got %+v", held)
	}
}

func TestFeedUpdateFee(t *testing.T) {
	f := NewFeed()
	ctx := context.Background()
	now := time.Now()

	fee, err := f.UpdateFee(ctx, payload(100, 0, now, "3"))
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if !fee.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected fee 3, got %s", fee)
	}

	if _, err := f.UpdateFee(ctx, payload(100, 0, now, "-1")); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload for negative fee, got %v", err)
	}
}

func TestFeedRejectsMalformedPayload(t *testing.T) {
	f := NewFeed()
	ctx := context.Background()

	if _, err := f.UpdatePrice(ctx, "ETH", "USD", []byte("not json")); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
	if _, err := f.UpdatePrice(ctx, "ETH", "USD", payload(0, 0, time.Now(), "0")); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload for zero magnitude, got %v", err)
	}
}
