package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/collatix/creditcore/internal/engine"
	"github.com/collatix/creditcore/internal/ledger"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestSnapshotRoundTripIntegration(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "creditcore"),
		getEnv("POSTGRES_PASSWORD", "creditcore"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "creditcore"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	defer pool.Close()

	store := New(pool, nil)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	account := uuid.New()
	consumer := uuid.New()

	snap := &Snapshot{
		Ledger: ledger.State{
			Balances: []ledger.Balance{{
				Account: account, Asset: "ETH",
				Available: decimal.NewFromInt(598), Reserved: decimal.NewFromInt(402),
				UpdatedAt: now,
			}},
			Reservations: []ledger.Reservation{{
				ID: 7, Consumer: consumer, Account: account, Asset: "ETH",
				FeeBps: 50, Gross: decimal.NewFromInt(402), Claimable: decimal.NewFromInt(400),
				CreatedAt: now, UpdatedAt: now,
			}},
			Allowances: []ledger.Allowance{{
				Account: account, Consumer: consumer, Asset: "ETH",
				Amount: decimal.NewFromInt(1000),
			}},
			NextReservationID: 8,
		},
		Engine: engine.State{
			Instruments: []engine.Instrument{{
				ID: 3, Creator: account, Beneficiary: consumer,
				CollateralAsset: "ETH", CreditedAsset: "USD",
				CollateralAmount: decimal.NewFromInt(400), CreditedAmount: decimal.NewFromInt(200),
				ReservationID:           7,
				LiquidationThresholdBps: 9000, LiquidatorIncentiveBps: 500,
				Status: engine.StatusActive, ExpiresAt: now.Add(24 * time.Hour),
				CreatedAt: now, UpdatedAt: now,
			}},
			Usage:            map[string]decimal.Decimal{"USD": decimal.NewFromInt(200)},
			NextInstrumentID: 4,
		},
		Pairs: map[engine.PairKey]engine.PairConfig{
			engine.NewPairKey("ETH", "USD"): {
				CreationThresholdBps:    5000,
				LiquidationThresholdBps: 9000,
				LiquidatorIncentiveBps:  500,
			},
		},
	}

	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Ledger.Balances) != 1 || !loaded.Ledger.Balances[0].Available.Equal(decimal.NewFromInt(598)) {
		t.Fatalf("balances wrong: %+v", loaded.Ledger.Balances)
	}
	if len(loaded.Ledger.Reservations) != 1 || loaded.Ledger.Reservations[0].ID != 7 {
		t.Fatalf("reservations wrong: %+v", loaded.Ledger.Reservations)
	}
	if loaded.Ledger.NextReservationID != 8 || loaded.Engine.NextInstrumentID != 4 {
		t.Fatalf("counters wrong: %d %d", loaded.Ledger.NextReservationID, loaded.Engine.NextInstrumentID)
	}
	if len(loaded.Engine.Instruments) != 1 || loaded.Engine.Instruments[0].Status != engine.StatusActive {
		t.Fatalf("instruments wrong: %+v", loaded.Engine.Instruments)
	}
	if !loaded.Engine.Usage["USD"].Equal(decimal.NewFromInt(200)) {
		t.Fatalf("usage wrong: %+v", loaded.Engine.Usage)
	}
	pair := loaded.Pairs[engine.NewPairKey("ETH", "USD")]
	if pair.CreationThresholdBps != 5000 || pair.LiquidatorIncentiveBps != 500 {
		t.Fatalf("pair config wrong: %+v", loaded.Pairs)
	}

	// Second save replaces, never appends.
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("second save: %v", err)
	}
	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if len(loaded.Ledger.Balances) != 1 {
		t.Fatalf("snapshot accumulated rows: %+v", loaded.Ledger.Balances)
	}
}
