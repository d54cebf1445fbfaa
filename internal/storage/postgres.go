// Package storage persists snapshots of the in-memory ledger and engine to
// Postgres. The in-memory state stays authoritative; snapshots are written
// behind on an interval and at shutdown, and loaded once at boot.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/collatix/creditcore/internal/engine"
	"github.com/collatix/creditcore/internal/ledger"
)

const (
	counterReservation = "next_reservation_id"
	counterInstrument  = "next_instrument_id"
)

// Snapshot bundles the two components' exported state plus the asset-pair
// table, so governance changes applied through the admin surface survive a
// restart.
type Snapshot struct {
	Ledger ledger.State
	Engine engine.State
	Pairs  map[engine.PairKey]engine.PairConfig
}

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS account_balances (
		account    UUID        NOT NULL,
		asset      TEXT        NOT NULL,
		available  NUMERIC     NOT NULL,
		reserved   NUMERIC     NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (account, asset)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id         BIGINT      PRIMARY KEY,
		consumer   UUID        NOT NULL,
		account    UUID        NOT NULL,
		asset      TEXT        NOT NULL,
		fee_bps    BIGINT      NOT NULL,
		gross      NUMERIC     NOT NULL,
		claimable  NUMERIC     NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS allowances (
		account  UUID    NOT NULL,
		consumer UUID    NOT NULL,
		asset    TEXT    NOT NULL,
		amount   NUMERIC NOT NULL,
		PRIMARY KEY (account, consumer, asset)
	)`,
	`CREATE TABLE IF NOT EXISTS instruments (
		id                        BIGINT      PRIMARY KEY,
		creator                   UUID        NOT NULL,
		beneficiary               UUID        NOT NULL,
		collateral_asset          TEXT        NOT NULL,
		credited_asset            TEXT        NOT NULL,
		collateral_amount         NUMERIC     NOT NULL,
		credited_amount           NUMERIC     NOT NULL,
		reservation_id            BIGINT      NOT NULL,
		liquidation_threshold_bps BIGINT      NOT NULL,
		liquidator_incentive_bps  BIGINT      NOT NULL,
		status                    TEXT        NOT NULL,
		unhealthy                 BOOLEAN     NOT NULL,
		expires_at                TIMESTAMPTZ NOT NULL,
		created_at                TIMESTAMPTZ NOT NULL,
		updated_at                TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS asset_pair_configs (
		collateral_asset          TEXT   NOT NULL,
		credited_asset            TEXT   NOT NULL,
		creation_threshold_bps    BIGINT NOT NULL,
		liquidation_threshold_bps BIGINT NOT NULL,
		liquidator_incentive_bps  BIGINT NOT NULL,
		PRIMARY KEY (collateral_asset, credited_asset)
	)`,
	`CREATE TABLE IF NOT EXISTS credited_usage (
		asset  TEXT    PRIMARY KEY,
		amount NUMERIC NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS counters (
		name  TEXT   PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
}

// Migrate applies the snapshot schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SaveSnapshot replaces the persisted snapshot in a single transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, table := range []string{"account_balances", "reservations", "allowances", "instruments", "asset_pair_configs", "credited_usage", "counters"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
			return err
		}
	}

	for _, bal := range snap.Ledger.Balances {
		if _, err := tx.Exec(ctx, `
			INSERT INTO account_balances (account, asset, available, reserved, updated_at)
			VALUES ($1, $2, $3, $4, $5)
		`, bal.Account, bal.Asset, bal.Available.String(), bal.Reserved.String(), bal.UpdatedAt); err != nil {
			return err
		}
	}
	for _, res := range snap.Ledger.Reservations {
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations (id, consumer, account, asset, fee_bps, gross, claimable, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, int64(res.ID), res.Consumer, res.Account, res.Asset, res.FeeBps,
			res.Gross.String(), res.Claimable.String(), res.CreatedAt, res.UpdatedAt); err != nil {
			return err
		}
	}
	for _, al := range snap.Ledger.Allowances {
		if _, err := tx.Exec(ctx, `
			INSERT INTO allowances (account, consumer, asset, amount)
			VALUES ($1, $2, $3, $4)
		`, al.Account, al.Consumer, al.Asset, al.Amount.String()); err != nil {
			return err
		}
	}
	for _, in := range snap.Engine.Instruments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO instruments (id, creator, beneficiary, collateral_asset, credited_asset,
				collateral_amount, credited_amount, reservation_id,
				liquidation_threshold_bps, liquidator_incentive_bps,
				status, unhealthy, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, int64(in.ID), in.Creator, in.Beneficiary, in.CollateralAsset, in.CreditedAsset,
			in.CollateralAmount.String(), in.CreditedAmount.String(), int64(in.ReservationID),
			in.LiquidationThresholdBps, in.LiquidatorIncentiveBps,
			string(in.Status), in.Unhealthy, in.ExpiresAt, in.CreatedAt, in.UpdatedAt); err != nil {
			return err
		}
	}
	for key, cfg := range snap.Pairs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO asset_pair_configs (collateral_asset, credited_asset,
				creation_threshold_bps, liquidation_threshold_bps, liquidator_incentive_bps)
			VALUES ($1, $2, $3, $4, $5)
		`, key.Collateral, key.Credited,
			cfg.CreationThresholdBps, cfg.LiquidationThresholdBps, cfg.LiquidatorIncentiveBps); err != nil {
			return err
		}
	}
	for asset, amount := range snap.Engine.Usage {
		if _, err := tx.Exec(ctx, `
			INSERT INTO credited_usage (asset, amount) VALUES ($1, $2)
		`, asset, amount.String()); err != nil {
			return err
		}
	}
	for name, value := range map[string]uint64{
		counterReservation: snap.Ledger.NextReservationID,
		counterInstrument:  snap.Engine.NextInstrumentID,
	} {
		if _, err := tx.Exec(ctx, `
			INSERT INTO counters (name, value) VALUES ($1, $2)
		`, name, int64(value)); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Load reads the persisted snapshot. A fresh database yields an empty
// snapshot, not an error.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	rows, err := s.pool.Query(ctx, `
		SELECT account, asset, available::text, reserved::text, updated_at
		FROM account_balances
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var bal ledger.Balance
		var availableStr, reservedStr string
		if err := rows.Scan(&bal.Account, &bal.Asset, &availableStr, &reservedStr, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		if bal.Available, err = decimal.NewFromString(availableStr); err != nil {
			return nil, fmt.Errorf("parse available: %w", err)
		}
		if bal.Reserved, err = decimal.NewFromString(reservedStr); err != nil {
			return nil, fmt.Errorf("parse reserved: %w", err)
		}
		snap.Ledger.Balances = append(snap.Ledger.Balances, bal)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	resRows, err := s.pool.Query(ctx, `
		SELECT id, consumer, account, asset, fee_bps, gross::text, claimable::text, created_at, updated_at
		FROM reservations
	`)
	if err != nil {
		return nil, err
	}
	defer resRows.Close()
	for resRows.Next() {
		var res ledger.Reservation
		var id int64
		var grossStr, claimableStr string
		if err := resRows.Scan(&id, &res.Consumer, &res.Account, &res.Asset, &res.FeeBps, &grossStr, &claimableStr, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, err
		}
		res.ID = uint64(id)
		if res.Gross, err = decimal.NewFromString(grossStr); err != nil {
			return nil, fmt.Errorf("parse gross: %w", err)
		}
		if res.Claimable, err = decimal.NewFromString(claimableStr); err != nil {
			return nil, fmt.Errorf("parse claimable: %w", err)
		}
		snap.Ledger.Reservations = append(snap.Ledger.Reservations, res)
	}
	if resRows.Err() != nil {
		return nil, resRows.Err()
	}

	alRows, err := s.pool.Query(ctx, `
		SELECT account, consumer, asset, amount::text FROM allowances
	`)
	if err != nil {
		return nil, err
	}
	defer alRows.Close()
	for alRows.Next() {
		var al ledger.Allowance
		var amountStr string
		if err := alRows.Scan(&al.Account, &al.Consumer, &al.Asset, &amountStr); err != nil {
			return nil, err
		}
		if al.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse allowance: %w", err)
		}
		snap.Ledger.Allowances = append(snap.Ledger.Allowances, al)
	}
	if alRows.Err() != nil {
		return nil, alRows.Err()
	}

	inRows, err := s.pool.Query(ctx, `
		SELECT id, creator, beneficiary, collateral_asset, credited_asset,
			collateral_amount::text, credited_amount::text, reservation_id,
			liquidation_threshold_bps, liquidator_incentive_bps,
			status, unhealthy, expires_at, created_at, updated_at
		FROM instruments
	`)
	if err != nil {
		return nil, err
	}
	defer inRows.Close()
	for inRows.Next() {
		var in engine.Instrument
		var id, reservationID int64
		var collateralStr, creditedStr, statusStr string
		if err := inRows.Scan(&id, &in.Creator, &in.Beneficiary, &in.CollateralAsset, &in.CreditedAsset,
			&collateralStr, &creditedStr, &reservationID,
			&in.LiquidationThresholdBps, &in.LiquidatorIncentiveBps,
			&statusStr, &in.Unhealthy, &in.ExpiresAt, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		in.ID = uint64(id)
		in.ReservationID = uint64(reservationID)
		in.Status = engine.Status(statusStr)
		if in.CollateralAmount, err = decimal.NewFromString(collateralStr); err != nil {
			return nil, fmt.Errorf("parse collateral amount: %w", err)
		}
		if in.CreditedAmount, err = decimal.NewFromString(creditedStr); err != nil {
			return nil, fmt.Errorf("parse credited amount: %w", err)
		}
		snap.Engine.Instruments = append(snap.Engine.Instruments, in)
	}
	if inRows.Err() != nil {
		return nil, inRows.Err()
	}

	snap.Pairs = map[engine.PairKey]engine.PairConfig{}
	pairRows, err := s.pool.Query(ctx, `
		SELECT collateral_asset, credited_asset,
			creation_threshold_bps, liquidation_threshold_bps, liquidator_incentive_bps
		FROM asset_pair_configs
	`)
	if err != nil {
		return nil, err
	}
	defer pairRows.Close()
	for pairRows.Next() {
		var key engine.PairKey
		var cfg engine.PairConfig
		if err := pairRows.Scan(&key.Collateral, &key.Credited,
			&cfg.CreationThresholdBps, &cfg.LiquidationThresholdBps, &cfg.LiquidatorIncentiveBps); err != nil {
			return nil, err
		}
		snap.Pairs[key] = cfg
	}
	if pairRows.Err() != nil {
		return nil, pairRows.Err()
	}

	snap.Engine.Usage = map[string]decimal.Decimal{}
	usageRows, err := s.pool.Query(ctx, `SELECT asset, amount::text FROM credited_usage`)
	if err != nil {
		return nil, err
	}
	defer usageRows.Close()
	for usageRows.Next() {
		var asset, amountStr string
		if err := usageRows.Scan(&asset, &amountStr); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse usage: %w", err)
		}
		snap.Engine.Usage[asset] = amount
	}
	if usageRows.Err() != nil {
		return nil, usageRows.Err()
	}

	if snap.Ledger.NextReservationID, err = s.counter(ctx, counterReservation); err != nil {
		return nil, err
	}
	if snap.Engine.NextInstrumentID, err = s.counter(ctx, counterInstrument); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) counter(ctx context.Context, name string) (uint64, error) {
	var value int64
	err := s.pool.QueryRow(ctx, `SELECT value FROM counters WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(value), nil
}
