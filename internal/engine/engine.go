// Package engine implements collateral-backed credit instruments on top of
// the collateral ledger. The engine is itself a ledger consumer: every
// instrument's collateral sits in a reservation owned by the engine's
// module account, and settlement moves value exclusively through ledger
// operations so the ledger's conservation invariants hold across every
// instrument lifecycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/collatix/creditcore/internal/authz"
	"github.com/collatix/creditcore/internal/ledger"
	"github.com/collatix/creditcore/internal/oracle"
	"github.com/collatix/creditcore/internal/pricing"
	"github.com/collatix/creditcore/libs/kafka"
)

type Engine struct {
	mu sync.Mutex

	account    uuid.UUID
	params     ParamSource
	ledger     *ledger.Ledger
	oracle     oracle.PriceOracle
	verifier   *authz.Verifier
	strategies map[string]LiquidationStrategy

	publisher kafka.Publisher
	topic     string

	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	instruments map[uint64]*Instrument
	usage       map[string]decimal.Decimal
	nextID      uint64
}

// New builds an engine operating the given module account. The account must
// be approved as a ledger consumer, and creators grant it allowances the
// same way they would any other consumer.
func New(account uuid.UUID, params ParamSource, led *ledger.Ledger, orc oracle.PriceOracle, verifier *authz.Verifier, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		account:     account,
		params:      params,
		ledger:      led,
		oracle:      orc,
		verifier:    verifier,
		strategies:  make(map[string]LiquidationStrategy),
		logger:      logger,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
		instruments: make(map[uint64]*Instrument),
		usage:       make(map[string]decimal.Decimal),
		nextID:      1,
	}
}

// RegisterStrategy adds a liquidation strategy under a name callers select
// at settlement time. Registration happens at configuration time; there is
// no runtime probing of collaborators.
func (e *Engine) RegisterStrategy(name string, s LiquidationStrategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[name] = s
}

// SetPublisher wires the lifecycle event sink.
func (e *Engine) SetPublisher(p kafka.Publisher, topic string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publisher = p
	e.topic = topic
}

// Account returns the engine's module account.
func (e *Engine) Account() uuid.UUID { return e.account }

// CreateStatic opens a same-asset instrument: amount of asset is reserved
// from the creator and becomes claimable by the beneficiary until expiry.
func (e *Engine) CreateStatic(ctx context.Context, creator, beneficiary uuid.UUID, asset string, amount decimal.Decimal, expiry time.Time) (out *Instrument, err error) {
	asset = ledger.NormalizeAsset(asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.metrics.observeOp("create_static", err) }()

	p := e.params.EngineParams()
	if err = e.checkExpiry(expiry, p); err != nil {
		return nil, err
	}
	if err = requireAmount(amount); err != nil {
		return nil, err
	}
	if err = e.checkLimits(asset, amount, p); err != nil {
		return nil, err
	}

	res, err := e.ledger.ReserveClaimable(e.account, creator, asset, amount)
	if err != nil {
		return nil, err
	}

	in := e.record(&Instrument{
		Creator:          creator,
		Beneficiary:      beneficiary,
		CollateralAsset:  asset,
		CreditedAsset:    asset,
		CollateralAmount: res.Claimable,
		CreditedAmount:   amount,
		ReservationID:    res.ID,
		Status:           StatusActive,
		ExpiresAt:        expiry.UTC(),
	})
	e.addUsage(asset, amount)

	e.logger.Info("instrument created",
		"instrument_id", in.ID, "creator", creator, "asset", asset, "amount", amount)
	copied := *in
	e.publish(ctx, EventCreated, &copied)
	return &copied, nil
}

// CreateDynamic opens a cross-asset instrument. The collateral factor at a
// fresh oracle price must satisfy the pair's creation threshold, and the
// pair's liquidation threshold and liquidator incentive are frozen onto the
// instrument.
func (e *Engine) CreateDynamic(ctx context.Context, creator, beneficiary uuid.UUID, collateralAsset string, collateralAmount decimal.Decimal, creditedAsset string, creditedAmount decimal.Decimal, expiry time.Time, update *PriceUpdate) (out *Instrument, err error) {
	collateralAsset = ledger.NormalizeAsset(collateralAsset)
	creditedAsset = ledger.NormalizeAsset(creditedAsset)
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.metrics.observeOp("create_dynamic", err) }()

	p := e.params.EngineParams()
	if err = e.checkExpiry(expiry, p); err != nil {
		return nil, err
	}
	if err = requireAmount(collateralAmount); err != nil {
		return nil, err
	}
	if err = requireAmount(creditedAmount); err != nil {
		return nil, err
	}
	cfg, ok := p.Pairs[PairKey{Collateral: collateralAsset, Credited: creditedAsset}]
	if !ok {
		return nil, ErrPairNotSupported
	}
	if err = e.checkLimits(creditedAsset, creditedAmount, p); err != nil {
		return nil, err
	}

	price, err := e.freshPrice(ctx, creator, collateralAsset, creditedAsset, update, p)
	if err != nil {
		return nil, err
	}
	ok, err = pricing.FactorAtMost(creditedAmount, collateralAmount, price, cfg.CreationThresholdBps)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCollateralFactor
	}

	res, err := e.ledger.ReserveClaimable(e.account, creator, collateralAsset, collateralAmount)
	if err != nil {
		return nil, err
	}

	in := e.record(&Instrument{
		Creator:                 creator,
		Beneficiary:             beneficiary,
		CollateralAsset:         collateralAsset,
		CreditedAsset:           creditedAsset,
		CollateralAmount:        res.Claimable,
		CreditedAmount:          creditedAmount,
		ReservationID:           res.ID,
		LiquidationThresholdBps: cfg.LiquidationThresholdBps,
		LiquidatorIncentiveBps:  cfg.LiquidatorIncentiveBps,
		Status:                  StatusActive,
		ExpiresAt:               expiry.UTC(),
	})
	e.addUsage(creditedAsset, creditedAmount)

	e.logger.Info("instrument created",
		"instrument_id", in.ID, "creator", creator,
		"collateral_asset", collateralAsset, "credited_asset", creditedAsset,
		"credited_amount", creditedAmount)
	copied := *in
	e.publish(ctx, EventCreated, &copied)
	return &copied, nil
}

// Extend pushes the expiry out. Creator only. For dynamic instruments the
// extension is refused if the pair's incentive has risen above the rate
// frozen on the instrument, so an extension can never dilute what the
// beneficiary would recover from a liquidation.
func (e *Engine) Extend(ctx context.Context, caller uuid.UUID, id uint64, newExpiry time.Time) (out *Instrument, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.metrics.observeOp("extend", err) }()

	in, ok := e.instruments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if caller != in.Creator {
		return nil, ErrUnauthorized
	}
	if in.Status == StatusConverted {
		return nil, ErrAlreadyConverted
	}
	now := e.now()
	if !now.Before(in.ExpiresAt) {
		return nil, ErrExpired
	}
	if !newExpiry.After(in.ExpiresAt) {
		return nil, ErrInvalidExpiry
	}
	p := e.params.EngineParams()
	if p.MaxDuration > 0 && newExpiry.Sub(now) > p.MaxDuration {
		return nil, ErrDurationExceeded
	}
	if in.Dynamic() {
		cfg, ok := p.Pairs[PairKey{Collateral: in.CollateralAsset, Credited: in.CreditedAsset}]
		if !ok {
			return nil, ErrPairNotSupported
		}
		if cfg.LiquidatorIncentiveBps > in.LiquidatorIncentiveBps {
			return nil, ErrIncentiveIncreased
		}
	}

	in.ExpiresAt = newExpiry.UTC()
	in.UpdatedAt = now
	copied := *in
	e.publish(ctx, EventExtended, &copied)
	return &copied, nil
}

// ModifyCollateral adjusts the gross reserved collateral by delta. Creator
// only, and only while the instrument is unconverted and unexpired. A
// decrease must leave the freshly priced collateral factor within the
// pair's creation threshold (for static instruments, leave claimable
// collateral covering the credited amount).
func (e *Engine) ModifyCollateral(ctx context.Context, caller uuid.UUID, id uint64, delta decimal.Decimal, update *PriceUpdate) (out *Instrument, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.metrics.observeOp("modify_collateral", err) }()

	in, ok := e.instruments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if caller != in.Creator {
		return nil, ErrUnauthorized
	}
	if in.Status == StatusConverted {
		return nil, ErrAlreadyConverted
	}
	now := e.now()
	if !now.Before(in.ExpiresAt) {
		return nil, ErrExpired
	}
	if delta.IsZero() {
		copied := *in
		return &copied, nil
	}

	res, ok := e.ledger.GetReservation(in.ReservationID)
	if !ok {
		return nil, ErrNotFound
	}

	if delta.Sign() < 0 {
		newGross := res.Gross.Add(delta)
		if newGross.Sign() <= 0 {
			return nil, ErrInsufficientCollateral
		}
		newClaimable, perr := pricing.AmountBeforeFee(newGross, res.FeeBps)
		if perr != nil {
			return nil, perr
		}
		if in.Dynamic() {
			p := e.params.EngineParams()
			cfg, ok := p.Pairs[PairKey{Collateral: in.CollateralAsset, Credited: in.CreditedAsset}]
			if !ok {
				return nil, ErrPairNotSupported
			}
			price, perr := e.freshPrice(ctx, caller, in.CollateralAsset, in.CreditedAsset, update, p)
			if perr != nil {
				return nil, perr
			}
			within, perr := pricing.FactorAtMost(in.CreditedAmount, newClaimable, price, cfg.CreationThresholdBps)
			if perr != nil {
				return nil, perr
			}
			if !within {
				return nil, ErrInvalidCollateralFactor
			}
		} else if newClaimable.LessThan(in.CreditedAmount) {
			return nil, ErrInvalidCollateralFactor
		}
	}

	modified, err := e.ledger.ModifyReservation(e.account, in.ReservationID, delta)
	if err != nil {
		return nil, err
	}

	in.CollateralAmount = modified.Claimable
	in.UpdatedAt = now
	copied := *in
	e.publish(ctx, EventCollateralModified, &copied)
	return &copied, nil
}

// Redeem pays amount of the credited asset to destination. The beneficiary
// calls directly, or anyone presents a single-use authorization signed by
// the beneficiary binding the instrument, amount, and destination. For
// dynamic instruments the collateral is first converted at a fresh price,
// sized to exactly the redeemed amount; the converting caller earns the
// frozen liquidator incentive. Partial redemption shrinks the instrument in
// place; full redemption closes it.
func (e *Engine) Redeem(ctx context.Context, caller uuid.UUID, id uint64, amount decimal.Decimal, destination uuid.UUID, strategyName string, strategyParams []byte, update *PriceUpdate, beneficiaryAuth string) (out *Instrument, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.metrics.observeOp("redeem", err) }()

	in, ok := e.instruments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if in.Status == StatusConverted {
		return nil, ErrAlreadyConverted
	}
	now := e.now()
	if !now.Before(in.ExpiresAt) {
		return nil, ErrExpired
	}
	if err = requireAmount(amount); err != nil {
		return nil, err
	}
	if amount.GreaterThan(in.CreditedAmount) {
		return nil, ErrInsufficientCollateral
	}
	// The sequence number is checked up front but retired only after
	// settlement commits, so a failed attempt never burns the
	// authorization.
	var authBind map[string]string
	if caller != in.Beneficiary {
		authBind = map[string]string{
			"instrument":  fmt.Sprintf("%d", id),
			"amount":      amount.String(),
			"destination": destination.String(),
		}
		if err = e.checkAuth(beneficiaryAuth, in.Beneficiary, authz.OpRedeem, authBind); err != nil {
			return nil, err
		}
	}

	full := amount.Equal(in.CreditedAmount)

	if !in.Dynamic() {
		if _, err = e.ledger.Claim(e.account, in.ReservationID, amount, destination, full); err != nil {
			return nil, err
		}
	} else {
		p := e.params.EngineParams()
		price, perr := e.freshPrice(ctx, caller, in.CollateralAsset, in.CreditedAsset, update, p)
		if perr != nil {
			return nil, perr
		}
		res, ok := e.ledger.GetReservation(in.ReservationID)
		if !ok {
			return nil, ErrNotFound
		}
		needed, perr := pricing.CollateralForCredit(amount, price)
		if perr != nil {
			return nil, perr
		}
		incentive, perr := pricing.Proportion(decimal.NewFromInt(pricing.MaxFeeBps), needed, decimal.NewFromInt(in.LiquidatorIncentiveBps))
		if perr != nil {
			return nil, perr
		}
		if needed.Add(incentive).GreaterThan(res.Claimable) {
			return nil, ErrInsufficientCollateral
		}
		if err = e.settleConversion(ctx, caller, in, destination, amount, needed, incentive, strategyName, strategyParams, full); err != nil {
			return nil, err
		}
	}
	if authBind != nil {
		if err = e.consumeAuth(beneficiaryAuth, in.Beneficiary, authz.OpRedeem, authBind); err != nil {
			return nil, err
		}
	}

	e.addUsage(in.CreditedAsset, amount.Neg())
	in.CreditedAmount = in.CreditedAmount.Sub(amount)
	in.UpdatedAt = now
	if full {
		in.Status = StatusClosed
		e.drop(id)
	} else {
		in.Status = StatusPartiallySettled
		if res, ok := e.ledger.GetReservation(in.ReservationID); ok {
			in.CollateralAmount = res.Claimable
		}
	}

	e.logger.Info("instrument redeemed",
		"instrument_id", id, "amount", amount, "full", full)
	copied := *in
	e.publish(ctx, EventRedeemed, &copied)
	if full {
		return nil, nil
	}
	return &copied, nil
}

// Cancel releases the remaining collateral to the creator and closes the
// instrument. The beneficiary may cancel at any time, an authorized party
// with a beneficiary-signed token likewise; once expired, anyone may.
func (e *Engine) Cancel(ctx context.Context, caller uuid.UUID, id uint64, beneficiaryAuth string) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.metrics.observeOp("cancel", err) }()

	in, ok := e.instruments[id]
	if !ok {
		return ErrNotFound
	}
	now := e.now()
	expired := !now.Before(in.ExpiresAt)
	var authBind map[string]string
	if !expired && caller != in.Beneficiary {
		authBind = map[string]string{"instrument": fmt.Sprintf("%d", id)}
		if err = e.checkAuth(beneficiaryAuth, in.Beneficiary, authz.OpCancel, authBind); err != nil {
			return err
		}
	}

	if _, ok := e.ledger.GetReservation(in.ReservationID); ok {
		if _, err = e.ledger.ReleaseAll(e.account, in.ReservationID); err != nil {
			return err
		}
	}
	if authBind != nil {
		if err = e.consumeAuth(beneficiaryAuth, in.Beneficiary, authz.OpCancel, authBind); err != nil {
			return err
		}
	}

	e.addUsage(in.CreditedAsset, in.CreditedAmount.Neg())
	in.CreditedAmount = decimal.Zero
	in.CollateralAmount = decimal.Zero
	in.Status = StatusClosed
	in.UpdatedAt = now
	copied := *in
	e.drop(id)

	e.logger.Info("instrument canceled", "instrument_id", id, "expired", expired)
	e.publish(ctx, EventCanceled, &copied)
	return nil
}

// ConvertOrLiquidate settles the whole remaining credited amount out of the
// collateral at a fresh price. Anyone may call once the instrument is
// unhealthy (collateral factor at or past the frozen liquidation
// threshold); below it, only the creator or a holder of a creator-signed
// authorization. The caller earns the frozen incentive, capped by what the
// reservation can still yield. If even the entire claimable collateral
// cannot cover the credited amount, the beneficiary receives the best
// achievable amount, the incentive is paid first, and the instrument is
// retired flagged unhealthy.
func (e *Engine) ConvertOrLiquidate(ctx context.Context, caller uuid.UUID, id uint64, strategyName string, strategyParams []byte, update *PriceUpdate, creatorAuth string) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.metrics.observeOp("convert_or_liquidate", err) }()

	in, ok := e.instruments[id]
	if !ok {
		return ErrNotFound
	}
	if !in.Dynamic() {
		return ErrNotLiquidatable
	}
	if in.Status == StatusConverted {
		return ErrAlreadyConverted
	}

	p := e.params.EngineParams()
	price, err := e.freshPrice(ctx, caller, in.CollateralAsset, in.CreditedAsset, update, p)
	if err != nil {
		return err
	}
	res, ok := e.ledger.GetReservation(in.ReservationID)
	if !ok {
		return ErrNotFound
	}

	unhealthy, err := pricing.FactorAtLeast(in.CreditedAmount, res.Claimable, price, in.LiquidationThresholdBps)
	if err != nil {
		return err
	}
	// Checked here, retired only once the settlement has committed.
	var authBind map[string]string
	if !unhealthy && caller != in.Creator {
		authBind = map[string]string{"instrument": fmt.Sprintf("%d", id)}
		if err = e.checkAuth(creatorAuth, in.Creator, authz.OpConvert, authBind); err != nil {
			return err
		}
	}

	needed, err := pricing.CollateralForCredit(in.CreditedAmount, price)
	if err != nil {
		return err
	}
	bps := decimal.NewFromInt(pricing.MaxFeeBps)
	incentiveRate := decimal.NewFromInt(in.LiquidatorIncentiveBps)

	creditedOut := in.CreditedAmount
	collateralUsed := needed
	insolvent := needed.GreaterThan(res.Claimable)

	if insolvent {
		// Even the full claimable cannot size the conversion. Pay the
		// incentive out of what exists, convert the rest, and deliver
		// whatever that yields.
		incentive, perr := pricing.Proportion(bps, res.Claimable, incentiveRate)
		if perr != nil {
			return perr
		}
		collateralUsed = res.Claimable.Sub(incentive)
		creditedOut, perr = pricing.CreditedValue(collateralUsed, price)
		if perr != nil {
			return perr
		}
		if creditedOut.Sign() <= 0 {
			in.Unhealthy = true
			in.UpdatedAt = e.now()
			e.metrics.observeLiquidation("unfillable")
			copied := *in
			e.publish(ctx, EventMarkedUnhealthy, &copied)
			return ErrInsufficientCollateral
		}
		if err = e.settleConversion(ctx, caller, in, in.Beneficiary, creditedOut, collateralUsed, incentive, strategyName, strategyParams, true); err != nil {
			return err
		}
	} else {
		incentive, perr := pricing.Proportion(bps, needed, incentiveRate)
		if perr != nil {
			return perr
		}
		// The incentive never digs past the claimable ceiling.
		if headroom := res.Claimable.Sub(needed); incentive.GreaterThan(headroom) {
			incentive = headroom
		}
		if err = e.settleConversion(ctx, caller, in, in.Beneficiary, creditedOut, collateralUsed, incentive, strategyName, strategyParams, true); err != nil {
			return err
		}
	}
	if authBind != nil {
		if err = e.consumeAuth(creatorAuth, in.Creator, authz.OpConvert, authBind); err != nil {
			return err
		}
	}

	e.addUsage(in.CreditedAsset, in.CreditedAmount.Neg())
	in.CreditedAmount = decimal.Zero
	in.CollateralAmount = decimal.Zero
	in.Status = StatusConverted
	in.Unhealthy = insolvent
	in.UpdatedAt = e.now()
	copied := *in
	e.drop(id)

	outcome := "converted"
	if insolvent {
		outcome = "insolvent"
		e.publish(ctx, EventMarkedUnhealthy, &copied)
	}
	e.metrics.observeLiquidation(outcome)
	e.logger.Info("instrument liquidated",
		"instrument_id", id, "caller", caller, "credited_out", creditedOut, "insolvent", insolvent)
	e.publish(ctx, EventLiquidated, &copied)
	return nil
}

// settleConversion moves creditedOut of the credited asset to recipient and
// pays collateral plus incentive out of the instrument's reservation. The
// whole settlement runs in one ledger execution span: a failure anywhere
// rolls back only the span's own effects, and nothing else can commit
// while it is open.
//
// With a registered strategy the collateral slice is claimed onto the
// strategy's account first, the strategy converts it, and the engine
// verifies its own credited balance grew by exactly creditedOut before
// forwarding. With no strategy the caller funds creditedOut directly and
// takes the collateral plus incentive.
func (e *Engine) settleConversion(ctx context.Context, caller uuid.UUID, in *Instrument, recipient uuid.UUID, creditedOut, collateralUsed, incentive decimal.Decimal, strategyName string, strategyParams []byte, releaseRemainder bool) error {
	if strategyName == "" {
		return e.ledger.Atomic(func(tx *ledger.Tx) error {
			if err := tx.Transfer(caller, recipient, in.CreditedAsset, creditedOut); err != nil {
				return err
			}
			payout := collateralUsed.Add(incentive)
			_, err := tx.Claim(e.account, in.ReservationID, payout, caller, releaseRemainder)
			return err
		})
	}

	s, ok := e.strategies[strategyName]
	if !ok {
		return ErrUnknownStrategy
	}

	return e.ledger.Atomic(func(tx *ledger.Tx) error {
		if _, err := tx.Claim(e.account, in.ReservationID, collateralUsed, s.Account(), false); err != nil {
			return err
		}
		before := tx.Balance(e.account, in.CreditedAsset).Available

		if err := s.Liquidate(ctx, tx, caller, in.CollateralAsset, collateralUsed, in.CreditedAsset, creditedOut, strategyParams); err != nil {
			return fmt.Errorf("liquidation strategy %q: %w", strategyName, err)
		}

		delivered := tx.Balance(e.account, in.CreditedAsset).Available.Sub(before)
		if !delivered.Equal(creditedOut) {
			e.logger.Warn("strategy delivery mismatch",
				"strategy", strategyName, "expected", creditedOut, "delivered", delivered)
			return ErrStrategyMismatch
		}

		if err := tx.Transfer(e.account, recipient, in.CreditedAsset, creditedOut); err != nil {
			return err
		}
		if incentive.Sign() > 0 {
			_, err := tx.Claim(e.account, in.ReservationID, incentive, caller, releaseRemainder)
			return err
		}
		if releaseRemainder {
			if _, ok := tx.Reservation(in.ReservationID); ok {
				_, err := tx.ReleaseAll(e.account, in.ReservationID)
				return err
			}
		}
		return nil
	})
}

// Get returns a copy of a live instrument.
func (e *Engine) Get(id uint64) (Instrument, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.instruments[id]
	if !ok {
		return Instrument{}, false
	}
	return *in, true
}

// UsageFor returns the credited-asset amount currently backing live
// instruments.
func (e *Engine) UsageFor(asset string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.usage[ledger.NormalizeAsset(asset)]
	if !ok {
		return decimal.Zero
	}
	return u
}

func (e *Engine) freshPrice(ctx context.Context, payer uuid.UUID, assetIn, assetOut string, update *PriceUpdate, p Params) (decimal.Decimal, error) {
	if e.oracle == nil {
		return decimal.Zero, ErrNoOracle
	}

	var (
		quote oracle.Price
		err   error
	)
	if update != nil && len(update.Data) > 0 {
		fee, ferr := e.oracle.UpdateFee(ctx, update.Data)
		if ferr != nil {
			return decimal.Zero, fmt.Errorf("quoting oracle update fee: %w", ferr)
		}
		if fee.Sign() > 0 {
			// Charge exactly the quoted fee. Anything the caller was
			// willing to pay above it is never debited, so there is no
			// refund to strand.
			if fee.GreaterThan(update.FeeLimit) {
				return decimal.Zero, ErrOracleFeeTooHigh
			}
			if terr := e.ledger.Transfer(payer, p.OracleFeeCollector, p.OracleFeeAsset, fee); terr != nil {
				return decimal.Zero, terr
			}
		}
		quote, err = e.oracle.UpdatePrice(ctx, assetIn, assetOut, update.Data)
	} else {
		quote, err = e.oracle.GetPrice(ctx, assetIn, assetOut)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching price %s/%s: %w", assetIn, assetOut, err)
	}

	if p.MaxPriceAge > 0 && e.now().Sub(quote.PublishTime) > p.MaxPriceAge {
		return decimal.Zero, ErrStalePrice
	}
	return pricing.PriceDecimal(quote.Magnitude, quote.Exponent)
}

func (e *Engine) checkAuth(token string, account uuid.UUID, op authz.Operation, bind map[string]string) error {
	if e.verifier == nil || token == "" {
		return ErrUnauthorized
	}
	_, err := e.verifier.Check(token, account, op, bind)
	return err
}

func (e *Engine) consumeAuth(token string, account uuid.UUID, op authz.Operation, bind map[string]string) error {
	if e.verifier == nil || token == "" {
		return ErrUnauthorized
	}
	return e.verifier.Consume(token, account, op, bind)
}

func (e *Engine) checkExpiry(expiry time.Time, p Params) error {
	now := e.now()
	if !expiry.After(now) {
		return ErrExpired
	}
	if p.MaxDuration > 0 && expiry.Sub(now) > p.MaxDuration {
		return ErrDurationExceeded
	}
	return nil
}

func (e *Engine) checkLimits(asset string, amount decimal.Decimal, p Params) error {
	limits, ok := p.Limits[asset]
	if !ok {
		return nil
	}
	if limits.MinPerInstrument.Sign() > 0 && amount.LessThan(limits.MinPerInstrument) {
		return ErrBelowMinimum
	}
	if limits.MaxPerInstrument.Sign() > 0 && amount.GreaterThan(limits.MaxPerInstrument) {
		return ErrAboveMaximum
	}
	if limits.GlobalCap.Sign() > 0 {
		inUse, ok := e.usage[asset]
		if !ok {
			inUse = decimal.Zero
		}
		if inUse.Add(amount).GreaterThan(limits.GlobalCap) {
			return ErrAboveMaximum
		}
	}
	return nil
}

func (e *Engine) record(in *Instrument) *Instrument {
	now := e.now()
	in.ID = e.nextID
	e.nextID++
	in.CreatedAt = now
	in.UpdatedAt = now
	e.instruments[in.ID] = in
	e.metrics.setOpenInstruments(len(e.instruments))
	return in
}

func (e *Engine) drop(id uint64) {
	delete(e.instruments, id)
	e.metrics.setOpenInstruments(len(e.instruments))
}

func (e *Engine) addUsage(asset string, delta decimal.Decimal) {
	next := decimal.Zero
	if u, ok := e.usage[asset]; ok {
		next = u
	}
	next = next.Add(delta)
	if next.Sign() <= 0 {
		delete(e.usage, asset)
		next = decimal.Zero
	} else {
		e.usage[asset] = next
	}
	e.metrics.setCreditedInUse(asset, next)
}

func requireAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 || !amount.IsInteger() {
		return ErrAmountTooSmall
	}
	return nil
}
