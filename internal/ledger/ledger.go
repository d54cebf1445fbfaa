// Package ledger implements the shared collateral ledger: per-(account,
// asset) available/reserved balances, single-consumer reservations with a
// frozen fee rate, and cross-consumer allowances. Every operation runs
// under one execution lock and validates all preconditions before touching
// state, so a failed call leaves no partial effects.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/collatix/creditcore/internal/authz"
	"github.com/collatix/creditcore/internal/pricing"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxAllowance is the clamp ceiling for allowance adjustments.
var maxAllowance = decimal.New(1, 38)

type Ledger struct {
	mu                sync.Mutex
	balances          map[balanceKey]*Balance
	reservations      map[uint64]*Reservation
	allowances        map[allowanceKey]decimal.Decimal
	nextReservationID uint64

	params   ParamSource
	verifier *authz.Verifier
	logger   *slog.Logger
	metrics  *Metrics
}

func New(params ParamSource, verifier *authz.Verifier, logger *slog.Logger, metrics *Metrics) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		balances:          make(map[balanceKey]*Balance),
		reservations:      make(map[uint64]*Reservation),
		allowances:        make(map[allowanceKey]decimal.Decimal),
		nextReservationID: 1,
		params:            params,
		verifier:          verifier,
		logger:            logger,
		metrics:           metrics,
	}
}

// Deposit credits an account's available balance, enforcing the per-account
// balance cap for the asset.
func (l *Ledger) Deposit(account uuid.UUID, asset string, amount decimal.Decimal) (Balance, error) {
	asset = NormalizeAsset(asset)
	l.mu.Lock()
	defer l.mu.Unlock()

	err := func() error {
		if err := requirePositiveIntegral(amount); err != nil {
			return err
		}
		params := l.params.LedgerParams()
		cfg, ok := params.asset(asset)
		if !ok || !cfg.Enabled {
			return ErrAssetDisabled
		}
		bal := l.balance(account, asset)
		if cfg.AccountCap.Sign() > 0 {
			total := bal.Available.Add(bal.Reserved).Add(amount)
			if total.GreaterThan(cfg.AccountCap) {
				return ErrBalanceCapExceeded
			}
		}
		l.credit(account, asset, amount)
		return nil
	}()
	l.metrics.observeOp("deposit", err)
	if err != nil {
		return Balance{}, err
	}
	return l.balance(account, asset), nil
}

// Withdraw moves funds out of an account's available balance. The
// destination receives the amount net of the current global fee; the fee
// goes to the fee collector.
func (l *Ledger) Withdraw(account uuid.UUID, asset string, amount decimal.Decimal, destination uuid.UUID) (received decimal.Decimal, err error) {
	asset = NormalizeAsset(asset)
	l.mu.Lock()
	defer l.mu.Unlock()

	defer func() { l.metrics.observeOp("withdraw", err) }()

	if err = requirePositiveIntegral(amount); err != nil {
		return decimal.Zero, err
	}
	params := l.params.LedgerParams()
	bal := l.balance(account, asset)
	if bal.Available.LessThan(amount) {
		return decimal.Zero, ErrInsufficientFunds
	}
	fee, ferr := feePortion(amount, params.FeeBps)
	if ferr != nil {
		return decimal.Zero, ferr
	}
	received = amount.Sub(fee)

	l.debitAvailable(account, asset, amount)
	l.credit(destination, asset, received)
	l.payFee(params.FeeCollector, asset, fee)
	return received, nil
}

// Transfer moves available funds between accounts with no fee. Used by
// consumers settling obligations inside the ledger.
func (l *Ledger) Transfer(from, to uuid.UUID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.transfer(from, to, NormalizeAsset(asset), amount)
	l.metrics.observeOp("transfer", err)
	return err
}

func (l *Ledger) transfer(from, to uuid.UUID, asset string, amount decimal.Decimal) error {
	if err := requirePositiveIntegral(amount); err != nil {
		return err
	}
	bal := l.balance(from, asset)
	if bal.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	l.debitAvailable(from, asset, amount)
	l.credit(to, asset, amount)
	return nil
}

// Reserve locks a gross amount for the consumer. The claimable amount is
// derived from the global fee rate, which is frozen onto the reservation.
func (l *Ledger) Reserve(consumer, account uuid.UUID, asset string, gross decimal.Decimal) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.reserve(consumer, account, NormalizeAsset(asset), gross, false)
	l.metrics.observeOp("reserve", err)
	return res, err
}

// ReserveClaimable locks however much gross collateral is needed so that
// the given amount remains claimable after the frozen fee.
func (l *Ledger) ReserveClaimable(consumer, account uuid.UUID, asset string, claimable decimal.Decimal) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.reserve(consumer, account, NormalizeAsset(asset), claimable, true)
	l.metrics.observeOp("reserve_claimable", err)
	return res, err
}

func (l *Ledger) reserve(consumer, account uuid.UUID, asset string, amount decimal.Decimal, amountIsClaimable bool) (*Reservation, error) {
	if err := requirePositiveIntegral(amount); err != nil {
		return nil, err
	}
	params := l.params.LedgerParams()
	cfg, ok := params.asset(asset)
	if !ok || !cfg.Enabled {
		return nil, ErrAssetDisabled
	}
	if consumer != account && !params.consumerApproved(consumer) {
		return nil, ErrConsumerNotApproved
	}

	var gross, claimable decimal.Decimal
	var err error
	if amountIsClaimable {
		claimable = amount
		gross, err = pricing.AmountWithFee(amount, params.FeeBps)
	} else {
		gross = amount
		claimable, err = pricing.AmountBeforeFee(amount, params.FeeBps)
	}
	if err != nil {
		return nil, err
	}
	if claimable.Sign() <= 0 {
		return nil, ErrAmountTooSmall
	}

	if consumer != account {
		if l.allowance(account, consumer, asset).LessThan(gross) {
			return nil, ErrInsufficientAllowance
		}
	}
	bal := l.balance(account, asset)
	if bal.Available.LessThan(gross) {
		return nil, ErrInsufficientFunds
	}

	l.debitAvailable(account, asset, gross)
	l.creditReserved(account, asset, gross)
	if consumer != account {
		l.setAllowance(account, consumer, asset, l.allowance(account, consumer, asset).Sub(gross))
	}

	now := time.Now().UTC()
	res := &Reservation{
		ID:        l.nextReservationID,
		Consumer:  consumer,
		Account:   account,
		Asset:     asset,
		FeeBps:    params.FeeBps,
		Gross:     gross,
		Claimable: claimable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.nextReservationID++
	l.reservations[res.ID] = res
	l.metrics.setOpenReservations(len(l.reservations))
	out := *res
	return &out, nil
}

// ModifyReservation grows or shrinks a reservation's gross amount by delta
// and recomputes the claimable amount at the frozen fee rate. A zero delta
// is a no-op. Shrinking to the point where nothing would remain claimable
// fails with ErrClaimableZero; use Claim or ReleaseAll instead.
func (l *Ledger) ModifyReservation(consumer uuid.UUID, id uint64, delta decimal.Decimal) (out *Reservation, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.metrics.observeOp("modify_reservation", err) }()

	res, ok := l.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if res.Consumer != consumer {
		return nil, ErrUnauthorized
	}
	if delta.IsZero() {
		copied := *res
		return &copied, nil
	}
	if !delta.IsInteger() {
		return nil, ErrInvalidAmount
	}

	newGross := res.Gross.Add(delta)
	if newGross.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	newClaimable, cerr := pricing.AmountBeforeFee(newGross, res.FeeBps)
	if cerr != nil {
		return nil, cerr
	}
	if newClaimable.Sign() <= 0 {
		return nil, ErrClaimableZero
	}

	if delta.Sign() > 0 {
		params := l.params.LedgerParams()
		cfg, ok := params.asset(res.Asset)
		if !ok || !cfg.Enabled {
			return nil, ErrAssetDisabled
		}
		if res.Consumer != res.Account {
			if l.allowance(res.Account, res.Consumer, res.Asset).LessThan(delta) {
				return nil, ErrInsufficientAllowance
			}
		}
		bal := l.balance(res.Account, res.Asset)
		if bal.Available.LessThan(delta) {
			return nil, ErrInsufficientFunds
		}
		l.debitAvailable(res.Account, res.Asset, delta)
		l.creditReserved(res.Account, res.Asset, delta)
		if res.Consumer != res.Account {
			l.setAllowance(res.Account, res.Consumer, res.Asset, l.allowance(res.Account, res.Consumer, res.Asset).Sub(delta))
		}
	} else {
		returned := delta.Neg()
		l.debitReserved(res.Account, res.Asset, returned)
		l.credit(res.Account, res.Asset, returned)
	}

	res.Gross = newGross
	res.Claimable = newClaimable
	res.UpdatedAt = time.Now().UTC()
	copied := *res
	return &copied, nil
}

// ClaimResult reports what a Claim moved. Remaining is nil once the
// reservation has been deleted.
type ClaimResult struct {
	Received  decimal.Decimal
	Fee       decimal.Decimal
	Released  decimal.Decimal
	Remaining *Reservation
}

// Claim pays out part of a reservation to a destination account, net of the
// frozen fee. If the remaining claimable amount reaches zero the remainder
// is force-released and the reservation deleted regardless of
// releaseRemainder; otherwise the flag decides whether the remainder
// returns to the owning account.
func (l *Ledger) Claim(consumer uuid.UUID, id uint64, amountToReceive decimal.Decimal, destination uuid.UUID, releaseRemainder bool) (result *ClaimResult, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.metrics.observeOp("claim", err) }()
	return l.claim(consumer, id, amountToReceive, destination, releaseRemainder)
}

func (l *Ledger) claim(consumer uuid.UUID, id uint64, amountToReceive decimal.Decimal, destination uuid.UUID, releaseRemainder bool) (result *ClaimResult, err error) {
	res, ok := l.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if res.Consumer != consumer {
		return nil, ErrUnauthorized
	}
	if err = requirePositiveIntegral(amountToReceive); err != nil {
		return nil, err
	}
	if amountToReceive.GreaterThan(res.Claimable) {
		return nil, ErrInsufficientFunds
	}

	grossConsumed, gerr := pricing.AmountWithFee(amountToReceive, res.FeeBps)
	if gerr != nil {
		return nil, gerr
	}
	if grossConsumed.GreaterThan(res.Gross) {
		grossConsumed = res.Gross
	}
	fee := grossConsumed.Sub(amountToReceive)
	newClaimable := res.Claimable.Sub(amountToReceive)
	newGross := res.Gross.Sub(grossConsumed)
	release := releaseRemainder || newClaimable.IsZero()

	params := l.params.LedgerParams()

	l.debitReserved(res.Account, res.Asset, grossConsumed)
	l.credit(destination, res.Asset, amountToReceive)
	l.payFee(params.FeeCollector, res.Asset, fee)

	result = &ClaimResult{Received: amountToReceive, Fee: fee}
	if release {
		if newGross.Sign() > 0 {
			l.debitReserved(res.Account, res.Asset, newGross)
			l.credit(res.Account, res.Asset, newGross)
			result.Released = newGross
		}
		delete(l.reservations, id)
		l.metrics.setOpenReservations(len(l.reservations))
		return result, nil
	}

	res.Gross = newGross
	res.Claimable = newClaimable
	res.UpdatedAt = time.Now().UTC()
	copied := *res
	result.Remaining = &copied
	return result, nil
}

// ReleaseAll returns the full reserved amount to the owning account and
// deletes the reservation.
func (l *Ledger) ReleaseAll(consumer uuid.UUID, id uint64) (released decimal.Decimal, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.metrics.observeOp("release_all", err) }()
	return l.releaseAll(consumer, id)
}

func (l *Ledger) releaseAll(consumer uuid.UUID, id uint64) (released decimal.Decimal, err error) {
	res, ok := l.reservations[id]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	if res.Consumer != consumer {
		return decimal.Zero, ErrUnauthorized
	}

	l.debitReserved(res.Account, res.Asset, res.Gross)
	l.credit(res.Account, res.Asset, res.Gross)
	delete(l.reservations, id)
	l.metrics.setOpenReservations(len(l.reservations))
	return res.Gross, nil
}

// ModifyAllowance adjusts what a consumer may reserve from an account. The
// result is clamped to [0, max]; adjustment never fails on underflow or
// overflow.
func (l *Ledger) ModifyAllowance(account, consumer uuid.UUID, asset string, delta decimal.Decimal) (decimal.Decimal, error) {
	asset = NormalizeAsset(asset)
	l.mu.Lock()
	defer l.mu.Unlock()

	if !delta.IsInteger() {
		l.metrics.observeOp("modify_allowance", ErrInvalidAmount)
		return decimal.Zero, ErrInvalidAmount
	}
	next := l.applyAllowanceDelta(account, consumer, asset, delta)
	l.metrics.observeOp("modify_allowance", nil)
	return next, nil
}

// ModifyAllowanceWithAuthorization applies an allowance adjustment signed
// off-line by the account holder. The token binds the consumer, asset, and
// delta, and carries a single-use sequence number.
func (l *Ledger) ModifyAllowanceWithAuthorization(account, consumer uuid.UUID, asset string, delta decimal.Decimal, token string) (decimal.Decimal, error) {
	asset = NormalizeAsset(asset)
	l.mu.Lock()
	defer l.mu.Unlock()

	err := func() error {
		if l.verifier == nil {
			return authz.ErrSignatureInvalid
		}
		if !delta.IsInteger() {
			return ErrInvalidAmount
		}
		return l.verifier.Consume(token, account, authz.OpModifyAllowance, map[string]string{
			"consumer": consumer.String(),
			"asset":    asset,
			"delta":    delta.String(),
		})
	}()
	l.metrics.observeOp("modify_allowance_authorized", err)
	if err != nil {
		return decimal.Zero, err
	}
	return l.applyAllowanceDelta(account, consumer, asset, delta), nil
}

func (l *Ledger) applyAllowanceDelta(account, consumer uuid.UUID, asset string, delta decimal.Decimal) decimal.Decimal {
	next := l.allowance(account, consumer, asset).Add(delta)
	if next.Sign() < 0 {
		next = decimal.Zero
	}
	if next.GreaterThan(maxAllowance) {
		next = maxAllowance
	}
	l.setAllowance(account, consumer, asset, next)
	return next
}

func (l *Ledger) GetBalance(account uuid.UUID, asset string) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(account, NormalizeAsset(asset))
}

func (l *Ledger) GetReservation(id uint64) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return *res, true
}

func (l *Ledger) GetAllowance(account, consumer uuid.UUID, asset string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowance(account, consumer, NormalizeAsset(asset))
}

// AuditReservations verifies that, per asset, the sum of reserved balances
// equals the sum of open reservations' gross amounts.
func (l *Ledger) AuditReservations() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reserved := make(map[string]decimal.Decimal)
	for key, bal := range l.balances {
		reserved[key.asset] = reserved[key.asset].Add(bal.Reserved)
	}
	gross := make(map[string]decimal.Decimal)
	for _, res := range l.reservations {
		gross[res.Asset] = gross[res.Asset].Add(res.Gross)
	}
	for asset, sum := range reserved {
		if !sum.Equal(gross[asset]) {
			return fmt.Errorf("asset %s: reserved %s != open reservation gross %s", asset, sum, gross[asset])
		}
	}
	for asset, sum := range gross {
		if _, ok := reserved[asset]; !ok && sum.Sign() != 0 {
			return fmt.Errorf("asset %s: dangling reservation gross %s", asset, sum)
		}
	}
	return nil
}

// Tx exposes ledger operations to a caller running inside Atomic. The
// execution lock is already held, so the public methods must not be called
// from within the span; they would block on the same lock.
type Tx struct {
	l *Ledger
}

func (tx *Tx) Transfer(from, to uuid.UUID, asset string, amount decimal.Decimal) error {
	err := tx.l.transfer(from, to, NormalizeAsset(asset), amount)
	tx.l.metrics.observeOp("transfer", err)
	return err
}

func (tx *Tx) Claim(consumer uuid.UUID, id uint64, amountToReceive decimal.Decimal, destination uuid.UUID, releaseRemainder bool) (*ClaimResult, error) {
	result, err := tx.l.claim(consumer, id, amountToReceive, destination, releaseRemainder)
	tx.l.metrics.observeOp("claim", err)
	return result, err
}

func (tx *Tx) ReleaseAll(consumer uuid.UUID, id uint64) (decimal.Decimal, error) {
	released, err := tx.l.releaseAll(consumer, id)
	tx.l.metrics.observeOp("release_all", err)
	return released, err
}

func (tx *Tx) Balance(account uuid.UUID, asset string) Balance {
	return tx.l.balance(account, NormalizeAsset(asset))
}

func (tx *Tx) Reservation(id uint64) (Reservation, bool) {
	res, ok := tx.l.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return *res, true
}

// checkpoint captures the full ledger state for rollback inside Atomic.
type checkpoint struct {
	balances          map[balanceKey]*Balance
	reservations      map[uint64]*Reservation
	allowances        map[allowanceKey]decimal.Decimal
	nextReservationID uint64
}

func (l *Ledger) capture() *checkpoint {
	cp := &checkpoint{
		balances:          make(map[balanceKey]*Balance, len(l.balances)),
		reservations:      make(map[uint64]*Reservation, len(l.reservations)),
		allowances:        make(map[allowanceKey]decimal.Decimal, len(l.allowances)),
		nextReservationID: l.nextReservationID,
	}
	for k, v := range l.balances {
		copied := *v
		cp.balances[k] = &copied
	}
	for k, v := range l.reservations {
		copied := *v
		cp.reservations[k] = &copied
	}
	for k, v := range l.allowances {
		cp.allowances[k] = v
	}
	return cp
}

func (l *Ledger) restore(cp *checkpoint) {
	l.balances = cp.balances
	l.reservations = cp.reservations
	l.allowances = cp.allowances
	l.nextReservationID = cp.nextReservationID
	l.metrics.setOpenReservations(len(l.reservations))
	l.logger.Warn("ledger state restored from checkpoint")
}

// Atomic runs fn with the execution lock held for the entire span. An error
// from fn rolls back every mutation made through the handle. No other
// operation can commit inside the span, so the rollback only ever discards
// the span's own effects, mirroring the all-or-nothing rule every single
// call already obeys.
func (l *Ledger) Atomic(fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := l.capture()
	if err := fn(&Tx{l: l}); err != nil {
		l.restore(cp)
		return err
	}
	return nil
}

func (l *Ledger) balance(account uuid.UUID, asset string) Balance {
	if bal, ok := l.balances[balanceKey{account: account, asset: asset}]; ok {
		return *bal
	}
	return Balance{Account: account, Asset: asset, Available: decimal.Zero, Reserved: decimal.Zero}
}

func (l *Ledger) mutableBalance(account uuid.UUID, asset string) *Balance {
	key := balanceKey{account: account, asset: asset}
	bal, ok := l.balances[key]
	if !ok {
		bal = &Balance{Account: account, Asset: asset, Available: decimal.Zero, Reserved: decimal.Zero}
		l.balances[key] = bal
	}
	return bal
}

func (l *Ledger) credit(account uuid.UUID, asset string, amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	bal := l.mutableBalance(account, asset)
	bal.Available = bal.Available.Add(amount)
	bal.UpdatedAt = time.Now().UTC()
}

func (l *Ledger) debitAvailable(account uuid.UUID, asset string, amount decimal.Decimal) {
	bal := l.mutableBalance(account, asset)
	bal.Available = bal.Available.Sub(amount)
	bal.UpdatedAt = time.Now().UTC()
}

func (l *Ledger) creditReserved(account uuid.UUID, asset string, amount decimal.Decimal) {
	bal := l.mutableBalance(account, asset)
	bal.Reserved = bal.Reserved.Add(amount)
	bal.UpdatedAt = time.Now().UTC()
}

func (l *Ledger) debitReserved(account uuid.UUID, asset string, amount decimal.Decimal) {
	bal := l.mutableBalance(account, asset)
	bal.Reserved = bal.Reserved.Sub(amount)
	bal.UpdatedAt = time.Now().UTC()
}

func (l *Ledger) payFee(collector uuid.UUID, asset string, fee decimal.Decimal) {
	if fee.Sign() <= 0 {
		return
	}
	l.credit(collector, asset, fee)
	l.metrics.addFee(asset, fee.InexactFloat64())
}

func (l *Ledger) allowance(account, consumer uuid.UUID, asset string) decimal.Decimal {
	return l.allowances[allowanceKey{account: account, consumer: consumer, asset: asset}]
}

func (l *Ledger) setAllowance(account, consumer uuid.UUID, asset string, amount decimal.Decimal) {
	key := allowanceKey{account: account, consumer: consumer, asset: asset}
	if amount.Sign() <= 0 {
		delete(l.allowances, key)
		return
	}
	l.allowances[key] = amount
}

func feePortion(amount decimal.Decimal, feeBps int64) (decimal.Decimal, error) {
	net, err := pricing.AmountBeforeFee(amount, feeBps)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Sub(net), nil
}

func requirePositiveIntegral(amount decimal.Decimal) error {
	if amount.Sign() <= 0 || !amount.IsInteger() {
		return ErrInvalidAmount
	}
	return nil
}
