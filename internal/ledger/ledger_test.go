package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/collatix/creditcore/internal/authz"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	feeCollector = uuid.New()
	consumerID   = uuid.New()
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func testParams(feeBps int64) Params {
	return Params{
		FeeBps:       feeBps,
		FeeCollector: feeCollector,
		Assets: map[string]AssetParams{
			"X":   {Enabled: true},
			"USD": {Enabled: true},
			"CAP": {Enabled: true, AccountCap: dec(500)},
			"OFF": {Enabled: false},
		},
		ApprovedConsumers: map[uuid.UUID]bool{consumerID: true},
	}
}

func newTestLedger(t *testing.T, feeBps int64) (*Ledger, *ParamStore) {
	t.Helper()
	store := NewParamStore(testParams(feeBps))
	return New(store, nil, nil, nil), store
}

func mustAudit(t *testing.T, l *Ledger) {
	t.Helper()
	if err := l.AuditReservations(); err != nil {
		t.Fatalf("reservation audit: %v", err)
	}
}

func TestDeposit(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	account := uuid.New()

	bal, err := l.Deposit(account, "x", dec(1000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !bal.Available.Equal(dec(1000)) || !bal.Reserved.IsZero() {
		t.Fatalf("unexpected balance %s/%s", bal.Available, bal.Reserved)
	}

	if _, err := l.Deposit(account, "OFF", dec(1)); !errors.Is(err, ErrAssetDisabled) {
		t.Fatalf("expected ErrAssetDisabled, got %v", err)
	}
	if _, err := l.Deposit(account, "X", dec(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDepositEnforcesAccountCap(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	account := uuid.New()

	if _, err := l.Deposit(account, "CAP", dec(400)); err != nil {
		t.Fatalf("deposit under cap: %v", err)
	}
	if _, err := l.Deposit(account, "CAP", dec(101)); !errors.Is(err, ErrBalanceCapExceeded) {
		t.Fatalf("expected ErrBalanceCapExceeded, got %v", err)
	}
	if _, err := l.Deposit(account, "CAP", dec(100)); err != nil {
		t.Fatalf("deposit to cap: %v", err)
	}
}

// Deposit 1000 of X, reserve 400 claimable at 0.5%: gross locks 402 and the
// remainder stays available.
func TestReserveClaimableFreezesFee(t *testing.T) {
	l, _ := newTestLedger(t, 50)
	account := uuid.New()
	if _, err := l.Deposit(account, "X", dec(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	res, err := l.ReserveClaimable(account, account, "X", dec(400))
	if err != nil {
		t.Fatalf("reserve claimable: %v", err)
	}
	if !res.Gross.Equal(dec(402)) {
		t.Fatalf("gross = %s, want 402", res.Gross)
	}
	if !res.Claimable.Equal(dec(400)) {
		t.Fatalf("claimable = %s, want 400", res.Claimable)
	}
	if res.FeeBps != 50 {
		t.Fatalf("frozen fee = %d, want 50", res.FeeBps)
	}

	bal := l.GetBalance(account, "X")
	if !bal.Available.Equal(dec(598)) || !bal.Reserved.Equal(dec(402)) {
		t.Fatalf("balance = %s available / %s reserved", bal.Available, bal.Reserved)
	}
	mustAudit(t, l)
}

func TestReserveFailures(t *testing.T) {
	l, _ := newTestLedger(t, 50)
	account := uuid.New()
	if _, err := l.Deposit(account, "X", dec(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := l.Reserve(account, account, "OFF", dec(10)); !errors.Is(err, ErrAssetDisabled) {
		t.Fatalf("expected ErrAssetDisabled, got %v", err)
	}
	if _, err := l.Reserve(account, account, "X", dec(101)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	// Gross so small nothing would remain claimable after the fee.
	l2, _ := newTestLedger(t, 10000)
	if _, err := l2.Deposit(account, "X", dec(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l2.Reserve(account, account, "X", dec(1)); !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("expected ErrAmountTooSmall, got %v", err)
	}
}

func TestReserveConsumesAllowance(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	account := uuid.New()
	if _, err := l.Deposit(account, "X", dec(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := l.Reserve(consumerID, account, "X", dec(100)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}

	if _, err := l.ModifyAllowance(account, consumerID, "X", dec(150)); err != nil {
		t.Fatalf("modify allowance: %v", err)
	}
	if _, err := l.Reserve(consumerID, account, "X", dec(100)); err != nil {
		t.Fatalf("reserve with allowance: %v", err)
	}
	if got := l.GetAllowance(account, consumerID, "X"); !got.Equal(dec(50)) {
		t.Fatalf("allowance after reserve = %s, want 50", got)
	}
	mustAudit(t, l)
}

func TestReserveRequiresApprovedConsumer(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	account := uuid.New()
	stranger := uuid.New()
	if _, err := l.Deposit(account, "X", dec(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.ModifyAllowance(account, stranger, "X", dec(100)); err != nil {
		t.Fatalf("modify allowance: %v", err)
	}
	if _, err := l.Reserve(stranger, account, "X", dec(50)); !errors.Is(err, ErrConsumerNotApproved) {
		t.Fatalf("expected ErrConsumerNotApproved, got %v", err)
	}
}

func TestModifyReservationZeroDeltaIsNoOp(t *testing.T) {
	l, _ := newTestLedger(t, 50)
	account := uuid.New()
	l.Deposit(account, "X", dec(1000))
	res, err := l.ReserveClaimable(account, account, "X", dec(400))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	before := l.GetBalance(account, "X")
	after, err := l.ModifyReservation(account, res.ID, decimal.Zero)
	if err != nil {
		t.Fatalf("modify zero: %v", err)
	}
	if !after.Gross.Equal(res.Gross) || !after.Claimable.Equal(res.Claimable) {
		t.Fatalf("zero delta changed reservation: %s / %s", after.Gross, after.Claimable)
	}
	if !after.UpdatedAt.Equal(res.UpdatedAt) {
		t.Fatalf("zero delta touched UpdatedAt")
	}
	now := l.GetBalance(account, "X")
	if !now.Available.Equal(before.Available) || !now.Reserved.Equal(before.Reserved) {
		t.Fatalf("zero delta moved funds")
	}
}

func TestModifyReservationGrowAndShrink(t *testing.T) {
	l, store := newTestLedger(t, 50)
	account := uuid.New()
	l.Deposit(account, "X", dec(1000))
	res, err := l.ReserveClaimable(account, account, "X", dec(400))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Global fee change must not affect the frozen rate.
	p := testParams(200)
	store.Update(p)

	grown, err := l.ModifyReservation(account, res.ID, dec(100))
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if !grown.Gross.Equal(dec(502)) {
		t.Fatalf("gross after grow = %s, want 502", grown.Gross)
	}
	// 502 * 10000 / 10050 = 499 (still at the frozen 0.5%).
	if !grown.Claimable.Equal(dec(499)) {
		t.Fatalf("claimable after grow = %s, want 499", grown.Claimable)
	}

	shrunk, err := l.ModifyReservation(account, res.ID, dec(-300))
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if !shrunk.Gross.Equal(dec(202)) {
		t.Fatalf("gross after shrink = %s, want 202", shrunk.Gross)
	}
	bal := l.GetBalance(account, "X")
	if !bal.Available.Equal(dec(798)) || !bal.Reserved.Equal(dec(202)) {
		t.Fatalf("balance after shrink = %s/%s", bal.Available, bal.Reserved)
	}
	mustAudit(t, l)
}

func TestModifyReservationToZeroClaimableFails(t *testing.T) {
	l, _ := newTestLedger(t, 50)
	account := uuid.New()
	l.Deposit(account, "X", dec(1000))
	res, _ := l.ReserveClaimable(account, account, "X", dec(400))

	if _, err := l.ModifyReservation(account, res.ID, dec(-402)); !errors.Is(err, ErrClaimableZero) {
		t.Fatalf("expected ErrClaimableZero, got %v", err)
	}
	if _, err := l.ModifyReservation(account, res.ID, dec(-500)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative gross, got %v", err)
	}
}

func TestModifyReservationOwnership(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	account := uuid.New()
	l.Deposit(account, "X", dec(100))
	res, _ := l.Reserve(account, account, "X", dec(50))

	if _, err := l.ModifyReservation(uuid.New(), res.ID, dec(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := l.ModifyReservation(account, 999, dec(1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimPartialThenFull(t *testing.T) {
	l, _ := newTestLedger(t, 50)
	account := uuid.New()
	destination := uuid.New()
	l.Deposit(account, "X", dec(1000))
	res, _ := l.ReserveClaimable(account, account, "X", dec(400))

	result, err := l.Claim(account, res.ID, dec(100), destination, false)
	if err != nil {
		t.Fatalf("partial claim: %v", err)
	}
	if !result.Received.Equal(dec(100)) {
		t.Fatalf("received = %s, want 100", result.Received)
	}
	if !result.Fee.Equal(dec(0)) {
		// 100 * 10050/10000 = 100 truncated, fee swallowed by truncation.
		t.Fatalf("fee = %s, want 0", result.Fee)
	}
	if result.Remaining == nil || !result.Remaining.Claimable.Equal(dec(300)) {
		t.Fatalf("remaining claimable wrong: %+v", result.Remaining)
	}
	if got := l.GetBalance(destination, "X").Available; !got.Equal(dec(100)) {
		t.Fatalf("destination got %s, want 100", got)
	}
	mustAudit(t, l)

	result, err = l.Claim(account, res.ID, dec(300), destination, false)
	if err != nil {
		t.Fatalf("full claim: %v", err)
	}
	if result.Remaining != nil {
		t.Fatalf("reservation should be gone after claimable hit zero")
	}
	if _, ok := l.GetReservation(res.ID); ok {
		t.Fatalf("reservation still present")
	}
	// 300 consumes 301 gross (fee 1); remainder force-released.
	if !result.Fee.Equal(dec(1)) {
		t.Fatalf("fee = %s, want 1", result.Fee)
	}
	if got := l.GetBalance(feeCollector, "X").Available; !got.Equal(dec(1)) {
		t.Fatalf("collector got %s, want 1", got)
	}
	mustAudit(t, l)
}

func TestClaimReleaseRemainder(t *testing.T) {
	l, _ := newTestLedger(t, 50)
	account := uuid.New()
	destination := uuid.New()
	l.Deposit(account, "X", dec(1000))
	res, _ := l.ReserveClaimable(account, account, "X", dec(400))

	result, err := l.Claim(account, res.ID, dec(100), destination, true)
	if err != nil {
		t.Fatalf("claim with release: %v", err)
	}
	if result.Remaining != nil {
		t.Fatalf("reservation should have been released")
	}
	if result.Released.Sign() <= 0 {
		t.Fatalf("expected released remainder, got %s", result.Released)
	}
	bal := l.GetBalance(account, "X")
	if !bal.Reserved.IsZero() {
		t.Fatalf("reserved = %s after release, want 0", bal.Reserved)
	}
	mustAudit(t, l)
}

func TestClaimBounds(t *testing.T) {
	l, _ := newTestLedger(t, 50)
	account := uuid.New()
	l.Deposit(account, "X", dec(1000))
	res, _ := l.ReserveClaimable(account, account, "X", dec(400))

	if _, err := l.Claim(uuid.New(), res.ID, dec(10), account, false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := l.Claim(account, res.ID, dec(401), account, false); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := l.Claim(account, 123, dec(1), account, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseAll(t *testing.T) {
	l, _ := newTestLedger(t, 50)
	account := uuid.New()
	l.Deposit(account, "X", dec(1000))
	res, _ := l.ReserveClaimable(account, account, "X", dec(400))

	released, err := l.ReleaseAll(account, res.ID)
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if !released.Equal(dec(402)) {
		t.Fatalf("released = %s, want 402", released)
	}
	bal := l.GetBalance(account, "X")
	if !bal.Available.Equal(dec(1000)) || !bal.Reserved.IsZero() {
		t.Fatalf("balance after release = %s/%s", bal.Available, bal.Reserved)
	}
	mustAudit(t, l)
}

func TestModifyAllowanceClamps(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	account := uuid.New()

	got, err := l.ModifyAllowance(account, consumerID, "X", dec(-100))
	if err != nil {
		t.Fatalf("underflowing adjustment must not fail: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("allowance = %s, want clamp to 0", got)
	}

	if _, err := l.ModifyAllowance(account, consumerID, "X", maxAllowance); err != nil {
		t.Fatalf("modify allowance: %v", err)
	}
	got, err = l.ModifyAllowance(account, consumerID, "X", maxAllowance)
	if err != nil {
		t.Fatalf("overflowing adjustment must not fail: %v", err)
	}
	if !got.Equal(maxAllowance) {
		t.Fatalf("allowance = %s, want clamp to max", got)
	}
}

func TestModifyAllowanceWithAuthorization(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	account := uuid.New()
	verifier := authz.NewVerifier("creditcore/test")
	verifier.RegisterKey(account, pub)

	store := NewParamStore(testParams(0))
	l := New(store, verifier, nil, nil)

	token, err := authz.Sign(priv, verifier.Domain(), account, authz.OpModifyAllowance, 1, map[string]string{
		"consumer": consumerID.String(),
		"asset":    "X",
		"delta":    "250",
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := l.ModifyAllowanceWithAuthorization(account, consumerID, "X", dec(250), token)
	if err != nil {
		t.Fatalf("authorized adjustment: %v", err)
	}
	if !got.Equal(dec(250)) {
		t.Fatalf("allowance = %s, want 250", got)
	}

	// Same nonce replayed.
	if _, err := l.ModifyAllowanceWithAuthorization(account, consumerID, "X", dec(250), token); !errors.Is(err, authz.ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch on replay, got %v", err)
	}

	// Token does not cover a different delta.
	other, _ := authz.Sign(priv, verifier.Domain(), account, authz.OpModifyAllowance, 2, map[string]string{
		"consumer": consumerID.String(),
		"asset":    "X",
		"delta":    "250",
	})
	if _, err := l.ModifyAllowanceWithAuthorization(account, consumerID, "X", dec(999), other); !errors.Is(err, authz.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for unbound delta, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	l, _ := newTestLedger(t, 100)
	account := uuid.New()
	destination := uuid.New()
	l.Deposit(account, "X", dec(1000))

	received, err := l.Withdraw(account, "X", dec(500), destination)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// 500 * 10000/10100 = 495 net, fee 5.
	if !received.Equal(dec(495)) {
		t.Fatalf("received = %s, want 495", received)
	}
	if got := l.GetBalance(destination, "X").Available; !got.Equal(dec(495)) {
		t.Fatalf("destination = %s, want 495", got)
	}
	if got := l.GetBalance(feeCollector, "X").Available; !got.Equal(dec(5)) {
		t.Fatalf("collector = %s, want 5", got)
	}
	if got := l.GetBalance(account, "X").Available; !got.Equal(dec(500)) {
		t.Fatalf("account = %s, want 500", got)
	}

	if _, err := l.Withdraw(account, "X", dec(501), destination); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestTransfer(t *testing.T) {
	l, _ := newTestLedger(t, 100)
	a, b := uuid.New(), uuid.New()
	l.Deposit(a, "X", dec(100))

	if err := l.Transfer(a, b, "X", dec(60)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.GetBalance(b, "X").Available; !got.Equal(dec(60)) {
		t.Fatalf("b = %s, want 60", got)
	}
	if err := l.Transfer(a, b, "X", dec(60)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestAtomicRollsBackOnError(t *testing.T) {
	l, _ := newTestLedger(t, 50)
	account := uuid.New()
	l.Deposit(account, "X", dec(1000))
	res, _ := l.ReserveClaimable(account, account, "X", dec(400))

	boom := errors.New("abort")
	err := l.Atomic(func(tx *Tx) error {
		if _, err := tx.Claim(account, res.ID, dec(400), uuid.New(), false); err != nil {
			t.Fatalf("claim inside span: %v", err)
		}
		if _, ok := tx.Reservation(res.ID); ok {
			t.Fatalf("reservation should be consumed inside the span")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected span error returned, got %v", err)
	}

	got, ok := l.GetReservation(res.ID)
	if !ok {
		t.Fatalf("reservation should be back after rollback")
	}
	if !got.Gross.Equal(dec(402)) {
		t.Fatalf("restored gross = %s, want 402", got.Gross)
	}
	bal := l.GetBalance(account, "X")
	if !bal.Available.Equal(dec(598)) || !bal.Reserved.Equal(dec(402)) {
		t.Fatalf("restored balance = %s/%s", bal.Available, bal.Reserved)
	}
	mustAudit(t, l)
}

func TestAtomicCommitsOnSuccess(t *testing.T) {
	l, _ := newTestLedger(t, 50)
	account := uuid.New()
	payee := uuid.New()
	l.Deposit(account, "X", dec(1000))
	res, _ := l.ReserveClaimable(account, account, "X", dec(400))

	err := l.Atomic(func(tx *Tx) error {
		if _, err := tx.Claim(account, res.ID, dec(100), payee, false); err != nil {
			return err
		}
		return tx.Transfer(payee, account, "X", dec(40))
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}

	if got := l.GetBalance(payee, "X").Available; !got.Equal(dec(60)) {
		t.Fatalf("payee = %s, want 60", got)
	}
	remaining, ok := l.GetReservation(res.ID)
	if !ok || !remaining.Claimable.Equal(dec(300)) {
		t.Fatalf("reservation after span: %+v", remaining)
	}
	mustAudit(t, l)
}

func TestExportImportState(t *testing.T) {
	l, _ := newTestLedger(t, 50)
	account := uuid.New()
	l.Deposit(account, "X", dec(1000))
	l.ReserveClaimable(account, account, "X", dec(400))
	l.ModifyAllowance(account, consumerID, "USD", dec(77))

	state := l.ExportState()

	restored := New(NewParamStore(testParams(50)), nil, nil, nil)
	restored.ImportState(state)

	bal := restored.GetBalance(account, "X")
	if !bal.Available.Equal(dec(598)) || !bal.Reserved.Equal(dec(402)) {
		t.Fatalf("imported balance = %s/%s", bal.Available, bal.Reserved)
	}
	if got := restored.GetAllowance(account, consumerID, "USD"); !got.Equal(dec(77)) {
		t.Fatalf("imported allowance = %s, want 77", got)
	}
	mustAudit(t, restored)

	// New reservations must not collide with imported ids.
	restored.Deposit(account, "USD", dec(100))
	res, err := restored.Reserve(account, account, "USD", dec(50))
	if err != nil {
		t.Fatalf("reserve after import: %v", err)
	}
	if res.ID != state.NextReservationID {
		t.Fatalf("next id = %d, want %d", res.ID, state.NextReservationID)
	}
}
