package authz

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func newKeyedVerifier(t *testing.T) (*Verifier, ed25519.PrivateKey, uuid.UUID) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	account := uuid.New()
	v := NewVerifier("creditcore/test")
	v.RegisterKey(account, pub)
	return v, priv, account
}

func TestConsumeAcceptsValidToken(t *testing.T) {
	v, priv, account := newKeyedVerifier(t)

	token, err := Sign(priv, v.Domain(), account, OpModifyAllowance, 1, map[string]string{"asset": "USD"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := v.Consume(token, account, OpModifyAllowance, map[string]string{"asset": "USD"}); err != nil {
		t.Fatalf("consume: %v", err)
	}
}

func TestCheckLeavesNonceConsumable(t *testing.T) {
	v, priv, account := newKeyedVerifier(t)

	token, err := Sign(priv, v.Domain(), account, OpRedeem, 3, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := v.Check(token, account, OpRedeem, nil); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if err := v.Consume(token, account, OpRedeem, nil); err != nil {
		t.Fatalf("consume after checks: %v", err)
	}
}

func TestCheckRejectsSpentNonce(t *testing.T) {
	v, priv, account := newKeyedVerifier(t)

	token, err := Sign(priv, v.Domain(), account, OpRedeem, 3, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := v.Consume(token, account, OpRedeem, nil); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := v.Check(token, account, OpRedeem, nil); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch after consume, got %v", err)
	}
}

func TestConsumeRejectsReplay(t *testing.T) {
	v, priv, account := newKeyedVerifier(t)

	token, err := Sign(priv, v.Domain(), account, OpModifyAllowance, 7, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := v.Consume(token, account, OpModifyAllowance, nil); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := v.Consume(token, account, OpModifyAllowance, nil); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch on replay, got %v", err)
	}
}

func TestConsumeOutOfOrderWithinWindow(t *testing.T) {
	v, priv, account := newKeyedVerifier(t)

	later, _ := Sign(priv, v.Domain(), account, OpRedeem, 10, nil)
	earlier, _ := Sign(priv, v.Domain(), account, OpRedeem, 3, nil)

	if err := v.Consume(later, account, OpRedeem, nil); err != nil {
		t.Fatalf("consume nonce 10: %v", err)
	}
	if err := v.Consume(earlier, account, OpRedeem, nil); err != nil {
		t.Fatalf("consume nonce 3 after 10: %v", err)
	}

	stale, _ := Sign(priv, v.Domain(), account, OpRedeem, 3, nil)
	if err := v.Consume(stale, account, OpRedeem, nil); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch for reused nonce, got %v", err)
	}
}

func TestConsumeRetiresNoncesBelowWindow(t *testing.T) {
	v, priv, account := newKeyedVerifier(t)

	jump, _ := Sign(priv, v.Domain(), account, OpCancel, 1000, nil)
	if err := v.Consume(jump, account, OpCancel, nil); err != nil {
		t.Fatalf("consume nonce 1000: %v", err)
	}
	old, _ := Sign(priv, v.Domain(), account, OpCancel, 5, nil)
	if err := v.Consume(old, account, OpCancel, nil); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected retired nonce to fail, got %v", err)
	}
}

func TestOperationsTrackIndependentSequences(t *testing.T) {
	v, priv, account := newKeyedVerifier(t)

	redeem, _ := Sign(priv, v.Domain(), account, OpRedeem, 1, nil)
	cancel, _ := Sign(priv, v.Domain(), account, OpCancel, 1, nil)
	if err := v.Consume(redeem, account, OpRedeem, nil); err != nil {
		t.Fatalf("consume redeem nonce 1: %v", err)
	}
	if err := v.Consume(cancel, account, OpCancel, nil); err != nil {
		t.Fatalf("consume cancel nonce 1: %v", err)
	}
}

func TestConsumeRejectsTamperedBindings(t *testing.T) {
	v, priv, account := newKeyedVerifier(t)

	token, _ := Sign(priv, v.Domain(), account, OpRedeem, 1, map[string]string{"instrument": "4", "amount": "100"})
	err := v.Consume(token, account, OpRedeem, map[string]string{"instrument": "4", "amount": "999"})
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for mismatched binding, got %v", err)
	}
}

func TestConsumeRejectsWrongSigner(t *testing.T) {
	v, _, account := newKeyedVerifier(t)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	token, _ := Sign(otherPriv, v.Domain(), account, OpRedeem, 1, nil)
	if err := v.Consume(token, account, OpRedeem, nil); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestConsumeRejectsWrongDomain(t *testing.T) {
	v, priv, account := newKeyedVerifier(t)

	token, _ := Sign(priv, "creditcore/other", account, OpRedeem, 1, nil)
	if err := v.Consume(token, account, OpRedeem, nil); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for foreign domain, got %v", err)
	}
}

func TestUnknownAccount(t *testing.T) {
	v := NewVerifier("creditcore/test")
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	account := uuid.New()

	token, _ := Sign(priv, v.Domain(), account, OpRedeem, 1, nil)
	if err := v.Consume(token, account, OpRedeem, nil); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}
