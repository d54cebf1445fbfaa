// Package authz verifies off-line operation authorizations. An authorization
// is a compact JWS (EdDSA) whose claims bind the granting account, the
// operation kind, the operation parameters, a per-(account, operation)
// sequence number, and the service domain id. Sequence numbers are strictly
// increasing and single-use; a bounded out-of-order window lets holders
// consume a later number first, which retires everything below the window
// in one step.
package authz

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Operation string

const (
	OpModifyAllowance Operation = "modify_allowance"
	OpRedeem          Operation = "redeem"
	OpCancel          Operation = "cancel"
	OpConvert         Operation = "convert"
)

// nonceWindow bounds how far behind the highest consumed sequence number an
// authorization may still be accepted.
const nonceWindow = 128

var (
	ErrSignatureInvalid = errors.New("authorization signature invalid")
	ErrNonceMismatch    = errors.New("authorization nonce mismatch")
	ErrUnknownAccount   = errors.New("no authorization key registered for account")
)

type Claims struct {
	jwt.RegisteredClaims
	Account   string            `json:"acct"`
	Operation string            `json:"op"`
	Nonce     uint64            `json:"nonce"`
	Params    map[string]string `json:"params,omitempty"`
}

type seqKey struct {
	account uuid.UUID
	op      Operation
}

// window tracks consumed sequence numbers: highest plus a bitmap of the
// trailing nonceWindow positions.
type window struct {
	highest uint64
	mask    [nonceWindow / 64]uint64
}

func (w *window) consume(nonce uint64) error {
	if nonce == 0 {
		return ErrNonceMismatch
	}
	if w.highest == 0 {
		w.highest = nonce
		w.setBit(0)
		return nil
	}
	if nonce > w.highest {
		shift := nonce - w.highest
		w.shiftMask(shift)
		w.highest = nonce
		w.setBit(0)
		return nil
	}
	back := w.highest - nonce
	if back >= nonceWindow {
		return ErrNonceMismatch
	}
	if w.bit(back) {
		return ErrNonceMismatch
	}
	w.setBit(back)
	return nil
}

// consumable reports whether consume(nonce) would succeed, without marking
// anything.
func (w *window) consumable(nonce uint64) bool {
	if nonce > w.highest {
		return true
	}
	back := w.highest - nonce
	if back >= nonceWindow {
		return false
	}
	return !w.bit(back)
}

func (w *window) bit(pos uint64) bool {
	return w.mask[pos/64]&(1<<(pos%64)) != 0
}

func (w *window) setBit(pos uint64) {
	w.mask[pos/64] |= 1 << (pos % 64)
}

func (w *window) shiftMask(by uint64) {
	if by >= nonceWindow {
		for i := range w.mask {
			w.mask[i] = 0
		}
		return
	}
	for ; by > 0; by-- {
		carry := uint64(0)
		for i := 0; i < len(w.mask); i++ {
			next := w.mask[i] >> 63
			w.mask[i] = w.mask[i]<<1 | carry
			carry = next
		}
	}
}

// Verifier resolves accounts to registered ed25519 keys and enforces
// single-use sequence numbers. All methods are safe for concurrent use.
type Verifier struct {
	mu     sync.Mutex
	domain string
	keys   map[uuid.UUID]ed25519.PublicKey
	seqs   map[seqKey]*window
}

func NewVerifier(domain string) *Verifier {
	if domain == "" {
		domain = "creditcore/v1"
	}
	return &Verifier{
		domain: domain,
		keys:   make(map[uuid.UUID]ed25519.PublicKey),
		seqs:   make(map[seqKey]*window),
	}
}

func (v *Verifier) Domain() string { return v.domain }

func (v *Verifier) RegisterKey(account uuid.UUID, key ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[account] = key
}

// Check validates the token against the expected account, operation, and
// bound parameters without consuming its sequence number. A token whose
// sequence number has already been retired fails with ErrNonceMismatch, so
// a Check followed by Consume under the same serialization cannot fail at
// the Consume.
func (v *Verifier) Check(token string, account uuid.UUID, op Operation, bind map[string]string) (uint64, error) {
	claims, err := v.parse(token, account, op)
	if err != nil {
		return 0, err
	}
	for key, want := range bind {
		if claims.Params[key] != want {
			return 0, fmt.Errorf("%w: parameter %q not covered", ErrSignatureInvalid, key)
		}
	}
	if claims.Nonce == 0 {
		return 0, ErrNonceMismatch
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if w := v.seqs[seqKey{account: account, op: op}]; w != nil && !w.consumable(claims.Nonce) {
		return 0, ErrNonceMismatch
	}
	return claims.Nonce, nil
}

// Consume validates like Check and then retires the sequence number. A
// replay of the same token afterwards fails with ErrNonceMismatch.
func (v *Verifier) Consume(token string, account uuid.UUID, op Operation, bind map[string]string) error {
	nonce, err := v.Check(token, account, op, bind)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	key := seqKey{account: account, op: op}
	w := v.seqs[key]
	if w == nil {
		w = &window{}
		v.seqs[key] = w
	}
	return w.consume(nonce)
}

func (v *Verifier) parse(token string, account uuid.UUID, op Operation) (*Claims, error) {
	v.mu.Lock()
	pub, ok := v.keys[account]
	v.mu.Unlock()
	if !ok {
		return nil, ErrUnknownAccount
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(v.domain),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if claims.Account != account.String() {
		return nil, fmt.Errorf("%w: account mismatch", ErrSignatureInvalid)
	}
	if claims.Operation != string(op) {
		return nil, fmt.Errorf("%w: operation mismatch", ErrSignatureInvalid)
	}
	return claims, nil
}

// Sign issues an authorization token. Exposed for clients and tests; the
// service itself only verifies.
func Sign(priv ed25519.PrivateKey, domain string, account uuid.UUID, op Operation, nonce uint64, params map[string]string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience: jwt.ClaimStrings{domain},
			Issuer:   account.String(),
		},
		Account:   account.String(),
		Operation: string(op),
		Nonce:     nonce,
		Params:    params,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign authorization: %w", err)
	}
	return signed, nil
}
