package ledger

import "errors"

var (
	ErrNotFound              = errors.New("reservation not found")
	ErrUnauthorized          = errors.New("not the owning consumer")
	ErrAssetDisabled         = errors.New("asset disabled")
	ErrConsumerNotApproved   = errors.New("consumer not approved")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrBalanceCapExceeded    = errors.New("account balance cap exceeded")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrAmountTooSmall        = errors.New("amount too small to be claimable")
	ErrClaimableZero         = errors.New("resulting claimable amount would be zero")
)
