package engine

import "errors"

var (
	ErrNotFound                = errors.New("instrument not found")
	ErrUnauthorized            = errors.New("caller not authorized for instrument")
	ErrExpired                 = errors.New("instrument expired")
	ErrInvalidExpiry           = errors.New("expiry not after current expiry")
	ErrDurationExceeded        = errors.New("expiry exceeds maximum instrument duration")
	ErrStalePrice              = errors.New("oracle price too old")
	ErrBelowMinimum            = errors.New("credited amount below asset minimum")
	ErrAboveMaximum            = errors.New("credited amount above asset maximum")
	ErrInvalidCollateralFactor = errors.New("collateral factor violates creation threshold")
	ErrInsufficientCollateral  = errors.New("amount exceeds remaining credited amount")
	ErrAlreadyConverted        = errors.New("instrument already converted")
	ErrAmountTooSmall          = errors.New("amount must be a positive integer")
	ErrNotLiquidatable         = errors.New("static instrument cannot be liquidated")
	ErrPairNotSupported        = errors.New("asset pair not configured")
	ErrIncentiveIncreased      = errors.New("pair incentive exceeds rate frozen on instrument")
	ErrStrategyMismatch        = errors.New("liquidation strategy delivered wrong amount")
	ErrUnknownStrategy         = errors.New("liquidation strategy not registered")
	ErrOracleFeeTooHigh        = errors.New("oracle update fee exceeds limit")
	ErrNoOracle                = errors.New("no price oracle configured")
)
