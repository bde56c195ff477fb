package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrLockHeld           = errors.New("lock already held")
	ErrInvalidAddress     = errors.New("invalid obligor address")
	ErrInvalidEvent       = errors.New("invalid lending event")
	ErrInvalidSeed        = errors.New("evidence seed must be positive")
	ErrInvalidParams      = errors.New("invalid migration parameters")
	ErrPositionNotFound   = errors.New("position not found")
	ErrCollateralNotFound = errors.New("no collateral matches liquidated asset")
)
