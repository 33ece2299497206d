package store

import "errors"

var (
	ErrConflict           = errors.New("turn already claimed or held by another worker")
	ErrTurnNotFound       = errors.New("turn not found")
	ErrStationNotFound    = errors.New("station not found")
	ErrInvalidTransition  = errors.New("invalid turn transition")
	ErrStationUnavailable = errors.New("station unavailable")
	ErrHoldingsDisabled   = errors.New("holdings disabled")
)
