package models

import "errors"

var (
	ErrUnitNotFound        = errors.New("unit not found")
	ErrUnitNotAvailable    = errors.New("unit not available")
	ErrUnitExists          = errors.New("unit already exists")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrHoldNotFound        = errors.New("hold not found")
	ErrHoldNotActive       = errors.New("hold not active")
	ErrHoldExpired         = errors.New("hold expired")
	ErrEventNotFound       = errors.New("event not found")
)
