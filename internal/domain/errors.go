package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrPositionClosed  = errors.New("position closed")
	ErrInvalidPosition = errors.New("invalid position")
	ErrExposureCap     = errors.New("exposure cap exceeded")
	ErrUnknownVenue    = errors.New("unknown venue")
	ErrPartialClose    = errors.New("partial close")
	ErrNotSupported    = errors.New("not supported by venue")
)
