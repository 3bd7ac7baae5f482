package domain

import "errors"

var (
	ErrInvalidPrice  = errors.New("invalid price")
	ErrRateStale     = errors.New("rate stale")
	ErrCrossedBook   = errors.New("crossed book")
	ErrUnknownVenue  = errors.New("unknown venue")
	ErrNoSnapshot    = errors.New("no snapshot applied")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrSequenceGap   = errors.New("sequence gap")
	ErrContextDone   = errors.New("context cancelled")
	ErrLockHeld      = errors.New("lock already held")
)
