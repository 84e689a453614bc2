package models

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateOutcome = errors.New("outcome already recorded for intervention")
	ErrInvalidResponse  = errors.New("invalid user response")
	ErrUnknownContent   = errors.New("unknown content type")
)
