package bounty

import "errors"

var (
	ErrNotFound               = errors.New("bounty: not found")
	ErrDuplicateID            = errors.New("bounty: duplicate id")
	ErrZeroAmount             = errors.New("bounty: amount must be positive")
	ErrEmptyMetadata          = errors.New("bounty: metadata uri required")
	ErrInvalidAddress         = errors.New("bounty: invalid address")
	ErrEmptySubmission        = errors.New("bounty: submission uri required")
	ErrUnauthorized           = errors.New("bounty: unauthorized")
	ErrInvalidStateTransition = errors.New("bounty: invalid state transition")
	ErrInvalidID              = errors.New("bounty: id must not be negative")
)
