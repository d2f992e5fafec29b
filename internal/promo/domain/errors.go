package promo

import "errors"

var (
	// ErrUsageLimitReached is returned when a code hit its max uses.
	ErrUsageLimitReached = errors.New("promo: usage limit reached")
	// ErrAlreadyUsedByUser is returned when a one-per-user code was already redeemed by the user.
	ErrAlreadyUsedByUser = errors.New("promo: already used by user")
	// ErrOrderAlreadyHasUsage is returned when the order already redeemed a code.
	ErrOrderAlreadyHasUsage = errors.New("promo: order already has a usage")
	// ErrNotFound is returned when a code does not exist.
	ErrNotFound = errors.New("promo: not found")
	// ErrInvalidCode is returned when a code definition fails validation.
	ErrInvalidCode = errors.New("promo: invalid code")
	// ErrDuplicateCode is returned when a code string is taken.
	ErrDuplicateCode = errors.New("promo: duplicate code")
)
