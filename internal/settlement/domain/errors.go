package settlement

import "errors"

var (
	// ErrInvalidOrder is returned when an order cannot be settled as given.
	ErrInvalidOrder = errors.New("settlement: invalid order")
	// ErrBuyerNotFound is returned when the order's buyer does not resolve.
	ErrBuyerNotFound = errors.New("settlement: buyer not found")
	// ErrLookupFailed is returned when the referral graph or rank provider fails.
	// The whole settlement is aborted and must be retried.
	ErrLookupFailed = errors.New("settlement: upstream lookup failed")
)
