package ruleset

import "errors"

var (
	// ErrConfigUnavailable is returned when no rule set could ever be loaded.
	ErrConfigUnavailable = errors.New("ruleset: configuration unavailable")
	// ErrInvalidRuleSet is returned when a rule set fails validation.
	ErrInvalidRuleSet = errors.New("ruleset: invalid rule set")
	// ErrNotFound is returned when a requested rule set version does not exist.
	ErrNotFound = errors.New("ruleset: not found")
)
