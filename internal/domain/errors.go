package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleNotFound matches any RuleNotFoundError via errors.Is.
	ErrRuleNotFound = errors.New("Rule not found")

	// ErrDuplicateRule is returned when adding a rule whose id is taken.
	ErrDuplicateRule = errors.New("rule already exists")

	// ErrInvalidRule wraps rule validation failures.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrUnknownActionType is reported when no handler is registered for an action type.
	ErrUnknownActionType = errors.New("no handler registered for action type")

	// ErrActionTimeout is reported when a handler exceeds the execution timeout.
	ErrActionTimeout = errors.New("action execution timed out")
)

// RuleNotFoundError carries the id a registry mutation could not find.
type RuleNotFoundError struct {
	ID string
}

func (e *RuleNotFoundError) Error() string {
	return fmt.Sprintf("Rule not found: %s", e.ID)
}

// Is reports whether target is ErrRuleNotFound.
func (e *RuleNotFoundError) Is(target error) bool {
	return target == ErrRuleNotFound
}
