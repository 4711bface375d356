package core

import (
	"errors"
	"fmt"
)

var (
	ErrNoConditions       = errors.New("rule needs at least one condition")
	ErrNoTargets          = errors.New("rule needs at least one target question")
	ErrNoLinkedItems      = errors.New("invoice rule needs at least one linked item")
	ErrTooFewConditions   = errors.New("invoice rule needs a type and a category condition")
	ErrMalformedCondition = errors.New("malformed condition")
	ErrUnknownLogic       = errors.New("unknown logic operator")
	ErrUnknownAction      = errors.New("unknown rule action")
)

// ValidateRule checks a visibility rule before it is stored.
func ValidateRule(rule Rule) error {
	switch rule.Action {
	case ActionShow, ActionHide:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, rule.Action)
	}
	if len(rule.TargetQuestionIDs) == 0 {
		return ErrNoTargets
	}
	if len(rule.Conditions) == 0 {
		return ErrNoConditions
	}

	return validateConditions(rule.Conditions)
}

// ValidateInvoiceRule checks a course invoice rule before it is stored.
func ValidateInvoiceRule(rule InvoiceRule) error {
	if len(rule.LinkedItems) == 0 {
		return ErrNoLinkedItems
	}
	if len(rule.Conditions) < 2 {
		return ErrTooFewConditions
	}

	return validateConditions(rule.Conditions)
}

func validateConditions(conditions []Condition) error {
	for idx, condition := range conditions {
		if !condition.wellFormed() {
			return fmt.Errorf("%w: conditions[%d]", ErrMalformedCondition, idx)
		}
		switch condition.Logic {
		case "", LogicAnd, LogicOr:
		default:
			return fmt.Errorf("%w: conditions[%d] logic %q", ErrUnknownLogic, idx, condition.Logic)
		}
	}
	return nil
}
