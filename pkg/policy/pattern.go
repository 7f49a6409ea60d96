package policy

import (
	"errors"
	"fmt"

	"dataspace/pkg/models"
)

// Pattern names the usage-control shapes supported by this connector.
type Pattern string

const (
	ProvideAccess            Pattern = "PROVIDE_ACCESS"
	ProhibitAccess           Pattern = "PROHIBIT_ACCESS"
	NTimesUsage              Pattern = "N_TIMES_USAGE"
	DurationUsage            Pattern = "DURATION_USAGE"
	UsageDuringInterval      Pattern = "USAGE_DURING_INTERVAL"
	UsageUntilDeletion       Pattern = "USAGE_UNTIL_DELETION"
	UsageLogging             Pattern = "USAGE_LOGGING"
	UsageNotification        Pattern = "USAGE_NOTIFICATION"
	ConnectorRestrictedUsage Pattern = "CONNECTOR_RESTRICTED_USAGE"
)

var ErrUnknownPattern = errors.New("rule matches no supported policy pattern")

// Recognize maps a rule onto one supported pattern. Recognition happens
// at agreement-creation time; an unrecognizable rule never reaches the
// delivery path.
func Recognize(rule models.Rule) (Pattern, error) {
	switch rule.Kind {
	case models.KindProhibition:
		if rule.Action == models.ActionUse {
			return ProhibitAccess, nil
		}
		return "", fmt.Errorf("%w: prohibition of %s", ErrUnknownPattern, rule.Action)
	case models.KindDuty:
		switch rule.Action {
		case models.ActionNotify:
			return UsageNotification, nil
		case models.ActionLog:
			return UsageLogging, nil
		case models.ActionDelete:
			return UsageUntilDeletion, nil
		default:
			return "", fmt.Errorf("%w: duty of %s", ErrUnknownPattern, rule.Action)
		}
	case models.KindPermission:
		if rule.Action != models.ActionUse {
			return "", fmt.Errorf("%w: permission of %s", ErrUnknownPattern, rule.Action)
		}
		for _, c := range rule.Constraints {
			switch c.LeftOperand {
			case models.OperandCount:
				return NTimesUsage, nil
			case models.OperandElapsedTime:
				return DurationUsage, nil
			case models.OperandPolicyEvaluationTime:
				if hasIntervalBound(rule) {
					return UsageDuringInterval, nil
				}
			case models.OperandSystem:
				return ConnectorRestrictedUsage, nil
			}
		}
		return ProvideAccess, nil
	default:
		return "", fmt.Errorf("%w: kind %s", ErrUnknownPattern, rule.Kind)
	}
}

// ValidateRules checks the whole rule set against the closed constraint
// vocabulary and parses every literal. It runs when an agreement is
// created so that malformed rules are rejected before any data is
// released.
func ValidateRules(rules []models.Rule) error {
	if len(rules) == 0 {
		return errors.New("rule set is empty")
	}
	for i, rule := range rules {
		if _, err := Recognize(rule); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		for _, c := range rule.Constraints {
			if !models.KnownLeftOperand(c.LeftOperand) {
				return fmt.Errorf("rule %d: unknown left operand %q", i, c.LeftOperand)
			}
			if !models.KnownOperator(c.Operator) {
				return fmt.Errorf("rule %d: unknown operator %q", i, c.Operator)
			}
		}
		if err := validateLiterals(rule); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

func validateLiterals(rule models.Rule) error {
	if hasOperand(rule, models.OperandCount) {
		if _, err := MaxAccess(rule); err != nil {
			return err
		}
	}
	if hasIntervalBound(rule) {
		if _, err := Interval(rule); err != nil {
			return err
		}
	}
	if hasOperand(rule, models.OperandElapsedTime) {
		if _, err := UsageDuration(rule); err != nil {
			return err
		}
	}
	if rule.Kind == models.KindDuty && rule.Action == models.ActionNotify {
		if _, err := NotifyEndpoint(rule); err != nil {
			return err
		}
	}
	if rule.Kind == models.KindDuty && rule.Action == models.ActionDelete {
		if _, err := DeletionDate(rule); err != nil {
			return err
		}
	}
	return nil
}

func hasOperand(rule models.Rule, op models.LeftOperand) bool {
	for _, c := range rule.Constraints {
		if c.LeftOperand == op {
			return true
		}
	}
	return false
}

// hasIntervalBound reports whether the rule carries AFTER/BEFORE
// evaluation-time bounds. TEMPORAL_EQUALS timestamps on deletion duties
// are not interval bounds.
func hasIntervalBound(rule models.Rule) bool {
	for _, c := range rule.Constraints {
		if c.LeftOperand != models.OperandPolicyEvaluationTime {
			continue
		}
		if c.Operator == models.OpAfter || c.Operator == models.OpBefore {
			return true
		}
	}
	return false
}
