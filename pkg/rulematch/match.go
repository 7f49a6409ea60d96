package rulematch

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"dataspace/pkg/models"
)

var (
	ErrRuleMismatch     = errors.New("agreement rules do not match the sent request")
	ErrAssignerMismatch = errors.New("rule assigner is not the expected connector")
	ErrTargetMismatch   = errors.New("agreement does not govern every requested artifact")
)

type normalizedRule struct {
	Action      models.Action
	Constraints string
}

// normalize strips object identity from a rule so that the comparison
// covers action and constraint content only.
func normalize(rule models.Rule) normalizedRule {
	var b strings.Builder
	for _, c := range rule.Constraints {
		fmt.Fprintf(&b, "%s|%s|%s|%s;", c.LeftOperand, c.Operator, strings.TrimSpace(c.RightOperand), strings.TrimSpace(c.PipEndpoint))
	}
	return normalizedRule{Action: rule.Action, Constraints: b.String()}
}

func bucket(rules []models.Rule, kind models.RuleKind) []normalizedRule {
	out := make([]normalizedRule, 0, len(rules))
	for _, r := range rules {
		if r.Kind == kind {
			out = append(out, normalize(r))
		}
	}
	return out
}

// Match reports whether two rule lists agree on content. Rules are
// bucketed by kind and sorted into a canonical order before the
// pairwise comparison, so reordering rules without changing content
// cannot produce a false negative.
func Match(offerRules, requestRules []models.Rule) bool {
	for _, kind := range []models.RuleKind{models.KindPermission, models.KindProhibition, models.KindDuty} {
		a := bucket(offerRules, kind)
		b := bucket(requestRules, kind)
		if len(a) != len(b) {
			return false
		}
		sortNormalized(a)
		sortNormalized(b)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

func sortNormalized(rules []normalizedRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Action != rules[j].Action {
			return rules[i].Action < rules[j].Action
		}
		return rules[i].Constraints < rules[j].Constraints
	})
}

// ValidateContent checks a received agreement against the request that
// was sent: any substitution of terms is a hard failure, never an
// implicit accept.
func ValidateContent(request models.ContractRequest, agreement models.ContractAgreement) error {
	if !Match(request.Rules, agreement.Rules) {
		return ErrRuleMismatch
	}
	return nil
}

// ValidateAssigner checks that every rule of the agreement was signed
// by the expected remote connector.
func ValidateAssigner(agreement models.ContractAgreement, expected string) error {
	if !strings.EqualFold(strings.TrimSpace(agreement.Provider), strings.TrimSpace(expected)) {
		return fmt.Errorf("%w: provider %q", ErrAssignerMismatch, agreement.Provider)
	}
	for _, rule := range agreement.Rules {
		if rule.Assigner == "" {
			return fmt.Errorf("%w: rule without assigner", ErrAssignerMismatch)
		}
		if !strings.EqualFold(strings.TrimSpace(rule.Assigner), strings.TrimSpace(expected)) {
			return fmt.Errorf("%w: assigner %q", ErrAssignerMismatch, rule.Assigner)
		}
	}
	return nil
}

// ValidateTargets checks that the agreement's governed artifact set
// covers every requested target. A provider narrowing the set is a
// substitution of terms, not an accept.
func ValidateTargets(agreement models.ContractAgreement, targets []string) error {
	governed := make(map[string]struct{}, len(agreement.Artifacts))
	for _, a := range agreement.Artifacts {
		governed[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	for _, target := range targets {
		if _, ok := governed[strings.ToLower(strings.TrimSpace(target))]; !ok {
			return fmt.Errorf("%w: target %q", ErrTargetMismatch, target)
		}
	}
	return nil
}

// ValidateAssignee checks that every rule binds the given consumer.
func ValidateAssignee(agreement models.ContractAgreement, consumer string) error {
	for _, rule := range agreement.Rules {
		if !strings.EqualFold(strings.TrimSpace(rule.Assignee), strings.TrimSpace(consumer)) {
			return fmt.Errorf("%w: assignee %q", ErrAssignerMismatch, rule.Assignee)
		}
	}
	return nil
}
