package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dataspace/pkg/models"
)

// Facts are the runtime inputs a rule is evaluated against.
type Facts struct {
	Access        models.AccessRecord
	ContractStart time.Time
	Consumer      string
	Now           time.Time
}

// PIPClient looks up a fact at an external policy information point.
type PIPClient interface {
	Value(ctx context.Context, endpoint string) (string, error)
}

// Decision is the outcome of evaluating an agreement's rules for one
// use action. NotifyEndpoints carries the callback URIs of satisfied
// NOTIFY duties; the caller fires them after granting access. A
// non-zero DeleteAt is the instant a DELETE duty ends the usage
// period; enforcement of the deletion itself is the data holder's
// obligation.
type Decision struct {
	Allowed         bool
	Pattern         Pattern
	Reason          string
	NotifyEndpoints []string
	LogUsage        bool
	DeleteAt        time.Time
}

// Verifier evaluates agreement rules with conjunctive semantics: a rule
// is satisfied only when all of its constraints are.
type Verifier struct {
	PIP PIPClient
}

// Evaluate checks every rule of the agreement that governs the
// requested artifact. The first unsatisfied rule denies access.
func (v *Verifier) Evaluate(ctx context.Context, agreement models.ContractAgreement, artifactID string, facts Facts) (Decision, error) {
	if facts.Now.IsZero() {
		facts.Now = time.Now().UTC()
	}
	if facts.ContractStart.IsZero() {
		facts.ContractStart = agreement.ContractStart
	}
	decision := Decision{Allowed: true, Pattern: ProvideAccess}
	evaluated := false
	for _, rule := range agreement.Rules {
		if rule.Target != "" && rule.Target != artifactID {
			continue
		}
		pattern, err := Recognize(rule)
		if err != nil {
			// Vocabulary errors are rejected at agreement creation; one
			// surfacing here is an infrastructure fault, not a policy deny.
			return Decision{}, err
		}
		evaluated = true
		switch pattern {
		case ProhibitAccess:
			return Decision{Pattern: pattern, Reason: "usage prohibited by agreement"}, nil
		case UsageNotification:
			uri, err := NotifyEndpoint(rule)
			if err != nil {
				return Decision{}, err
			}
			decision.NotifyEndpoints = append(decision.NotifyEndpoints, uri)
		case UsageLogging:
			decision.LogUsage = true
		case UsageUntilDeletion:
			at, err := DeletionDate(rule)
			if err != nil {
				return Decision{}, err
			}
			if !facts.Now.Before(at) {
				return Decision{Pattern: pattern, Reason: "usage period ended by deletion duty"}, nil
			}
			decision.DeleteAt = at
		default:
			ok, reason, err := v.permissionSatisfied(ctx, rule, facts)
			if err != nil {
				return Decision{}, err
			}
			if !ok {
				return Decision{Pattern: pattern, Reason: reason}, nil
			}
			decision.Pattern = pattern
		}
	}
	if !evaluated {
		return Decision{Reason: "no rule governs the requested artifact"}, nil
	}
	return decision, nil
}

// permissionSatisfied evaluates every constraint group attached to a
// permission. The semantics are conjunctive: a rule mixing COUNT,
// interval, duration and connector constraints is satisfied only when
// all of them hold; a rule with no constraints always is.
func (v *Verifier) permissionSatisfied(ctx context.Context, rule models.Rule, facts Facts) (bool, string, error) {
	if hasOperand(rule, models.OperandCount) {
		max, err := MaxAccess(rule)
		if err != nil {
			// Defined degenerate case: an unreadable allowance denies
			// instead of crashing or silently passing.
			return false, "usage allowance unreadable", nil
		}
		count := facts.Access.Count
		if pip := PipEndpoint(rule); pip != "" {
			remote, err := v.pipCount(ctx, pip)
			if err != nil {
				return false, "policy information point unreachable", nil
			}
			count = remote
		}
		if count >= max {
			return false, fmt.Sprintf("usage count exhausted (%d of %d)", count, max), nil
		}
	}
	if hasIntervalBound(rule) {
		iv, err := Interval(rule)
		if err != nil {
			return false, "", err
		}
		if !iv.Contains(facts.Now) {
			return false, "outside permitted usage interval", nil
		}
	}
	if hasOperand(rule, models.OperandElapsedTime) {
		d, err := UsageDuration(rule)
		if err != nil {
			return false, "", err
		}
		if facts.Now.After(facts.ContractStart.Add(d)) {
			return false, "usage duration elapsed", nil
		}
	}
	if hasOperand(rule, models.OperandSystem) {
		allowed := AllowedConnector(rule)
		if allowed == "" || !strings.EqualFold(allowed, facts.Consumer) {
			return false, "consumer connector not permitted", nil
		}
	}
	return true, "", nil
}

func (v *Verifier) pipCount(ctx context.Context, endpoint string) (int64, error) {
	if v.PIP == nil {
		return 0, fmt.Errorf("no policy information point client configured")
	}
	raw, err := v.PIP.Value(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pip value %q: %w", raw, err)
	}
	return n, nil
}
