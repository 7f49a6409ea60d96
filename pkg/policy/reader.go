package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dataspace/pkg/models"
)

var (
	ErrNoCountConstraint = errors.New("rule has no count constraint")
	ErrCountOperator     = errors.New("unsupported operator on count constraint")
	ErrLoneBound         = errors.New("interval requires exactly one AFTER and one BEFORE bound")
	ErrInvalidInterval   = errors.New("interval start must be before end")
	ErrNoDuration        = errors.New("rule has no elapsed-time constraint")
	ErrNoEndpoint        = errors.New("notify duty has no endpoint constraint")
	ErrNoDeletionDate    = errors.New("deletion duty has no timestamp constraint")
	ErrBadLiteral        = errors.New("constraint literal does not parse")
)

// TimeInterval is the half-open window [Start, End) during which a rule
// may be exercised.
type TimeInterval struct {
	Start time.Time
	End   time.Time
}

func (iv TimeInterval) Contains(at time.Time) bool {
	return !at.Before(iv.Start) && at.Before(iv.End)
}

// MaxAccess reads the effective usage allowance from the first COUNT
// constraint of a rule. LT N means strictly fewer than N prior
// accesses, so the allowance is N-1; EQ and LTEQ use N directly.
// A negative literal clamps to zero, which denies every access.
func MaxAccess(rule models.Rule) (int64, error) {
	for _, c := range rule.Constraints {
		if c.LeftOperand != models.OperandCount {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(c.RightOperand), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: count %q", ErrBadLiteral, c.RightOperand)
		}
		switch c.Operator {
		case models.OpEQ, models.OpLTEQ:
		case models.OpLT:
			n--
		default:
			return 0, fmt.Errorf("%w: %s", ErrCountOperator, c.Operator)
		}
		if n < 0 {
			n = 0
		}
		return n, nil
	}
	return 0, ErrNoCountConstraint
}

// Interval reads the evaluation-time window from a rule. Exactly one
// AFTER and one BEFORE constraint must be present; a lone bound or an
// inverted window is an error, never an implicit pass.
func Interval(rule models.Rule) (TimeInterval, error) {
	var iv TimeInterval
	var haveStart, haveEnd bool
	for _, c := range rule.Constraints {
		if c.LeftOperand != models.OperandPolicyEvaluationTime {
			continue
		}
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(c.RightOperand))
		if err != nil {
			return TimeInterval{}, fmt.Errorf("%w: timestamp %q", ErrBadLiteral, c.RightOperand)
		}
		switch c.Operator {
		case models.OpAfter:
			if haveStart {
				return TimeInterval{}, ErrLoneBound
			}
			iv.Start = at
			haveStart = true
		case models.OpBefore:
			if haveEnd {
				return TimeInterval{}, ErrLoneBound
			}
			iv.End = at
			haveEnd = true
		}
	}
	if !haveStart || !haveEnd {
		return TimeInterval{}, ErrLoneBound
	}
	if !iv.Start.Before(iv.End) {
		return TimeInterval{}, ErrInvalidInterval
	}
	return iv, nil
}

// UsageDuration reads the ELAPSED_TIME bound: how long after contract
// start the rule remains usable.
func UsageDuration(rule models.Rule) (time.Duration, error) {
	for _, c := range rule.Constraints {
		if c.LeftOperand != models.OperandElapsedTime {
			continue
		}
		if c.Operator != models.OpShorterEq {
			return 0, fmt.Errorf("%w on elapsed-time constraint: %s", ErrCountOperator, c.Operator)
		}
		d, err := ParseISODuration(strings.TrimSpace(c.RightOperand))
		if err != nil {
			return 0, fmt.Errorf("%w: duration %q", ErrBadLiteral, c.RightOperand)
		}
		return d, nil
	}
	return 0, ErrNoDuration
}

// NotifyEndpoint reads the callback URI from a NOTIFY duty. The
// evaluator surfaces the URI; the transport layer performs the call.
func NotifyEndpoint(rule models.Rule) (string, error) {
	for _, c := range rule.Constraints {
		if c.LeftOperand == models.OperandEndpoint && c.Operator == models.OpDefinesAs {
			uri := strings.TrimSpace(c.RightOperand)
			if uri == "" {
				return "", ErrNoEndpoint
			}
			return uri, nil
		}
	}
	return "", ErrNoEndpoint
}

// DeletionDate reads the timestamp at which a DELETE duty ends the
// usage period. The data may be used before that instant and must be
// deleted at it.
func DeletionDate(rule models.Rule) (time.Time, error) {
	for _, c := range rule.Constraints {
		if c.LeftOperand != models.OperandPolicyEvaluationTime || c.Operator != models.OpTemporalEquals {
			continue
		}
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(c.RightOperand))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrBadLiteral, c.RightOperand)
		}
		return at, nil
	}
	return time.Time{}, ErrNoDeletionDate
}

// AllowedConnector reads the consumer connector a rule pins access to,
// or "" when the rule is not connector-restricted.
func AllowedConnector(rule models.Rule) string {
	for _, c := range rule.Constraints {
		if c.LeftOperand == models.OperandSystem && c.Operator == models.OpSameAs {
			return strings.TrimSpace(c.RightOperand)
		}
	}
	return ""
}

// PipEndpoint returns the policy-information-point endpoint attached to
// the first COUNT constraint, or "" for locally evaluated counts.
func PipEndpoint(rule models.Rule) string {
	for _, c := range rule.Constraints {
		if c.LeftOperand == models.OperandCount {
			return strings.TrimSpace(c.PipEndpoint)
		}
	}
	return ""
}

// ParseISODuration parses an ISO-8601 duration with integer components.
// Years and months use fixed 365- and 30-day lengths.
func ParseISODuration(s string) (time.Duration, error) {
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	rest := s[1:]
	datePart := rest
	timePart := ""
	if i := strings.IndexByte(rest, 'T'); i >= 0 {
		datePart = rest[:i]
		timePart = rest[i+1:]
		if timePart == "" {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
		}
	}
	var total time.Duration
	parse := func(part string, units map[byte]time.Duration) error {
		num := ""
		for i := 0; i < len(part); i++ {
			ch := part[i]
			if ch >= '0' && ch <= '9' {
				num += string(ch)
				continue
			}
			unit, ok := units[ch]
			if !ok || num == "" {
				return fmt.Errorf("invalid ISO-8601 duration %q", s)
			}
			n, err := strconv.ParseInt(num, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid ISO-8601 duration %q", s)
			}
			total += time.Duration(n) * unit
			num = ""
		}
		if num != "" {
			return fmt.Errorf("invalid ISO-8601 duration %q", s)
		}
		return nil
	}
	if err := parse(datePart, map[byte]time.Duration{
		'Y': 365 * 24 * time.Hour,
		'M': 30 * 24 * time.Hour,
		'W': 7 * 24 * time.Hour,
		'D': 24 * time.Hour,
	}); err != nil {
		return 0, err
	}
	if err := parse(timePart, map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	}); err != nil {
		return 0, err
	}
	if datePart == "" && timePart == "" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	return total, nil
}
