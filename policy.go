package utskick

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidPolicy = errors.New("invalid schedule policy")

type PolicyType string

const PolicyImmediate PolicyType = "immediate"
const PolicyAt PolicyType = "at"
const PolicyBatched PolicyType = "batched"

func (p PolicyType) String() string {
	return string(p)
}

// ParsePolicyType accepts the policy names, case insensitive. "scheduled" is an alias of "at".
func ParsePolicyType(s string) (PolicyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "immediate", "":
		return PolicyImmediate, nil
	case "at", "scheduled":
		return PolicyAt, nil
	case "batched", "batch":
		return PolicyBatched, nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrInvalidPolicy, s)
}

// Policy decides how the emails of one scheduling call are dispatched.
// Only the fields belonging to Type are read.
type Policy struct {
	Type PolicyType

	// At
	Time time.Time

	// Batched
	Size     int
	Interval time.Duration
}

func Immediate() Policy {
	return Policy{Type: PolicyImmediate}
}

func At(t time.Time) Policy {
	return Policy{Type: PolicyAt, Time: t}
}

func Batched(size int, interval time.Duration) Policy {
	return Policy{Type: PolicyBatched, Size: size, Interval: interval}
}

func (p Policy) Validate() error {
	switch p.Type {
	case PolicyImmediate:
		return nil
	case PolicyAt:
		if p.Time.IsZero() {
			return fmt.Errorf("%w: at requires a time", ErrInvalidPolicy)
		}
		return nil
	case PolicyBatched:
		return errors.Join(
			positive("size", int64(p.Size)),
			positive("interval", int64(p.Interval)),
		)
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidPolicy, p.Type)
}

func positive(field string, v int64) error {
	if v > 0 {
		return nil
	}
	return fmt.Errorf("%w: batched requires a positive %s", ErrInvalidPolicy, field)
}

func (p Policy) String() string {
	switch p.Type {
	case PolicyAt:
		return fmt.Sprintf("at(%s)", p.Time.Format(time.RFC3339))
	case PolicyBatched:
		return fmt.Sprintf("batched(%d, %s)", p.Size, p.Interval)
	}
	return p.Type.String()
}

// PolicySpec is the wire form of a Policy.
type PolicySpec struct {
	Type            string     `json:"type"`
	Time            *time.Time `json:"time,omitempty"`
	Size            int        `json:"size,omitempty"`
	IntervalMinutes float64    `json:"interval_minutes,omitempty"`
}

func (s PolicySpec) Policy() (Policy, error) {
	t, err := ParsePolicyType(s.Type)
	if err != nil {
		return Policy{}, err
	}
	p := Policy{Type: t}
	switch t {
	case PolicyAt:
		if s.Time != nil {
			p.Time = *s.Time
		}
	case PolicyBatched:
		p.Size = s.Size
		p.Interval = time.Duration(s.IntervalMinutes * float64(time.Minute))
	}
	return p, p.Validate()
}

func (p Policy) Spec() PolicySpec {
	s := PolicySpec{Type: p.Type.String()}
	switch p.Type {
	case PolicyAt:
		t := p.Time
		s.Time = &t
	case PolicyBatched:
		s.Size = p.Size
		s.IntervalMinutes = p.Interval.Minutes()
	}
	return s
}
