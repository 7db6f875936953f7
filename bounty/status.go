package bounty

import (
	"fmt"
	"strings"
)

// Status is the lifecycle position of a bounty. The numeric values are
// stable and exposed to clients.
type Status uint8

const (
	StatusOpen Status = iota
	StatusSubmitted
	// StatusApproved is reserved. Approval and payment commit together, so
	// no bounty is ever stored in this state.
	StatusApproved
	StatusPaid
	StatusCancelled
	StatusRefunded
)

var statusNames = [...]string{
	StatusOpen:      "open",
	StatusSubmitted: "submitted",
	StatusApproved:  "approved",
	StatusPaid:      "paid",
	StatusCancelled: "cancelled",
	StatusRefunded:  "refunded",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusRefunded
}

func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("bounty: unknown status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("bounty: unknown status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// transitions lists every legal edge. The bounty_validate_transition SQL
// function enforces the same table.
var transitions = map[Status][]Status{
	StatusOpen:      {StatusSubmitted, StatusCancelled, StatusRefunded},
	StatusSubmitted: {StatusPaid},
	StatusCancelled: {StatusRefunded},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// action names a mutating operation together with the reason reported when
// the bounty is in the wrong state for it.
type action struct {
	target Status
	reason string
}

var (
	actionSubmit  = action{target: StatusSubmitted, reason: "bounty is not open"}
	actionApprove = action{target: StatusPaid, reason: "fix not submitted"}
	actionCancel  = action{target: StatusCancelled, reason: "only open bounties can be cancelled"}
	actionRefund  = action{target: StatusRefunded, reason: "cannot refund in current status"}
)

func (a action) check(current Status) error {
	if CanTransition(current, a.target) {
		return nil
	}
	return fmt.Errorf("%w: %s (status=%s)", ErrInvalidStateTransition, a.reason, current)
}
