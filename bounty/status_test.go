package bounty

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusOpen, StatusSubmitted}:     true,
		{StatusOpen, StatusCancelled}:     true,
		{StatusOpen, StatusRefunded}:      true,
		{StatusSubmitted, StatusPaid}:     true,
		{StatusCancelled, StatusRefunded}: true,
	}
	all := []Status{StatusOpen, StatusSubmitted, StatusApproved, StatusPaid, StatusCancelled, StatusRefunded}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != legal[[2]Status{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
	for _, s := range all {
		if CanTransition(s, StatusApproved) {
			t.Errorf("%s must not reach the reserved approved state", s)
		}
	}
}

func TestStatusNames(t *testing.T) {
	if StatusOpen != 0 || StatusRefunded != 5 {
		t.Fatal("numeric status values are part of the API")
	}
	for _, s := range []Status{StatusOpen, StatusSubmitted, StatusApproved, StatusPaid, StatusCancelled, StatusRefunded} {
		parsed, err := ParseStatus(s.String())
		if err != nil || parsed != s {
			t.Fatalf("round trip %s: %v %v", s, parsed, err)
		}
	}
	if _, err := ParseStatus("disputed"); err == nil {
		t.Fatal("expected unknown status error")
	}
	if Status(9).Valid() {
		t.Fatal("status 9 must be invalid")
	}

	b, err := json.Marshal(map[string]Status{"status": StatusCancelled})
	if err != nil || string(b) != `{"status":"cancelled"}` {
		t.Fatalf("marshal: %s %v", b, err)
	}
}

func TestActionCheckReasons(t *testing.T) {
	err := actionApprove.check(StatusOpen)
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if err.Error() != "bounty: invalid state transition: fix not submitted (status=open)" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if err := actionRefund.check(StatusCancelled); err != nil {
		t.Fatalf("refund of cancelled must pass: %v", err)
	}
	if err := actionRefund.check(StatusSubmitted); err == nil {
		t.Fatal("refund of submitted must fail")
	}
}
