package auth

import (
	"errors"
	"testing"

	"shiftline/internal/domain"
)

func testShift() domain.Shift {
	return domain.Shift{ID: "s1", RequesterID: "req", AdmittedFulfillerIDs: []string{"f1", "f2"}}
}

func TestRoleOf(t *testing.T) {
	s := testShift()
	if role, ok := RoleOf(s, "req"); !ok || role != domain.RoleRequester {
		t.Fatalf("expected requester, got %q %v", role, ok)
	}
	if role, ok := RoleOf(s, "f2"); !ok || role != domain.RoleFulfiller {
		t.Fatalf("expected fulfiller, got %q %v", role, ok)
	}
	if _, ok := RoleOf(s, "stranger"); ok {
		t.Fatalf("stranger should hold no role")
	}
	if _, ok := RoleOf(s, ""); ok {
		t.Fatalf("empty caller should hold no role")
	}
}

func TestRequireRole(t *testing.T) {
	s := testShift()
	if err := RequireRole(s, "f1", domain.RoleFulfiller); err != nil {
		t.Fatalf("f1 is an admitted fulfiller: %v", err)
	}
	err := RequireRole(s, "f1", domain.RoleRequester)
	if !errors.Is(err, ErrUnauthorizedParty) {
		t.Fatalf("expected unauthorized party, got %v", err)
	}
	var pe PartyError
	if !errors.As(err, &pe) || pe.Role != domain.RoleRequester {
		t.Fatalf("expected PartyError with requester role, got %#v", err)
	}
	if err := RequireParty(s, "stranger"); !errors.Is(err, ErrUnauthorizedParty) {
		t.Fatalf("expected stranger rejected, got %v", err)
	}
}

func TestRequireCounterpart(t *testing.T) {
	s := testShift()
	if err := RequireCounterpart(s, "req", "f2"); err != nil {
		t.Fatalf("requester may rate fulfiller: %v", err)
	}
	if err := RequireCounterpart(s, "f1", "req"); err != nil {
		t.Fatalf("fulfiller may rate requester: %v", err)
	}
	if err := RequireCounterpart(s, "f1", "f2"); err == nil {
		t.Fatalf("fulfillers may not rate each other")
	}
	if err := RequireCounterpart(s, "req", "stranger"); err == nil {
		t.Fatalf("requester may not rate non-admitted user")
	}
	if err := RequireCounterpart(s, "stranger", "req"); err == nil {
		t.Fatalf("stranger may not rate")
	}
}
