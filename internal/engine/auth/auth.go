package auth

import (
	"errors"
	"fmt"

	"shiftline/internal/domain"
)

// ErrUnauthorizedParty is matched by every PartyError.
var ErrUnauthorizedParty = errors.New("caller is not a legitimate party to this shift")

// PartyError indicates the caller lacks the party role an operation requires.
type PartyError struct {
	ShiftID  string
	CallerID string
	Role     string
}

func (e PartyError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("%s is not a party to shift %s", e.CallerID, e.ShiftID)
	}
	return fmt.Sprintf("%s is not the %s of shift %s", e.CallerID, e.Role, e.ShiftID)
}

func (e PartyError) Unwrap() error { return ErrUnauthorizedParty }

// RoleOf returns the role callerID holds on the shift.
func RoleOf(s domain.Shift, callerID string) (string, bool) {
	if callerID == "" {
		return "", false
	}
	if s.RequesterID == callerID {
		return domain.RoleRequester, true
	}
	if s.IsAdmitted(callerID) {
		return domain.RoleFulfiller, true
	}
	return "", false
}

func RequireRequester(s domain.Shift, callerID string) error {
	return RequireRole(s, callerID, domain.RoleRequester)
}

// RequireRole checks that callerID holds role on the shift. Any admitted fulfiller
// holds the fulfiller role.
func RequireRole(s domain.Shift, callerID, role string) error {
	got, ok := RoleOf(s, callerID)
	if !ok || got != role {
		return PartyError{ShiftID: s.ID, CallerID: callerID, Role: role}
	}
	return nil
}

func RequireParty(s domain.Shift, callerID string) error {
	if _, ok := RoleOf(s, callerID); !ok {
		return PartyError{ShiftID: s.ID, CallerID: callerID}
	}
	return nil
}

// RequireCounterpart checks that raterID and ratedID sit on opposite sides of the shift:
// the requester rates an admitted fulfiller, a fulfiller rates the requester.
func RequireCounterpart(s domain.Shift, raterID, ratedID string) error {
	role, ok := RoleOf(s, raterID)
	if !ok {
		return PartyError{ShiftID: s.ID, CallerID: raterID}
	}
	switch role {
	case domain.RoleRequester:
		if !s.IsAdmitted(ratedID) {
			return PartyError{ShiftID: s.ID, CallerID: ratedID, Role: domain.RoleFulfiller}
		}
	case domain.RoleFulfiller:
		if ratedID != s.RequesterID {
			return PartyError{ShiftID: s.ID, CallerID: ratedID, Role: domain.RoleRequester}
		}
	}
	return nil
}

// Parties lists the requester followed by the admitted fulfillers.
func Parties(s domain.Shift) []string {
	out := make([]string, 0, len(s.AdmittedFulfillerIDs)+1)
	out = append(out, s.RequesterID)
	out = append(out, s.AdmittedFulfillerIDs...)
	return out
}
