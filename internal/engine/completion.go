package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"shiftline/internal/domain"
	"shiftline/internal/engine/auth"
	"shiftline/internal/events"
	"shiftline/internal/repo"
)

// Completion sub-states of an in_progress shift.
const (
	StateAwaitingBoth       = "awaiting_both"
	StateAwaitingOtherParty = "awaiting_other_party"
	StateCompleted          = "completed"
)

type ConfirmOptions struct {
	ShiftID  string
	CallerID string
	Role     string
}

type ConfirmResult struct {
	ShiftID       string `json:"shift_id"`
	UserCompleted bool   `json:"user_completed"`
	BothCompleted bool   `json:"both_completed"`
	State         string `json:"state"`
	Message       string `json:"message"`
	RecordID      string `json:"record_id,omitempty"`
}

func completionState(s domain.Shift) string {
	switch {
	case s.Status == domain.ShiftCompleted:
		return StateCompleted
	case s.RequesterCompleted || s.FulfillerCompleted:
		return StateAwaitingOtherParty
	default:
		return StateAwaitingBoth
	}
}

// Confirm records one party's completion signal. Each side's flag is raised at most once;
// the call that raises the last missing flag moves the shift to completed and issues the
// completion record in the same transaction. Repeating a confirmation is a no-op that
// reports the current state, including the record once one exists.
func (e Engine) Confirm(ctx context.Context, opts ConfirmOptions) (ConfirmResult, error) {
	if opts.ShiftID == "" {
		return ConfirmResult{}, invalid("shift_id", "required")
	}
	if opts.CallerID == "" {
		return ConfirmResult{}, invalid("caller_id", "required")
	}
	if opts.Role != domain.RoleRequester && opts.Role != domain.RoleFulfiller {
		return ConfirmResult{}, invalid("role", "must be requester or fulfiller")
	}
	log := e.log(ctx).With("operation", "confirm", "shift_id", opts.ShiftID, "role", opts.Role)
	for attempt := 1; attempt <= e.attempts(); attempt++ {
		res, retry, err := e.confirmOnce(ctx, opts)
		if repo.IsTransient(err) {
			log.Debug("confirmation hit a locked store; re-reading", "attempt", attempt, "error", err)
			if err := e.pause(ctx, attempt); err != nil {
				return ConfirmResult{}, err
			}
			continue
		}
		if err != nil {
			log.Info("confirmation refused", "error", err, "error_kind", KindOf(err))
			return res, err
		}
		if !retry {
			log.Info("confirmation recorded", "state", res.State, "record_id", res.RecordID)
			if res.BothCompleted {
				e.kick()
			}
			return res, nil
		}
		log.Debug("confirmation lost optimistic race; re-reading", "attempt", attempt)
	}
	log.Warn("confirmation retries exhausted", "error_kind", KindCapacity)
	return ConfirmResult{}, ErrConflict
}

func (e Engine) confirmOnce(ctx context.Context, opts ConfirmOptions) (ConfirmResult, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ConfirmResult{}, false, err
	}
	defer tx.Rollback()

	s, err := e.shiftTx(ctx, tx, opts.ShiftID)
	if err != nil {
		return ConfirmResult{}, false, err
	}
	if err := auth.RequireRole(s, opts.CallerID, opts.Role); err != nil {
		return ConfirmResult{}, false, err
	}
	res := ConfirmResult{ShiftID: s.ID, UserCompleted: true}

	switch s.Status {
	case domain.ShiftCompleted:
		if !confirmedBy(s, opts.CallerID, opts.Role) {
			return ConfirmResult{}, false, fmt.Errorf("%w: shift is %s", ErrShiftNotInProgress, s.Status)
		}
		rec, err := e.Repo.GetCompletionRecordByShiftTx(ctx, tx, s.ID)
		if err != nil {
			return ConfirmResult{}, false, fmt.Errorf("load completion record: %w", err)
		}
		res.BothCompleted = true
		res.State = StateCompleted
		res.RecordID = rec.ID
		res.Message = "shift already completed"
		return res, false, nil
	case domain.ShiftInProgress:
	default:
		return ConfirmResult{}, false, fmt.Errorf("%w: shift is %s", ErrShiftNotInProgress, s.Status)
	}

	if flagSet(s, opts.Role) {
		res.State = completionState(s)
		res.Message = fmt.Sprintf("%s side already confirmed; waiting for the other party", opts.Role)
		return res, false, nil
	}

	now := e.stamp()
	ok, err := e.Repo.SetConfirmationTx(ctx, tx, s.ID, opts.Role, opts.CallerID, now)
	if err != nil {
		return ConfirmResult{}, false, err
	}
	if !ok {
		return ConfirmResult{}, true, nil
	}
	w := e.writer()
	if err := w.Append(ctx, tx, "shift.confirmed", "shift", s.ID, opts.CallerID, events.EventPayload{"role": opts.Role}); err != nil {
		return ConfirmResult{}, false, err
	}

	done, err := e.Repo.CompleteShiftTx(ctx, tx, s.ID, now)
	if err != nil {
		return ConfirmResult{}, false, err
	}
	if !done {
		if err := tx.Commit(); err != nil {
			return ConfirmResult{}, false, err
		}
		res.State = StateAwaitingOtherParty
		res.Message = "confirmation recorded; waiting for the other party"
		return res, false, nil
	}

	rec, err := e.issueRecord(ctx, tx, s.ID, opts.CallerID)
	if err != nil {
		return ConfirmResult{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return ConfirmResult{}, false, err
	}
	res.BothCompleted = true
	res.State = StateCompleted
	res.RecordID = rec.ID
	res.Message = "both parties confirmed; completion record issued"
	return res, false, nil
}

// issueRecord snapshots the completed shift into its completion record and queues the
// completion notices. It must run in the transaction that completed the shift.
func (e Engine) issueRecord(ctx context.Context, tx *sql.Tx, shiftID, actorID string) (domain.CompletionRecord, error) {
	s, err := e.Repo.GetShiftTx(ctx, tx, shiftID)
	if err != nil {
		return domain.CompletionRecord{}, err
	}
	rec := domain.CompletionRecord{
		ID:                   uuid.NewString(),
		ShiftID:              s.ID,
		Terms:                s.Terms(),
		RequesterID:          s.RequesterID,
		FulfillerIDs:         s.AdmittedFulfillerIDs,
		FulfillerConfirmedBy: deref(s.FulfillerCompletedBy),
		RequesterConfirmedAt: deref(s.RequesterCompletedAt),
		FulfillerConfirmedAt: deref(s.FulfillerCompletedAt),
		IssuedAt:             deref(s.CompletedAt),
	}
	if err := e.Repo.InsertCompletionRecordTx(ctx, tx, rec); err != nil {
		return rec, fmt.Errorf("insert completion record: %w", err)
	}
	w := e.writer()
	if err := w.Append(ctx, tx, "shift.completed", "shift", s.ID, actorID, events.EventPayload{"record_id": rec.ID}); err != nil {
		return rec, err
	}
	for _, party := range auth.Parties(s) {
		if err := w.Notify(ctx, tx, party, "shift.completed", events.EventPayload{
			"shift_id": s.ID, "record_id": rec.ID,
		}); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func flagSet(s domain.Shift, role string) bool {
	if role == domain.RoleRequester {
		return s.RequesterCompleted
	}
	return s.FulfillerCompleted
}

// confirmedBy reports whether callerID personally raised the flag for role.
func confirmedBy(s domain.Shift, callerID, role string) bool {
	if role == domain.RoleRequester {
		return s.RequesterCompleted && s.RequesterID == callerID
	}
	return s.FulfillerCompleted && deref(s.FulfillerCompletedBy) == callerID
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (e Engine) GetCompletionRecord(ctx context.Context, id, callerID string) (domain.CompletionRecord, error) {
	rec, err := e.Repo.GetCompletionRecord(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return rec, err
	}
	return rec, requireRecordParty(rec, callerID)
}

func (e Engine) GetCompletionRecordForShift(ctx context.Context, shiftID, callerID string) (domain.CompletionRecord, error) {
	if _, err := e.GetShift(ctx, shiftID); err != nil {
		return domain.CompletionRecord{}, err
	}
	rec, err := e.Repo.GetCompletionRecordByShift(ctx, shiftID)
	if errors.Is(err, repo.ErrNotFound) {
		return rec, fmt.Errorf("%w: shift %s has no completion record", ErrRecordNotFound, shiftID)
	}
	if err != nil {
		return rec, err
	}
	return rec, requireRecordParty(rec, callerID)
}

func (e Engine) ListCompletionRecords(ctx context.Context, userID string) ([]domain.CompletionRecord, error) {
	if userID == "" {
		return nil, invalid("user_id", "required")
	}
	return e.Repo.ListCompletionRecordsForUser(ctx, userID)
}

// requireRecordParty restricts a record to the parties it names. An empty callerID skips
// the check for local tooling.
func requireRecordParty(rec domain.CompletionRecord, callerID string) error {
	if callerID == "" || callerID == rec.RequesterID {
		return nil
	}
	for _, id := range rec.FulfillerIDs {
		if id == callerID {
			return nil
		}
	}
	return auth.PartyError{ShiftID: rec.ShiftID, CallerID: callerID}
}
