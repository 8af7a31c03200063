package engine

import (
	"context"
	"errors"
	"fmt"

	"shiftline/internal/domain"
	"shiftline/internal/engine/auth"
	"shiftline/internal/events"
	"shiftline/internal/repo"
)

const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

type AdmitOptions struct {
	ShiftID       string
	ApplicationID string
	CallerID      string
	Decision      string
}

type AdmissionResult struct {
	ApplicationID     string `json:"application_id"`
	ApplicationStatus string `json:"status"`
	ShiftStatus       string `json:"shift_status"`
	AdmittedCount     int    `json:"admitted_count"`
	RequiredCount     int    `json:"required_count"`
}

// Admit accepts or rejects a pending application. Accepting is capacity safe under
// concurrent callers: the shift row only changes when it is still open, below capacity
// and at the version that was read. A lost race on the version alone is retried against
// fresh state, as is a transaction refused by a locked store; a lost race on capacity
// surfaces ErrShiftFull.
func (e Engine) Admit(ctx context.Context, opts AdmitOptions) (AdmissionResult, error) {
	if opts.ShiftID == "" {
		return AdmissionResult{}, invalid("shift_id", "required")
	}
	if opts.ApplicationID == "" {
		return AdmissionResult{}, invalid("application_id", "required")
	}
	if opts.CallerID == "" {
		return AdmissionResult{}, invalid("caller_id", "required")
	}
	if opts.Decision != DecisionAccept && opts.Decision != DecisionReject {
		return AdmissionResult{}, invalid("decision", "must be accept or reject")
	}
	log := e.log(ctx).With("operation", "admit", "shift_id", opts.ShiftID, "application_id", opts.ApplicationID)
	for attempt := 1; attempt <= e.attempts(); attempt++ {
		res, retry, err := e.admitOnce(ctx, opts)
		if repo.IsTransient(err) {
			log.Debug("admission hit a locked store; re-reading", "attempt", attempt, "error", err)
			if err := e.pause(ctx, attempt); err != nil {
				return AdmissionResult{}, err
			}
			continue
		}
		if err != nil {
			log.Info("admission refused", "error", err, "error_kind", KindOf(err))
			return res, err
		}
		if !retry {
			log.Info("admission committed", "decision", opts.Decision, "admitted_count", res.AdmittedCount, "shift_status", res.ShiftStatus)
			e.kick()
			return res, nil
		}
		log.Debug("admission lost optimistic race; re-reading", "attempt", attempt)
	}
	log.Warn("admission retries exhausted", "error_kind", KindCapacity)
	return AdmissionResult{}, ErrConflict
}

func (e Engine) admitOnce(ctx context.Context, opts AdmitOptions) (AdmissionResult, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdmissionResult{}, false, err
	}
	defer tx.Rollback()

	app, err := e.Repo.GetApplicationTx(ctx, tx, opts.ApplicationID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && app.ShiftID != opts.ShiftID) {
		return AdmissionResult{}, false, fmt.Errorf("%w: %s on shift %s", ErrApplicationNotFound, opts.ApplicationID, opts.ShiftID)
	}
	if err != nil {
		return AdmissionResult{}, false, err
	}
	s, err := e.shiftTx(ctx, tx, opts.ShiftID)
	if err != nil {
		return AdmissionResult{}, false, err
	}
	if err := auth.RequireRequester(s, opts.CallerID); err != nil {
		return AdmissionResult{}, false, err
	}
	if app.Status != domain.ApplicationPending {
		return AdmissionResult{}, false, fmt.Errorf("%w: application is %s", ErrApplicationNotPending, app.Status)
	}
	res := AdmissionResult{
		ApplicationID: app.ID,
		ShiftStatus:   s.Status,
		AdmittedCount: s.AdmittedCount,
		RequiredCount: s.RequiredCount,
	}
	now := e.stamp()
	w := e.writer()

	if opts.Decision == DecisionReject {
		if s.Status != domain.ShiftOpen && s.Status != domain.ShiftInProgress {
			return res, false, fmt.Errorf("%w: shift is %s", ErrShiftNotOpen, s.Status)
		}
		ok, err := e.Repo.DecideApplicationTx(ctx, tx, app.ID, domain.ApplicationRejected, "rejected_by_requester", now)
		if err != nil {
			return res, false, err
		}
		if !ok {
			return res, false, ErrApplicationNotPending
		}
		if err := w.Append(ctx, tx, "application.rejected", "application", app.ID, opts.CallerID, events.EventPayload{"shift_id": s.ID}); err != nil {
			return res, false, err
		}
		if err := w.Notify(ctx, tx, app.CandidateID, "admission.rejected", events.EventPayload{
			"shift_id": s.ID, "application_id": app.ID,
		}); err != nil {
			return res, false, err
		}
		if err := tx.Commit(); err != nil {
			return res, false, err
		}
		res.ApplicationStatus = domain.ApplicationRejected
		return res, false, nil
	}

	if err := capacityError(s); err != nil {
		return res, false, err
	}
	ok, err := e.Repo.DecideApplicationTx(ctx, tx, app.ID, domain.ApplicationAccepted, "", now)
	if err != nil {
		return res, false, err
	}
	if !ok {
		fresh, err := e.Repo.GetApplicationTx(ctx, tx, app.ID)
		if err != nil {
			return res, false, err
		}
		if fresh.Status != domain.ApplicationPending {
			return res, false, fmt.Errorf("%w: application is %s", ErrApplicationNotPending, fresh.Status)
		}
		return res, true, nil
	}
	ok, err = e.Repo.AdmitFulfillerTx(ctx, tx, s.ID, s.Version, now)
	if err != nil {
		return res, false, err
	}
	if !ok {
		fresh, err := e.Repo.GetShiftTx(ctx, tx, s.ID)
		if err != nil {
			return res, false, err
		}
		if err := capacityError(fresh); err != nil {
			return res, false, err
		}
		return res, true, nil
	}
	position := s.AdmittedCount + 1
	if err := e.Repo.InsertShiftFulfillerTx(ctx, tx, s.ID, app.CandidateID, app.ID, position, now); err != nil {
		if repo.IsUniqueViolation(err) {
			return res, false, fmt.Errorf("%w: %s already admitted", ErrApplicationNotPending, app.CandidateID)
		}
		return res, false, fmt.Errorf("append fulfiller: %w", err)
	}
	updated, err := e.Repo.GetShiftTx(ctx, tx, s.ID)
	if err != nil {
		return res, false, err
	}
	if err := w.Append(ctx, tx, "application.accepted", "application", app.ID, opts.CallerID, events.EventPayload{
		"shift_id":       s.ID,
		"candidate_id":   app.CandidateID,
		"admitted_count": updated.AdmittedCount,
		"required_count": updated.RequiredCount,
	}); err != nil {
		return res, false, err
	}
	if updated.Status == domain.ShiftInProgress {
		if err := w.Append(ctx, tx, "shift.filled", "shift", s.ID, opts.CallerID, events.EventPayload{
			"fulfiller_ids": updated.AdmittedFulfillerIDs,
		}); err != nil {
			return res, false, err
		}
		if err := w.Notify(ctx, tx, s.RequesterID, "shift.filled", events.EventPayload{
			"shift_id": s.ID, "fulfiller_ids": updated.AdmittedFulfillerIDs,
		}); err != nil {
			return res, false, err
		}
	}
	if err := w.Notify(ctx, tx, app.CandidateID, "admission.accepted", events.EventPayload{
		"shift_id":       s.ID,
		"application_id": app.ID,
		"terms":          updated.Terms(),
		"shift_status":   updated.Status,
	}); err != nil {
		return res, false, err
	}
	if err := tx.Commit(); err != nil {
		return res, false, err
	}
	res.ApplicationStatus = domain.ApplicationAccepted
	res.ShiftStatus = updated.Status
	res.AdmittedCount = updated.AdmittedCount
	res.RequiredCount = updated.RequiredCount
	return res, false, nil
}

// capacityError classifies a shift that cannot take another fulfiller. A shift at
// capacity reports ErrShiftFull even once it has moved on to in_progress.
func capacityError(s domain.Shift) error {
	switch {
	case s.Status == domain.ShiftOpen && s.AdmittedCount < s.RequiredCount:
		return nil
	case (s.Status == domain.ShiftOpen || s.Status == domain.ShiftInProgress) && s.AdmittedCount >= s.RequiredCount:
		return fmt.Errorf("%w: %d of %d admitted", ErrShiftFull, s.AdmittedCount, s.RequiredCount)
	default:
		return fmt.Errorf("%w: shift is %s", ErrShiftNotOpen, s.Status)
	}
}
