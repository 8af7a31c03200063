package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"shiftline/internal/config"
	"shiftline/internal/db"
	"shiftline/internal/domain"
	"shiftline/internal/engine/auth"
	"shiftline/internal/events"
	"shiftline/internal/logging"
	"shiftline/internal/repo"
)

// Kicker is woken after a commit that queued notifications.
type Kicker interface {
	Kick()
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	Logger   *slog.Logger
	Dispatch Kicker
}

func New(conn *sql.DB, dialect string, cfg *config.Config) Engine {
	if dialect == "" {
		dialect = db.DriverSQLite
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// writer shares the engine clock with the event writer.
func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) log(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, e.Logger)
}

func (e Engine) kick() {
	if e.Dispatch != nil {
		e.Dispatch.Kick()
	}
}

func (e Engine) attempts() int {
	if n := e.cfg().Admission.MaxAttempts; n > 0 {
		return n
	}
	return 1
}

// pause backs off before retrying a transaction that hit a locked store.
func (e Engine) pause(ctx context.Context, attempt int) error {
	t := time.NewTimer(time.Duration(attempt) * 25 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e Engine) shiftTx(ctx context.Context, tx *sql.Tx, id string) (domain.Shift, error) {
	s, err := e.Repo.GetShiftTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return s, fmt.Errorf("%w: %s", ErrShiftNotFound, id)
	}
	return s, err
}

// CreateShiftOptions are parameters for posting a shift.
type CreateShiftOptions struct {
	ID            string
	RequesterID   string
	Title         string
	Description   string
	Location      string
	PayAmount     int64
	PayCurrency   string
	StartsAt      string
	EndsAt        string
	RequiredCount int
	Publish       bool
}

func (e Engine) CreateShift(ctx context.Context, opts CreateShiftOptions) (domain.Shift, error) {
	if opts.RequesterID == "" {
		return domain.Shift{}, invalid("requester_id", "required")
	}
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Shift{}, invalid("title", "required")
	}
	maxCount := e.cfg().Shifts.MaxRequiredCount
	if opts.RequiredCount < 1 || opts.RequiredCount > maxCount {
		return domain.Shift{}, invalid("required_count", fmt.Sprintf("must be between 1 and %d", maxCount))
	}
	if opts.PayAmount < 0 {
		return domain.Shift{}, invalid("pay_amount", "must not be negative")
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.PayCurrency))
	if !isCurrencyCode(currency) {
		return domain.Shift{}, invalid("pay_currency", "must be a three letter ISO 4217 code")
	}
	starts, err := time.Parse(time.RFC3339, opts.StartsAt)
	if err != nil {
		return domain.Shift{}, invalid("starts_at", "must be RFC3339")
	}
	ends, err := time.Parse(time.RFC3339, opts.EndsAt)
	if err != nil {
		return domain.Shift{}, invalid("ends_at", "must be RFC3339")
	}
	if !ends.After(starts) {
		return domain.Shift{}, invalid("ends_at", "must be after starts_at")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := domain.ShiftDraft
	if opts.Publish {
		status = domain.ShiftOpen
	}
	now := e.stamp()
	s := domain.Shift{
		ID:                    id,
		RequesterID:           opts.RequesterID,
		Title:                 opts.Title,
		Description:           opts.Description,
		Location:              opts.Location,
		PayAmount:             opts.PayAmount,
		PayCurrency:           currency,
		StartsAt:              starts.UTC().Format(time.RFC3339),
		EndsAt:                ends.UTC().Format(time.RFC3339),
		RequiredCount:         opts.RequiredCount,
		AdmittedFulfillerIDs:  []string{},
		Status:                status,
		RequiredConfirmations: domain.RequiredConfirmations,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Shift{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertShiftTx(ctx, tx, s); err != nil {
		return domain.Shift{}, fmt.Errorf("insert shift: %w", err)
	}
	if err := e.writer().Append(ctx, tx, "shift.created", "shift", s.ID, opts.RequesterID, events.EventPayload{
		"status":         s.Status,
		"required_count": s.RequiredCount,
		"title":          s.Title,
	}); err != nil {
		return domain.Shift{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Shift{}, err
	}
	return s, nil
}

func isCurrencyCode(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// PublishShift opens a draft shift for applications.
func (e Engine) PublishShift(ctx context.Context, shiftID, callerID string) (domain.Shift, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Shift{}, err
	}
	defer tx.Rollback()

	s, err := e.shiftTx(ctx, tx, shiftID)
	if err != nil {
		return s, err
	}
	if err := auth.RequireRequester(s, callerID); err != nil {
		return s, err
	}
	if s.Status != domain.ShiftDraft {
		return s, fmt.Errorf("%w: shift is %s", ErrShiftNotOpen, s.Status)
	}
	ok, err := e.Repo.TransitionShiftTx(ctx, tx, s.ID, domain.ShiftDraft, domain.ShiftOpen, e.stamp())
	if err != nil {
		return s, err
	}
	if !ok {
		return s, ErrConflict
	}
	if err := e.writer().Append(ctx, tx, "shift.published", "shift", s.ID, callerID, nil); err != nil {
		return s, err
	}
	if s, err = e.Repo.GetShiftTx(ctx, tx, s.ID); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// CancelShift moves a non-terminal shift to cancelled, rejects its pending applications
// and tells every candidate and admitted fulfiller.
func (e Engine) CancelShift(ctx context.Context, shiftID, callerID, reason string) (domain.Shift, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Shift{}, err
	}
	defer tx.Rollback()

	s, err := e.shiftTx(ctx, tx, shiftID)
	if err != nil {
		return s, err
	}
	if err := auth.RequireRequester(s, callerID); err != nil {
		return s, err
	}
	if s.Status == domain.ShiftCompleted || s.Status == domain.ShiftCancelled {
		return s, fmt.Errorf("%w: shift is %s", ErrShiftTerminal, s.Status)
	}
	now := e.stamp()
	ok, err := e.Repo.TransitionShiftTx(ctx, tx, s.ID, s.Status, domain.ShiftCancelled, now)
	if err != nil {
		return s, err
	}
	if !ok {
		return s, ErrConflict
	}
	pending, err := e.Repo.ListApplicationsTx(ctx, tx, s.ID, domain.ApplicationPending)
	if err != nil {
		return s, err
	}
	w := e.writer()
	for _, app := range pending {
		if _, err := e.Repo.DecideApplicationTx(ctx, tx, app.ID, domain.ApplicationRejected, "shift_cancelled", now); err != nil {
			return s, err
		}
		if err := w.Notify(ctx, tx, app.CandidateID, "application.rejected", events.EventPayload{
			"shift_id": s.ID, "application_id": app.ID, "reason": "shift_cancelled",
		}); err != nil {
			return s, err
		}
	}
	for _, fid := range s.AdmittedFulfillerIDs {
		if err := w.Notify(ctx, tx, fid, "shift.cancelled", events.EventPayload{"shift_id": s.ID, "reason": reason}); err != nil {
			return s, err
		}
	}
	if err := w.Append(ctx, tx, "shift.cancelled", "shift", s.ID, callerID, events.EventPayload{
		"from": s.Status, "reason": reason, "rejected_applications": len(pending),
	}); err != nil {
		return s, err
	}
	if s, err = e.Repo.GetShiftTx(ctx, tx, s.ID); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	e.kick()
	return s, nil
}

func (e Engine) GetShift(ctx context.Context, id string) (domain.Shift, error) {
	s, err := e.Repo.GetShift(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return s, fmt.Errorf("%w: %s", ErrShiftNotFound, id)
	}
	return s, err
}

func (e Engine) ListShifts(ctx context.Context, f repo.ShiftFilters) ([]domain.Shift, error) {
	return e.Repo.ListShifts(ctx, f)
}

type SubmitApplicationOptions struct {
	ID          string
	ShiftID     string
	CandidateID string
	Message     string
}

// SubmitApplication records a pending application on an open shift.
func (e Engine) SubmitApplication(ctx context.Context, opts SubmitApplicationOptions) (domain.Application, error) {
	if opts.ShiftID == "" {
		return domain.Application{}, invalid("shift_id", "required")
	}
	if opts.CandidateID == "" {
		return domain.Application{}, invalid("candidate_id", "required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	s, err := e.shiftTx(ctx, tx, opts.ShiftID)
	if err != nil {
		return domain.Application{}, err
	}
	if s.Status != domain.ShiftOpen {
		return domain.Application{}, fmt.Errorf("%w: shift is %s", ErrShiftNotOpen, s.Status)
	}
	if s.RequesterID == opts.CandidateID {
		return domain.Application{}, invalid("candidate_id", "requester cannot apply to their own shift")
	}
	if _, err := e.Repo.ActiveApplicationTx(ctx, tx, s.ID, opts.CandidateID); err == nil {
		return domain.Application{}, ErrDuplicateApplication
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Application{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	app := domain.Application{
		ID:          id,
		ShiftID:     s.ID,
		CandidateID: opts.CandidateID,
		Status:      domain.ApplicationPending,
		Message:     opts.Message,
		CreatedAt:   e.stamp(),
	}
	if err := e.Repo.InsertApplicationTx(ctx, tx, app); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Application{}, ErrDuplicateApplication
		}
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}
	w := e.writer()
	if err := w.Append(ctx, tx, "application.submitted", "application", app.ID, app.CandidateID, events.EventPayload{"shift_id": s.ID}); err != nil {
		return domain.Application{}, err
	}
	if err := w.Notify(ctx, tx, s.RequesterID, "application.submitted", events.EventPayload{
		"shift_id": s.ID, "application_id": app.ID, "candidate_id": app.CandidateID,
	}); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	e.kick()
	return app, nil
}

// WithdrawApplication lets a candidate retract a pending application. The application
// ends rejected with reason "withdrawn", which frees the candidate to apply again.
func (e Engine) WithdrawApplication(ctx context.Context, applicationID, candidateID string) (domain.Application, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	app, err := e.Repo.GetApplicationTx(ctx, tx, applicationID)
	if errors.Is(err, repo.ErrNotFound) {
		return app, fmt.Errorf("%w: %s", ErrApplicationNotFound, applicationID)
	}
	if err != nil {
		return app, err
	}
	if app.CandidateID != candidateID {
		return app, auth.PartyError{ShiftID: app.ShiftID, CallerID: candidateID, Role: "candidate"}
	}
	s, err := e.shiftTx(ctx, tx, app.ShiftID)
	if err != nil {
		return app, err
	}
	ok, err := e.Repo.DecideApplicationTx(ctx, tx, app.ID, domain.ApplicationRejected, "withdrawn", e.stamp())
	if err != nil {
		return app, err
	}
	if !ok {
		return app, fmt.Errorf("%w: application is %s", ErrApplicationNotPending, app.Status)
	}
	w := e.writer()
	if err := w.Append(ctx, tx, "application.withdrawn", "application", app.ID, candidateID, events.EventPayload{"shift_id": app.ShiftID}); err != nil {
		return app, err
	}
	if err := w.Notify(ctx, tx, s.RequesterID, "application.withdrawn", events.EventPayload{
		"shift_id": app.ShiftID, "application_id": app.ID, "candidate_id": candidateID,
	}); err != nil {
		return app, err
	}
	if app, err = e.Repo.GetApplicationTx(ctx, tx, app.ID); err != nil {
		return app, err
	}
	if err := tx.Commit(); err != nil {
		return app, err
	}
	e.kick()
	return app, nil
}

func (e Engine) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	app, err := e.Repo.GetApplication(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return app, fmt.Errorf("%w: %s", ErrApplicationNotFound, id)
	}
	return app, err
}

func (e Engine) ListApplications(ctx context.Context, shiftID, status string) ([]domain.Application, error) {
	if _, err := e.GetShift(ctx, shiftID); err != nil {
		return nil, err
	}
	return e.Repo.ListApplications(ctx, shiftID, status)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

func (e Engine) ListNotifications(ctx context.Context, f repo.NotificationFilters) ([]domain.Notification, error) {
	return e.Repo.ListNotifications(ctx, f)
}
