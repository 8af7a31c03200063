package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"shiftline/internal/domain"
)

type scanner interface {
	Scan(dest ...any) error
}

const shiftColumns = `id,requester_id,title,COALESCE(description,''),COALESCE(location,''),pay_amount,pay_currency,starts_at,ends_at,
required_count,admitted_count,status,requester_completed,requester_completed_at,fulfiller_completed,fulfiller_completed_at,
fulfiller_completed_by,confirmation_count,required_confirmations,version,created_at,updated_at,completed_at,cancelled_at`

func scanShift(row scanner) (domain.Shift, error) {
	var s domain.Shift
	var reqDone, fulDone int
	var reqAt, fulAt, fulBy, completedAt, cancelledAt sql.NullString
	err := row.Scan(&s.ID, &s.RequesterID, &s.Title, &s.Description, &s.Location, &s.PayAmount, &s.PayCurrency, &s.StartsAt, &s.EndsAt,
		&s.RequiredCount, &s.AdmittedCount, &s.Status, &reqDone, &reqAt, &fulDone, &fulAt,
		&fulBy, &s.ConfirmationCount, &s.RequiredConfirmations, &s.Version, &s.CreatedAt, &s.UpdatedAt, &completedAt, &cancelledAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.RequesterCompleted = reqDone != 0
	s.FulfillerCompleted = fulDone != 0
	s.RequesterCompletedAt = stringPtr(reqAt)
	s.FulfillerCompletedAt = stringPtr(fulAt)
	s.FulfillerCompletedBy = stringPtr(fulBy)
	s.CompletedAt = stringPtr(completedAt)
	s.CancelledAt = stringPtr(cancelledAt)
	return s, nil
}

func (r Repo) InsertShiftTx(ctx context.Context, tx *sql.Tx, s domain.Shift) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO shifts(id,requester_id,title,description,location,pay_amount,pay_currency,starts_at,ends_at,
required_count,admitted_count,status,required_confirmations,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RequesterID, s.Title, nullable(s.Description), nullable(s.Location), s.PayAmount, s.PayCurrency, s.StartsAt, s.EndsAt,
		s.RequiredCount, s.AdmittedCount, s.Status, s.RequiredConfirmations, s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetShift(ctx context.Context, id string) (domain.Shift, error) {
	return r.getShift(ctx, r.conn(nil), id)
}

func (r Repo) GetShiftTx(ctx context.Context, tx *sql.Tx, id string) (domain.Shift, error) {
	return r.getShift(ctx, r.conn(tx), id)
}

func (r Repo) getShift(ctx context.Context, q querier, id string) (domain.Shift, error) {
	s, err := scanShift(q.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id=?`, id))
	if err != nil {
		return s, err
	}
	s.AdmittedFulfillerIDs, err = listFulfillers(ctx, q, id)
	return s, err
}

func listFulfillers(ctx context.Context, q querier, shiftID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT fulfiller_id FROM shift_fulfillers WHERE shift_id=? ORDER BY position`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type ShiftFilters struct {
	Status      string
	RequesterID string
	FulfillerID string
	Limit       int
	// Cursor is the id of the last shift of the previous page.
	Cursor string
}

func (r Repo) ListShifts(ctx context.Context, f ShiftFilters) ([]domain.Shift, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.FulfillerID != "" {
		clauses = append(clauses, "id IN (SELECT shift_id FROM shift_fulfillers WHERE fulfiller_id=?)")
		args = append(args, f.FulfillerID)
	}
	if f.Cursor != "" {
		clauses = append(clauses, "(created_at, id) < (SELECT created_at, id FROM shifts WHERE id=?)")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	q := r.conn(nil)
	query := fmt.Sprintf(`SELECT %s FROM shifts WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, shiftColumns, strings.Join(clauses, " AND "))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Shift
	for rows.Next() {
		s, err := scanShift(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		ids, err := listFulfillers(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].AdmittedFulfillerIDs = ids
	}
	return res, nil
}

// AdmitFulfillerTx increments the admitted count of an open shift with spare capacity,
// advancing it to in_progress when the count reaches the required count. The update only
// applies when the shift still carries expectedVersion. It reports whether a row changed.
func (r Repo) AdmitFulfillerTx(ctx context.Context, tx *sql.Tx, shiftID string, expectedVersion int64, at string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE shifts SET
admitted_count=admitted_count+1,
status=CASE WHEN admitted_count+1>=required_count THEN 'in_progress' ELSE status END,
version=version+1,
updated_at=?
WHERE id=? AND status='open' AND admitted_count<required_count AND version=?`, at, shiftID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) InsertShiftFulfillerTx(ctx context.Context, tx *sql.Tx, shiftID, fulfillerID, applicationID string, position int, at string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO shift_fulfillers(shift_id,fulfiller_id,application_id,position,admitted_at) VALUES (?,?,?,?,?)`,
		shiftID, fulfillerID, applicationID, position, at)
	return err
}

// TransitionShiftTx moves a shift from one status to another when it is still in from.
func (r Repo) TransitionShiftTx(ctx context.Context, tx *sql.Tx, shiftID, from, to, at string) (bool, error) {
	var cancelledAt any
	if to == domain.ShiftCancelled {
		cancelledAt = at
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE shifts SET status=?, cancelled_at=COALESCE(?, cancelled_at), version=version+1, updated_at=?
WHERE id=? AND status=?`, to, cancelledAt, at, shiftID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetConfirmationTx raises the completion flag of one party on an in_progress shift and
// bumps the confirmation counter. It reports false when the shift is not in_progress or
// the flag was already set.
func (r Repo) SetConfirmationTx(ctx context.Context, tx *sql.Tx, shiftID, role, confirmedBy, at string) (bool, error) {
	var query string
	var args []any
	switch role {
	case domain.RoleRequester:
		query = `UPDATE shifts SET requester_completed=1, requester_completed_at=?, confirmation_count=confirmation_count+1, version=version+1, updated_at=?
WHERE id=? AND status='in_progress' AND requester_completed=0`
		args = []any{at, at, shiftID}
	case domain.RoleFulfiller:
		query = `UPDATE shifts SET fulfiller_completed=1, fulfiller_completed_at=?, fulfiller_completed_by=?, confirmation_count=confirmation_count+1, version=version+1, updated_at=?
WHERE id=? AND status='in_progress' AND fulfiller_completed=0`
		args = []any{at, confirmedBy, at, shiftID}
	default:
		return false, fmt.Errorf("unknown role %q", role)
	}
	res, err := r.conn(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteShiftTx advances an in_progress shift to completed once every required
// confirmation has been recorded.
func (r Repo) CompleteShiftTx(ctx context.Context, tx *sql.Tx, shiftID, at string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE shifts SET status='completed', completed_at=?, version=version+1, updated_at=?
WHERE id=? AND status='in_progress' AND confirmation_count>=required_confirmations`, at, at, shiftID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
