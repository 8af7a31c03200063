package repo

import (
	"context"
	"database/sql"

	"shiftline/internal/domain"
)

const applicationColumns = `id,shift_id,candidate_id,status,COALESCE(message,''),COALESCE(reason,''),created_at,decided_at`

func scanApplication(row scanner) (domain.Application, error) {
	var a domain.Application
	var decided sql.NullString
	err := row.Scan(&a.ID, &a.ShiftID, &a.CandidateID, &a.Status, &a.Message, &a.Reason, &a.CreatedAt, &decided)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.DecidedAt = stringPtr(decided)
	return a, err
}

func (r Repo) InsertApplicationTx(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO applications(id,shift_id,candidate_id,status,message,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.ShiftID, a.CandidateID, a.Status, nullable(a.Message), a.CreatedAt)
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	return scanApplication(r.conn(nil).QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=?`, id))
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Application, error) {
	return scanApplication(r.conn(tx).QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=?`, id))
}

// ActiveApplicationTx returns the candidate's non-rejected application on a shift.
func (r Repo) ActiveApplicationTx(ctx context.Context, tx *sql.Tx, shiftID, candidateID string) (domain.Application, error) {
	return scanApplication(r.conn(tx).QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications
WHERE shift_id=? AND candidate_id=? AND status<>'rejected'`, shiftID, candidateID))
}

func (r Repo) ListApplications(ctx context.Context, shiftID, status string) ([]domain.Application, error) {
	return listApplications(ctx, r.conn(nil), shiftID, status)
}

func (r Repo) ListApplicationsTx(ctx context.Context, tx *sql.Tx, shiftID, status string) ([]domain.Application, error) {
	return listApplications(ctx, r.conn(tx), shiftID, status)
}

func listApplications(ctx context.Context, q querier, shiftID, status string) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE shift_id=?`
	args := []any{shiftID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DecideApplicationTx moves a pending application to status. It reports false when the
// application was no longer pending.
func (r Repo) DecideApplicationTx(ctx context.Context, tx *sql.Tx, id, status, reason, at string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE applications SET status=?, reason=?, decided_at=? WHERE id=? AND status='pending'`,
		status, nullable(reason), at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
