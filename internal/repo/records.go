package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"shiftline/internal/domain"
)

// Completion records have no update or delete path; the schema rejects both.

const recordColumns = `id,shift_id,title,COALESCE(location,''),pay_amount,pay_currency,starts_at,ends_at,requester_id,
fulfiller_ids_json,fulfiller_confirmed_by,requester_confirmed_at,fulfiller_confirmed_at,issued_at`

func scanRecord(row scanner) (domain.CompletionRecord, error) {
	var rec domain.CompletionRecord
	var fulfillers string
	err := row.Scan(&rec.ID, &rec.ShiftID, &rec.Terms.Title, &rec.Terms.Location, &rec.Terms.PayAmount, &rec.Terms.PayCurrency,
		&rec.Terms.StartsAt, &rec.Terms.EndsAt, &rec.RequesterID, &fulfillers, &rec.FulfillerConfirmedBy,
		&rec.RequesterConfirmedAt, &rec.FulfillerConfirmedAt, &rec.IssuedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(fulfillers), &rec.FulfillerIDs); err != nil {
		return rec, err
	}
	return rec, nil
}

func (r Repo) InsertCompletionRecordTx(ctx context.Context, tx *sql.Tx, rec domain.CompletionRecord) error {
	ids := rec.FulfillerIDs
	if ids == nil {
		ids = []string{}
	}
	fulfillers, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO completion_records(id,shift_id,title,location,pay_amount,pay_currency,starts_at,ends_at,
requester_id,fulfiller_ids_json,fulfiller_confirmed_by,requester_confirmed_at,fulfiller_confirmed_at,issued_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ShiftID, rec.Terms.Title, nullable(rec.Terms.Location), rec.Terms.PayAmount, rec.Terms.PayCurrency, rec.Terms.StartsAt, rec.Terms.EndsAt,
		rec.RequesterID, string(fulfillers), rec.FulfillerConfirmedBy, rec.RequesterConfirmedAt, rec.FulfillerConfirmedAt, rec.IssuedAt)
	return err
}

func (r Repo) GetCompletionRecord(ctx context.Context, id string) (domain.CompletionRecord, error) {
	return scanRecord(r.conn(nil).QueryRowContext(ctx, `SELECT `+recordColumns+` FROM completion_records WHERE id=?`, id))
}

func (r Repo) GetCompletionRecordByShift(ctx context.Context, shiftID string) (domain.CompletionRecord, error) {
	return scanRecord(r.conn(nil).QueryRowContext(ctx, `SELECT `+recordColumns+` FROM completion_records WHERE shift_id=?`, shiftID))
}

func (r Repo) GetCompletionRecordByShiftTx(ctx context.Context, tx *sql.Tx, shiftID string) (domain.CompletionRecord, error) {
	return scanRecord(r.conn(tx).QueryRowContext(ctx, `SELECT `+recordColumns+` FROM completion_records WHERE shift_id=?`, shiftID))
}

func (r Repo) CountCompletionRecords(ctx context.Context, shiftID string) (int, error) {
	var n int
	err := r.conn(nil).QueryRowContext(ctx, `SELECT count(*) FROM completion_records WHERE shift_id=?`, shiftID).Scan(&n)
	return n, err
}

// ListCompletionRecordsForUser returns every record where userID was the requester or an
// admitted fulfiller, newest first.
func (r Repo) ListCompletionRecordsForUser(ctx context.Context, userID string) ([]domain.CompletionRecord, error) {
	rows, err := r.conn(nil).QueryContext(ctx, `SELECT `+recordColumns+` FROM completion_records
WHERE requester_id=? OR shift_id IN (SELECT shift_id FROM shift_fulfillers WHERE fulfiller_id=?)
ORDER BY issued_at DESC, id DESC`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompletionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
