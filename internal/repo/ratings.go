package repo

import (
	"context"
	"database/sql"

	"shiftline/internal/db"
	"shiftline/internal/domain"
)

func (r Repo) InsertRatingTx(ctx context.Context, tx *sql.Tx, rt domain.Rating) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO ratings(id,shift_id,rater_id,rated_id,score,comment,created_at) VALUES (?,?,?,?,?,?,?)`,
		rt.ID, rt.ShiftID, rt.RaterID, rt.RatedID, rt.Score, nullable(rt.Comment), rt.CreatedAt)
	return err
}

func (r Repo) HasRatingTx(ctx context.Context, tx *sql.Tx, shiftID, raterID string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT count(*) FROM ratings WHERE shift_id=? AND rater_id=?`, shiftID, raterID).Scan(&n)
	return n > 0, err
}

func (r Repo) ListRatingsForUser(ctx context.Context, ratedID string) ([]domain.Rating, error) {
	rows, err := r.conn(nil).QueryContext(ctx, `SELECT id,shift_id,rater_id,rated_id,score,COALESCE(comment,''),created_at
FROM ratings WHERE rated_id=? ORDER BY created_at DESC, id DESC`, ratedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rating
	for rows.Next() {
		var rt domain.Rating
		if err := rows.Scan(&rt.ID, &rt.ShiftID, &rt.RaterID, &rt.RatedID, &rt.Score, &rt.Comment, &rt.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rt)
	}
	return res, rows.Err()
}

// LockReputationTx makes sure userID has an aggregate row and holds it until tx ends, so
// recomputes for one user run one after another and each reads totals committed before
// it took the lock. SQLite transactions already hold the write lock from BEGIN.
func (r Repo) LockReputationTx(ctx context.Context, tx *sql.Tx, userID, at string) error {
	if _, err := r.conn(tx).ExecContext(ctx, `INSERT INTO user_reputations(user_id,average,count,updated_at) VALUES (?,0,0,?)
ON CONFLICT(user_id) DO NOTHING`, userID, at); err != nil {
		return err
	}
	var held string
	return r.conn(tx).QueryRowContext(ctx, reputationLockQuery(r.Dialect), userID).Scan(&held)
}

func reputationLockQuery(dialect string) string {
	q := `SELECT user_id FROM user_reputations WHERE user_id=?`
	if dialect == db.DriverPostgres {
		q += ` FOR UPDATE`
	}
	return q
}

// RatingTotalsTx sums every stored score for ratedID.
func (r Repo) RatingTotalsTx(ctx context.Context, tx *sql.Tx, ratedID string) (sum int64, count int, err error) {
	err = r.conn(tx).QueryRowContext(ctx, `SELECT COALESCE(SUM(score),0), count(*) FROM ratings WHERE rated_id=?`, ratedID).Scan(&sum, &count)
	return sum, count, err
}

func (r Repo) UpsertReputationTx(ctx context.Context, tx *sql.Tx, rep domain.UserReputation) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO user_reputations(user_id,average,count,updated_at) VALUES (?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET average=excluded.average, count=excluded.count, updated_at=excluded.updated_at`,
		rep.UserID, rep.Average, rep.Count, rep.UpdatedAt)
	return err
}

func (r Repo) GetReputation(ctx context.Context, userID string) (domain.UserReputation, error) {
	var rep domain.UserReputation
	err := r.conn(nil).QueryRowContext(ctx, `SELECT user_id,average,count,updated_at FROM user_reputations WHERE user_id=?`, userID).
		Scan(&rep.UserID, &rep.Average, &rep.Count, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	return rep, err
}
