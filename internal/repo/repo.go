package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"shiftline/internal/db"
	"shiftline/internal/domain"
)

// Repo is the SQL data access layer. Methods taking a *sql.Tx participate in the
// caller's transaction; the others run directly on DB.
type Repo struct {
	DB      *sql.DB
	Dialect string
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// boundQuerier rewrites placeholders for the active dialect before delegating.
type boundQuerier struct {
	q       querier
	dialect string
}

func (b boundQuerier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.q.ExecContext(ctx, rebind(b.dialect, query), args...)
}

func (b boundQuerier) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.q.QueryContext(ctx, rebind(b.dialect, query), args...)
}

func (b boundQuerier) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return b.q.QueryRowContext(ctx, rebind(b.dialect, query), args...)
}

// conn returns the tx when present, otherwise the pool.
func (r Repo) conn(tx *sql.Tx) querier {
	if tx != nil {
		return boundQuerier{q: tx, dialect: r.Dialect}
	}
	return boundQuerier{q: r.DB, dialect: r.Dialect}
}

// rebind turns '?' placeholders into '$n' for postgres.
func rebind(dialect, query string) string {
	if dialect != db.DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, c := range query {
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteRune(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// IsUniqueViolation reports whether err came from a unique or primary key constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		code := sqlErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsTransient reports whether err is a lock or serialization failure. The statement had
// no effect and a fresh transaction may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		// Extended codes such as SQLITE_BUSY_SNAPSHOT carry the primary code in the low byte.
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// AppendEvent inserts an audit event row inside tx.
func (r Repo) AppendEvent(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		e.TS, e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, e.Payload)
	return err
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     int64
}

// LatestEvents returns events newest first, starting below the cursor when set.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.conn(nil).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEvents returns how many events of a type exist for an entity.
func (r Repo) CountEvents(ctx context.Context, evtType, entityID string) (int, error) {
	var n int
	err := r.conn(nil).QueryRowContext(ctx, `SELECT count(*) FROM events WHERE type=? AND entity_id=?`, evtType, entityID).Scan(&n)
	return n, err
}
