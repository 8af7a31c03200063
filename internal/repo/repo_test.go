package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lib/pq"

	"shiftline/internal/db"
	"shiftline/internal/domain"
	"shiftline/internal/migrate"
)

const testStamp = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) (Repo, string) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.MigrateDriver(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn, Dialect: db.DriverSQLite}, dir
}

func insertShift(t *testing.T, r Repo, id, status string, required, admitted int) {
	t.Helper()
	err := r.InsertShiftTx(context.Background(), nil, domain.Shift{
		ID:                    id,
		RequesterID:           "req",
		Title:                 "Night shift",
		PayAmount:             1000,
		PayCurrency:           "EUR",
		StartsAt:              "2024-02-01T20:00:00Z",
		EndsAt:                "2024-02-02T04:00:00Z",
		RequiredCount:         required,
		AdmittedCount:         admitted,
		Status:                status,
		RequiredConfirmations: 2,
		CreatedAt:             testStamp,
		UpdatedAt:             testStamp,
	})
	if err != nil {
		t.Fatalf("insert shift %s: %v", id, err)
	}
}

func TestAdmitFulfillerGuards(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	insertShift(t, r, "s1", domain.ShiftOpen, 1, 0)

	if ok, err := r.AdmitFulfillerTx(ctx, nil, "s1", 5, testStamp); err != nil || ok {
		t.Fatalf("stale version must not apply: ok=%v err=%v", ok, err)
	}
	if ok, err := r.AdmitFulfillerTx(ctx, nil, "s1", 0, testStamp); err != nil || !ok {
		t.Fatalf("current version must apply: ok=%v err=%v", ok, err)
	}
	s, err := r.GetShift(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.AdmittedCount != 1 || s.Status != domain.ShiftInProgress || s.Version != 1 {
		t.Fatalf("expected filled shift at version 1, got %+v", s)
	}
	if ok, err := r.AdmitFulfillerTx(ctx, nil, "s1", s.Version, testStamp); err != nil || ok {
		t.Fatalf("filled shift must not take another fulfiller: ok=%v err=%v", ok, err)
	}

	insertShift(t, r, "s2", domain.ShiftOpen, 2, 2)
	if ok, err := r.AdmitFulfillerTx(ctx, nil, "s2", 0, testStamp); err != nil || ok {
		t.Fatalf("open shift at capacity must not apply: ok=%v err=%v", ok, err)
	}
}

func TestCompleteShiftGuards(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	insertShift(t, r, "s1", domain.ShiftInProgress, 1, 1)

	if ok, err := r.CompleteShiftTx(ctx, nil, "s1", testStamp); err != nil || ok {
		t.Fatalf("shift without confirmations must not complete: ok=%v err=%v", ok, err)
	}
	if ok, err := r.SetConfirmationTx(ctx, nil, "s1", domain.RoleRequester, "req", testStamp); err != nil || !ok {
		t.Fatalf("requester flag: ok=%v err=%v", ok, err)
	}
	if ok, err := r.SetConfirmationTx(ctx, nil, "s1", domain.RoleRequester, "req", testStamp); err != nil || ok {
		t.Fatalf("requester flag set twice: ok=%v err=%v", ok, err)
	}
	if ok, err := r.CompleteShiftTx(ctx, nil, "s1", testStamp); err != nil || ok {
		t.Fatalf("one confirmation must not complete: ok=%v err=%v", ok, err)
	}
	if ok, err := r.SetConfirmationTx(ctx, nil, "s1", domain.RoleFulfiller, "ful", testStamp); err != nil || !ok {
		t.Fatalf("fulfiller flag: ok=%v err=%v", ok, err)
	}
	if ok, err := r.CompleteShiftTx(ctx, nil, "s1", testStamp); err != nil || !ok {
		t.Fatalf("both confirmations must complete: ok=%v err=%v", ok, err)
	}
	if ok, err := r.CompleteShiftTx(ctx, nil, "s1", testStamp); err != nil || ok {
		t.Fatalf("completed shift must not complete again: ok=%v err=%v", ok, err)
	}
	if ok, err := r.SetConfirmationTx(ctx, nil, "s1", domain.RoleFulfiller, "ful", testStamp); err != nil || ok {
		t.Fatalf("completed shift must not take flags: ok=%v err=%v", ok, err)
	}
}

func TestLockReputationKeepsExistingAggregate(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	if err := r.UpsertReputationTx(ctx, nil, domain.UserReputation{UserID: "u1", Average: 4.5, Count: 2, UpdatedAt: testStamp}); err != nil {
		t.Fatal(err)
	}
	for _, user := range []string{"u1", "u2"} {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.LockReputationTx(ctx, tx, user, testStamp); err != nil {
			tx.Rollback()
			t.Fatalf("lock %s: %v", user, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	rep, err := r.GetReputation(ctx, "u1")
	if err != nil || rep.Count != 2 || rep.Average != 4.5 {
		t.Fatalf("lock must not touch an existing aggregate: %+v %v", rep, err)
	}
	rep, err = r.GetReputation(ctx, "u2")
	if err != nil || rep.Count != 0 {
		t.Fatalf("lock must create an empty aggregate: %+v %v", rep, err)
	}
}

func TestReputationLockQuery(t *testing.T) {
	if q := reputationLockQuery(db.DriverPostgres); !strings.HasSuffix(q, "FOR UPDATE") {
		t.Fatalf("postgres must lock the row: %s", q)
	}
	if q := reputationLockQuery(db.DriverSQLite); strings.Contains(q, "FOR UPDATE") {
		t.Fatalf("sqlite has no row locks: %s", q)
	}
	if got := rebind(db.DriverPostgres, reputationLockQuery(db.DriverPostgres)); !strings.Contains(got, "user_id=$1") {
		t.Fatalf("unexpected rebind %s", got)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{&pq.Error{Code: "40001"}, true},
		{fmt.Errorf("admit: %w", &pq.Error{Code: "40P01"}), true},
		{&pq.Error{Code: "23505"}, false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Fatalf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestBusyWorkspaceIsTransient(t *testing.T) {
	r, dir := newTestRepo(t)
	ctx := context.Background()
	holder, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Rollback()

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(0)&_txlock=immediate", db.Path(dir))
	other, err := db.Open(db.Config{DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	tx, err := other.BeginTx(ctx, nil)
	if err == nil {
		tx.Rollback()
		t.Fatalf("expected the second writer to be refused while the first holds the lock")
	}
	if !IsTransient(err) {
		t.Fatalf("expected busy error to be transient, got %v", err)
	}
}
