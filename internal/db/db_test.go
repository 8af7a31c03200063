package db

import (
	"strings"
	"testing"
)

func TestSQLiteDSNBeginsImmediate(t *testing.T) {
	dsn := SQLiteDSN(Path("ws"))
	for _, want := range []string{"_txlock=immediate", "busy_timeout(5000)", "foreign_keys(1)", "journal_mode(WAL)"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %s", dsn, want)
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{"": DriverSQLite, "sqlite3": DriverSQLite, " Postgres ": DriverPostgres, "postgresql": DriverPostgres}
	for in, want := range cases {
		if got := (Config{Driver: in}).Normalize().Driver; got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
