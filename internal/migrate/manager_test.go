package migrate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func writeSQL(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestUpAppliesPendingMigrations(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	dir := t.TempDir()
	writeSQL(t, dir, "001_sessions.up.sql", "create table sessions (jti text primary key);")
	writeSQL(t, dir, "002_policies.up.sql", "create table policy_tuples (id bigserial);")

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	// 001 already applied, only 002 should run.
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("001_sessions.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table policy_tuples").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("002_policies.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mgr := NewManager(db, dir, "")
	if err := mgr.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStatusListsHistoryInOrder(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("001_sessions.up.sql").
			AddRow("002_policies.up.sql"))

	mgr := NewManager(db, t.TempDir(), "")
	history, err := mgr.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(history) != 2 || history[0] != "001_sessions.up.sql" {
		t.Fatalf("history = %v", history)
	}
}

func TestSplitSQLRespectsStrings(t *testing.T) {
	stmts := splitSQL("insert into t values ('a;b'); delete from t;")
	if len(stmts) != 2 {
		t.Fatalf("got %d statements: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "'a;b'") {
		t.Fatalf("quoted semicolon must stay intact: %q", stmts[0])
	}
}
