package session

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newPGFixture(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewPGStore(db)
	if err != nil {
		t.Fatalf("NewPGStore: %v", err)
	}
	return store, mock
}

func TestPGCreateInsertsRow(t *testing.T) {
	store, mock := newPGFixture(t)
	now := time.Now().UTC()

	mock.ExpectQuery("insert into sessions").
		WithArgs(sqlmock.AnyArg(), "u1", "org-1", sqlmock.AnyArg(), "10.0.0.1", "cli/1.0", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	sess, err := store.Create(context.Background(), "u1", "org-1", Metadata{
		IP:        "10.0.0.1",
		UserAgent: "cli/1.0",
		ExpiresAt: now.Add(7 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.JTI == "" {
		t.Fatal("expected generated jti")
	}
	if sess.Revoked {
		t.Fatal("new session must not be revoked")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGCreateRequiresUserAndTenant(t *testing.T) {
	store, _ := newPGFixture(t)
	_, err := store.Create(context.Background(), "", "org-1", Metadata{ExpiresAt: time.Now().Add(time.Hour)})
	if err == nil {
		t.Fatal("expected error for missing user")
	}
	_, err = store.Create(context.Background(), "u1", "org-1", Metadata{})
	if err == nil {
		t.Fatal("expected error for missing expiry")
	}
}

func TestPGIsValid(t *testing.T) {
	cases := []struct {
		name    string
		revoked bool
		expires time.Duration
		want    bool
	}{
		{name: "live session", revoked: false, expires: time.Hour, want: true},
		{name: "revoked session", revoked: true, expires: time.Hour, want: false},
		{name: "expired session", revoked: false, expires: -time.Minute, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newPGFixture(t)
			mock.ExpectQuery("select revoked, expires_at from sessions").
				WithArgs("abc123").
				WillReturnRows(sqlmock.NewRows([]string{"revoked", "expires_at"}).
					AddRow(tc.revoked, time.Now().Add(tc.expires)))
			if got := store.IsValid(context.Background(), "abc123"); got != tc.want {
				t.Fatalf("IsValid = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPGIsValidFailsClosed(t *testing.T) {
	store, mock := newPGFixture(t)

	mock.ExpectQuery("select revoked, expires_at from sessions").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if store.IsValid(context.Background(), "missing") {
		t.Fatal("missing session must be invalid")
	}

	mock.ExpectQuery("select revoked, expires_at from sessions").
		WithArgs("abc123").
		WillReturnError(errors.New("connection reset"))
	if store.IsValid(context.Background(), "abc123") {
		t.Fatal("store error must be reported as invalid")
	}

	if store.IsValid(context.Background(), "") {
		t.Fatal("empty jti must be invalid")
	}
}

func TestPGRevokeIsIdempotent(t *testing.T) {
	store, mock := newPGFixture(t)

	mock.ExpectExec("update sessions").
		WithArgs("abc123", "logout").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Revoke(context.Background(), "abc123", "logout"); err != nil {
		t.Fatalf("first Revoke: %v", err)
	}

	// Second revoke touches zero rows and still succeeds.
	mock.ExpectExec("update sessions").
		WithArgs("abc123", "logout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Revoke(context.Background(), "abc123", "logout"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGBulkRevocation(t *testing.T) {
	store, mock := newPGFixture(t)

	mock.ExpectExec("update sessions").
		WithArgs("u1", "org-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.RevokeAllForUser(context.Background(), "u1", "org-1")
	if err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 sessions revoked, got %d", n)
	}

	mock.ExpectExec("update sessions").
		WithArgs("org-1").
		WillReturnResult(sqlmock.NewResult(0, 7))
	n, err = store.RevokeAllForTenant(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("RevokeAllForTenant: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 sessions revoked, got %d", n)
	}
}

func TestPGSweepExpired(t *testing.T) {
	store, mock := newPGFixture(t)
	mock.ExpectExec("delete from sessions").
		WillReturnResult(sqlmock.NewResult(0, 5))
	n, err := store.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 rows swept, got %d", n)
	}
}
