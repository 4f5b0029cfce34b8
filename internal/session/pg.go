package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"authplane.org/internal/obs"
)

const pgErrUniqueViolation = "23505"

// PGStore implements Store on PostgreSQL. Validity is decided per call at
// the datastore; results are never cached beyond a request, so concurrent
// revoke and validity checks serialize at the row.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

// PGOption configures PGStore.
type PGOption func(*PGStore)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) PGOption {
	return func(s *PGStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewPGStore constructs a PGStore on an open connection pool.
func NewPGStore(db *sql.DB, opts ...PGOption) (*PGStore, error) {
	if db == nil {
		return nil, errors.New("session: database connection is required")
	}
	s := &PGStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PGStore) Create(ctx context.Context, userID, tenantID string, meta Metadata) (Session, error) {
	if err := validateCreate(userID, tenantID, meta); err != nil {
		return Session{}, err
	}
	sess := Session{
		JTI:       meta.JTI,
		UserID:    userID,
		TenantID:  tenantID,
		Roles:     meta.Roles,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		IssuedAt:  meta.IssuedAt,
		ExpiresAt: meta.ExpiresAt,
	}
	if sess.JTI == "" {
		sess.JTI = NewJTI()
	}
	if sess.IssuedAt.IsZero() {
		sess.IssuedAt = s.now().UTC()
	}
	roles, err := json.Marshal(sess.Roles)
	if err != nil {
		return Session{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		insert into sessions (jti, user_id, tenant_id, roles, ip_address, user_agent, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at, updated_at
	`, sess.JTI, sess.UserID, sess.TenantID, roles, sess.IP, sess.UserAgent, sess.IssuedAt, sess.ExpiresAt)
	if err := row.Scan(&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return Session{}, ErrConflict
		}
		return Session{}, err
	}
	return sess, nil
}

func (s *PGStore) Get(ctx context.Context, jti string) (Session, error) {
	var (
		sess  Session
		roles []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select jti, user_id, tenant_id, roles, ip_address, user_agent,
		       issued_at, expires_at, revoked, coalesce(revoke_reason, ''),
		       created_at, updated_at
		from sessions
		where jti = $1
	`, jti).Scan(&sess.JTI, &sess.UserID, &sess.TenantID, &roles, &sess.IP, &sess.UserAgent,
		&sess.IssuedAt, &sess.ExpiresAt, &sess.Revoked, &sess.RevokeReason,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &sess.Roles); err != nil {
			return Session{}, err
		}
	}
	return sess, nil
}

// IsValid reports whether the session exists, is not revoked, and is not
// past expiry. A missing row or any query error yields false.
func (s *PGStore) IsValid(ctx context.Context, jti string) bool {
	if jti == "" {
		return false
	}
	var (
		revoked   bool
		expiresAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		select revoked, expires_at from sessions where jti = $1
	`, jti).Scan(&revoked, &expiresAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			obs.Log("error", "session_validity_query_failed", map[string]any{"error": err.Error()})
		}
		return false
	}
	return !revoked && s.now().Before(expiresAt)
}

// Revoke flips the revoked flag. Revoking an already-revoked or missing
// session is not an error.
func (s *PGStore) Revoke(ctx context.Context, jti, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		update sessions
		set revoked = true, revoke_reason = $2, updated_at = now()
		where jti = $1 and revoked = false
	`, jti, reason)
	return err
}

// RevokeAllForUser revokes a user's live sessions within one tenant in a
// single statement, so a crash cannot leave a subset silently un-revoked;
// re-running the operation is safe. The tenant bound keeps a subject's
// sessions in other tenants untouched.
func (s *PGStore) RevokeAllForUser(ctx context.Context, userID, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set revoked = true, revoke_reason = 'user_revocation', updated_at = now()
		where user_id = $1 and tenant_id = $2 and revoked = false
	`, userID, tenantID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RevokeAllForTenant revokes every live session in a tenant.
func (s *PGStore) RevokeAllForTenant(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set revoked = true, revoke_reason = 'tenant_revocation', updated_at = now()
		where tenant_id = $1 and revoked = false
	`, tenantID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SweepExpired deletes rows already past expiry. Storage hygiene only;
// IsValid never relies on it.
func (s *PGStore) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

var _ Store = (*PGStore)(nil)
