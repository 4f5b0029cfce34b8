package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgErrUniqueViolation = "23505"

// PGStore persists tuples and groupings in PostgreSQL. Evaluation reads a
// whole domain per query; per-tenant rulesets are small enough that the
// engine's decision cache absorbs the hot path.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a PGStore on an open connection pool.
func NewPGStore(db *sql.DB) (*PGStore, error) {
	if db == nil {
		return nil, errors.New("policy: database connection is required")
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) AddTuple(ctx context.Context, t Tuple) error {
	_, err := s.db.ExecContext(ctx, `
		insert into policy_tuples (subject, domain, object, action, effect)
		values ($1, $2, $3, $4, $5)
	`, t.Subject, t.Domain, t.Object, t.Action, string(t.Effect))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: tuple", ErrConflict)
	}
	return err
}

func (s *PGStore) RemoveTuple(ctx context.Context, t Tuple) error {
	res, err := s.db.ExecContext(ctx, `
		delete from policy_tuples
		where subject = $1 and domain = $2 and object = $3 and action = $4 and effect = $5
	`, t.Subject, t.Domain, t.Object, t.Action, string(t.Effect))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: tuple", ErrNotFound)
	}
	return nil
}

func (s *PGStore) TuplesForDomain(ctx context.Context, domain string) ([]Tuple, error) {
	rows, err := s.db.QueryContext(ctx, `
		select subject, domain, object, action, effect
		from policy_tuples
		where domain = $1
	`, domain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tuple
	for rows.Next() {
		var (
			t      Tuple
			effect string
		)
		if err := rows.Scan(&t.Subject, &t.Domain, &t.Object, &t.Action, &effect); err != nil {
			return nil, err
		}
		t.Effect = Effect(effect)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) AddGrouping(ctx context.Context, g Grouping) error {
	_, err := s.db.ExecContext(ctx, `
		insert into policy_groupings (member, role, domain)
		values ($1, $2, $3)
	`, g.Member, g.Role, g.Domain)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: grouping", ErrConflict)
	}
	return err
}

func (s *PGStore) RemoveGrouping(ctx context.Context, g Grouping) error {
	res, err := s.db.ExecContext(ctx, `
		delete from policy_groupings
		where member = $1 and role = $2 and domain = $3
	`, g.Member, g.Role, g.Domain)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: grouping", ErrNotFound)
	}
	return nil
}

func (s *PGStore) GroupingsForDomain(ctx context.Context, domain string) ([]Grouping, error) {
	rows, err := s.db.QueryContext(ctx, `
		select member, role, domain
		from policy_groupings
		where domain = $1
	`, domain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grouping
	for rows.Next() {
		var g Grouping
		if err := rows.Scan(&g.Member, &g.Role, &g.Domain); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

var _ Store = (*PGStore)(nil)
