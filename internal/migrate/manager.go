// Package migrate applies the plain-SQL schema scripts under ops/migrations.
// Scripts run in filename order, one transaction per file, and the ledger
// tables record what already ran so every command is safe to repeat.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	seedSuffix = ".sql"
)

// Manager runs migration and seed scripts against one database.
type Manager struct {
	db              *sql.DB
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations ledger table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds ledger table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager constructs a Manager. An empty seedsDir disables seeding.
func NewManager(db *sql.DB, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending .up.sql script in filename order.
func (m *Manager) Up(ctx context.Context) error {
	return m.runPending(ctx, m.migrationsDir, upSuffix, m.migrationsTable)
}

// Seed applies every pending seed script. Seeds share the migration
// machinery but their own ledger, so reseeding never replays bootstrap data.
func (m *Manager) Seed(ctx context.Context) error {
	return m.runPending(ctx, m.seedsDir, seedSuffix, m.seedsTable)
}

func (m *Manager) runPending(ctx context.Context, dir, suffix, table string) error {
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}
	applied, err := m.appliedSet(ctx, table)
	if err != nil {
		return err
	}
	scripts, err := listScripts(dir, suffix)
	if err != nil {
		return err
	}
	for _, s := range scripts {
		if _, done := applied[s.name]; done {
			continue
		}
		if err := m.runFile(ctx, s.path); err != nil {
			return fmt.Errorf("apply %s: %w", s.name, err)
		}
		if err := m.markApplied(ctx, table, s.name); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}
	history, err := m.appliedInOrder(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("no migrations applied")
	}
	last := history[len(history)-1]
	down := filepath.Join(m.migrationsDir, strings.TrimSuffix(last, upSuffix)+downSuffix)
	if _, err := os.Stat(down); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.runFile(ctx, down); err != nil {
		return fmt.Errorf("rollback %s: %w", last, err)
	}
	_, err = m.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
	return err
}

// Status returns the applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return nil, err
	}
	return m.appliedInOrder(ctx, m.migrationsTable)
}

func (m *Manager) ensureLedger(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				applied_at timestamptz not null default now()
			);`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// runFile executes one script inside a single transaction, so a script
// that fails halfway leaves nothing behind.
func (m *Manager) runFile(ctx context.Context, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitSQL(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) markApplied(ctx context.Context, table, name string) error {
	_, err := m.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table),
		name, time.Now().UTC())
	return err
}

func (m *Manager) appliedSet(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = struct{}{}
	}
	return applied, rows.Err()
}

func (m *Manager) appliedInOrder(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var history []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		history = append(history, name)
	}
	return history, rows.Err()
}

type script struct {
	name string
	path string
}

// listScripts returns the matching files in dir. os.ReadDir sorts by
// filename, which is the application order.
func listScripts(dir, suffix string) ([]script, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var scripts []script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		scripts = append(scripts, script{name: e.Name(), path: filepath.Join(dir, e.Name())})
	}
	return scripts, nil
}

// splitSQL breaks a script into statements on semicolons, leaving
// semicolons inside single-quoted literals alone.
func splitSQL(body string) []string {
	var stmts []string
	start := 0
	quoted := false
	for i, r := range body {
		switch r {
		case '\'':
			quoted = !quoted
		case ';':
			if quoted {
				continue
			}
			stmts = append(stmts, body[start:i+1])
			start = i + 1
		}
	}
	if rest := body[start:]; strings.TrimSpace(rest) != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}
