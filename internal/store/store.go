package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/querysql"
	"github.com/roach88/quarry/internal/repoerr"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on changes(entity, seq)
const currentSchemaVersion = 1

// Store is the SQLite backend. It implements Backend and ChangeLog.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db  *sql.DB
	sql *querysql.Compiler

	mu      sync.Mutex
	layouts map[string]string // ensured table name -> layout hash
}

var (
	_ Backend   = (*Store)(nil)
	_ ChangeLog = (*Store)(nil)
)

// Open creates or opens a SQLite database at the given path. Entity
// references in queries resolve through reg.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, reg *entity.Registry) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, and pragmas are per
	// connection, so keep exactly one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:      db,
		sql:     querysql.New(querysql.SQLite, reg),
		layouts: make(map[string]string),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{ s *Store }

// conn returns the transaction joined by ctx, or the database.
func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{s}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Atomic runs fn inside one transaction.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{s}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("atomic: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(context.WithValue(ctx, txKey{s}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("atomic: commit: %w", err)
	}
	return nil
}

// Ensure creates the tables of desc and of every entity it references.
// A table created earlier with another layout is a schema error.
func (s *Store) Ensure(ctx context.Context, desc *entity.Descriptor) error {
	for _, d := range Referenced(s.sql.Registry, desc) {
		if err := s.ensure(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensure(ctx context.Context, desc *entity.Descriptor) error {
	layout, err := Layout(desc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	known, ok := s.layouts[desc.Name]
	s.mu.Unlock()
	if ok {
		if known != layout {
			return repoerr.Schema(desc.Name, "table layout changed since it was created")
		}
		return nil
	}

	// s.mu is not held across the statements: the only connection may belong
	// to a transaction that itself waits on s.mu. The statements below are
	// idempotent, so concurrent first calls are harmless.
	conn := s.conn(ctx)
	if _, err := conn.ExecContext(ctx, s.sql.CreateTable(desc).SQL); err != nil {
		return fmt.Errorf("ensure %s: create table: %w", desc.Name, err)
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO entity_tables (name, layout) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, desc.Name, layout); err != nil {
		return fmt.Errorf("ensure %s: record layout: %w", desc.Name, err)
	}
	var stored string
	if err := conn.QueryRowContext(ctx,
		`SELECT layout FROM entity_tables WHERE name = ?`, desc.Name,
	).Scan(&stored); err != nil {
		return fmt.Errorf("ensure %s: read layout: %w", desc.Name, err)
	}
	if stored != layout {
		return repoerr.Schema(desc.Name, "stored table layout differs from the descriptor")
	}

	// Inside a transaction the table may still be rolled back.
	if _, inTx := conn.(*sql.Tx); !inTx {
		s.mu.Lock()
		s.layouts[desc.Name] = layout
		s.mu.Unlock()
	}
	return nil
}

// Layout hashes the column layout of desc's table.
func Layout(desc *entity.Descriptor) (string, error) {
	cols := querysql.Columns(desc)
	v := make(ir.Array, len(cols))
	for i, col := range cols {
		v[i] = ir.Object{
			"name": ir.String(col.Name),
			"kind": ir.String(col.Kind.String()),
			"json": ir.Bool(col.JSON),
			"key":  ir.Bool(col.Key),
		}
	}
	return ir.Hash(ir.DomainLayout, v)
}

// Referenced returns desc followed by every entity reachable from it
// through references, each once.
func Referenced(reg *entity.Registry, desc *entity.Descriptor) []*entity.Descriptor {
	seen := map[string]bool{desc.Name: true}
	out := []*entity.Descriptor{desc}
	var walk func(d *entity.Descriptor)
	walk = func(d *entity.Descriptor) {
		for _, p := range d.Properties {
			if p.Embedded != nil {
				walk(p.Embedded)
			}
			if !p.IsReference() || seen[p.Ref] {
				continue
			}
			target, ok := reg.Lookup(p.Ref)
			if !ok {
				continue
			}
			seen[p.Ref] = true
			out = append(out, target)
			walk(target)
		}
	}
	walk(desc)
	return out
}

// isDuplicateKey reports whether err is a primary key or unique violation.
func isDuplicateKey(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA case_sensitive_like = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes the change log by entity for per-type replay.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_changes_entity
		ON changes(entity, seq)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
