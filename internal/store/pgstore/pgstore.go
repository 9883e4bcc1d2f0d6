// Package pgstore is the PostgreSQL store.Backend, built on a pgx
// connection pool. Statements come from querysql's Postgres dialect.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/querysql"
	"github.com/roach88/quarry/internal/repoerr"
	"github.com/roach88/quarry/internal/store"
)

// uniqueViolation is the SQLSTATE of a unique or primary key violation.
const uniqueViolation = "23505"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS quarry_entity_tables (
    name   TEXT PRIMARY KEY,
    layout TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS quarry_changes (
    seq    BIGINT PRIMARY KEY,
    entity TEXT NOT NULL,
    key    JSONB NOT NULL,
    old    JSONB,
    new    JSONB
);
CREATE INDEX IF NOT EXISTS quarry_changes_entity ON quarry_changes (entity, seq);
`

// Store is the PostgreSQL backend. It implements store.Backend and
// store.ChangeLog.
type Store struct {
	pool *pgxpool.Pool
	sql  *querysql.Compiler

	mu      sync.Mutex
	layouts map[string]string
}

var (
	_ store.Backend   = (*Store)(nil)
	_ store.ChangeLog = (*Store)(nil)
)

// Open connects to the database at dsn and creates the bookkeeping tables.
func Open(ctx context.Context, dsn string, reg *entity.Registry) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	return OpenConfig(ctx, cfg, reg)
}

// OpenConfig is Open with a parsed pool configuration.
func OpenConfig(ctx context.Context, cfg *pgxpool.Config, reg *entity.Registry) (*Store, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{
		pool:    pool,
		sql:     querysql.New(querysql.Postgres, reg),
		layouts: make(map[string]string),
	}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{ s *Store }

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{s}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// Atomic runs fn inside one transaction.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{s}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("atomic: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	if err := fn(context.WithValue(ctx, txKey{s}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("atomic: commit: %w", err)
	}
	return nil
}

// Ensure creates the tables of desc and of every entity it references.
func (s *Store) Ensure(ctx context.Context, desc *entity.Descriptor) error {
	for _, d := range store.Referenced(s.sql.Registry, desc) {
		if err := s.ensure(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensure(ctx context.Context, desc *entity.Descriptor) error {
	layout, err := store.Layout(desc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if known, ok := s.layouts[desc.Name]; ok {
		if known != layout {
			return repoerr.Schema(desc.Name, "table layout changed since it was created")
		}
		return nil
	}

	conn := s.conn(ctx)
	if _, err := conn.Exec(ctx, s.sql.CreateTable(desc).SQL); err != nil {
		return fmt.Errorf("ensure %s: create table: %w", desc.Name, err)
	}
	var stored string
	if err := conn.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO quarry_entity_tables (name, layout) VALUES ($1, $2)
			ON CONFLICT (name) DO NOTHING
			RETURNING layout
		)
		SELECT layout FROM ins
		UNION ALL
		SELECT layout FROM quarry_entity_tables WHERE name = $1
		LIMIT 1
	`, desc.Name, layout).Scan(&stored); err != nil {
		return fmt.Errorf("ensure %s: record layout: %w", desc.Name, err)
	}
	if stored != layout {
		return repoerr.Schema(desc.Name, "stored table layout differs from the descriptor")
	}
	if _, inTx := conn.(pgx.Tx); !inTx {
		s.layouts[desc.Name] = layout
	}
	return nil
}

// Select returns the records matched by q in query order.
func (s *Store) Select(ctx context.Context, q *query.Info) ([]ir.Object, error) {
	if err := s.Ensure(ctx, q.Entity); err != nil {
		return nil, err
	}
	stmt, err := s.sql.Select(q)
	if err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, q.Entity, stmt)
}

// Aggregate reduces the records matched by q to one value.
func (s *Store) Aggregate(ctx context.Context, q *query.Info, agg query.Aggregator) (ir.Value, error) {
	if err := s.Ensure(ctx, q.Entity); err != nil {
		return nil, err
	}
	stmt, err := s.sql.Aggregate(q, agg)
	if err != nil {
		return nil, err
	}
	var raw any
	if err := s.conn(ctx).QueryRow(ctx, stmt.SQL, stmt.Params...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", q.Entity.Name, err)
	}
	return s.sql.DecodeAggregate(agg, raw)
}

// Lookup returns the record of desc with the given key.
func (s *Store) Lookup(ctx context.Context, desc *entity.Descriptor, key ir.Value) (ir.Object, bool, error) {
	if err := s.Ensure(ctx, desc); err != nil {
		return nil, false, err
	}
	stmt, err := s.sql.Lookup(desc, key)
	if err != nil {
		return nil, false, err
	}
	recs, err := s.queryRecords(ctx, desc, stmt)
	if err != nil || len(recs) == 0 {
		return nil, false, err
	}
	return recs[0], true, nil
}

func (s *Store) queryRecords(ctx context.Context, desc *entity.Descriptor, stmt querysql.Statement) ([]ir.Object, error) {
	rows, err := s.conn(ctx).Query(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", desc.Name, err)
	}
	defer rows.Close()

	recs := []ir.Object{}
	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", desc.Name, err)
		}
		rec, err := s.sql.Decode(desc, raw)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", desc.Name, err)
	}
	return recs, nil
}

// Insert stores a new record.
func (s *Store) Insert(ctx context.Context, desc *entity.Descriptor, rec ir.Object) error {
	if err := s.Ensure(ctx, desc); err != nil {
		return err
	}
	stmt, err := s.sql.Insert(desc, rec)
	if err != nil {
		return err
	}
	if _, err := s.conn(ctx).Exec(ctx, stmt.SQL, stmt.Params...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert %s: %w: %v", desc.Name, store.ErrDuplicateKey, err)
		}
		return fmt.Errorf("insert %s: %w", desc.Name, err)
	}
	return nil
}

// UpdateVersioned overwrites the record with the given key if its stored
// version is still version.
func (s *Store) UpdateVersioned(ctx context.Context, desc *entity.Descriptor, key ir.Value, version int64, rec ir.Object) (int64, error) {
	if err := s.Ensure(ctx, desc); err != nil {
		return 0, err
	}
	stmt, err := s.sql.UpdateVersioned(desc, key, version, rec)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, "update "+desc.Name, stmt)
}

// DeleteVersioned deletes the record with the given key if its stored
// version is still version.
func (s *Store) DeleteVersioned(ctx context.Context, desc *entity.Descriptor, key ir.Value, version int64) (int64, error) {
	if err := s.Ensure(ctx, desc); err != nil {
		return 0, err
	}
	stmt, err := s.sql.DeleteVersioned(desc, key, version)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, "delete "+desc.Name, stmt)
}

// Update applies a bulk assignment.
func (s *Store) Update(ctx context.Context, u *query.UpdateInfo) (int64, error) {
	if err := s.Ensure(ctx, u.Entity); err != nil {
		return 0, err
	}
	stmt, err := s.sql.Update(u)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, "update "+u.Entity.Name, stmt)
}

// Delete removes the matched records.
func (s *Store) Delete(ctx context.Context, d *query.DeleteInfo) (int64, error) {
	if err := s.Ensure(ctx, d.Entity); err != nil {
		return 0, err
	}
	stmt, err := s.sql.Delete(d)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, "delete "+d.Entity.Name, stmt)
}

func (s *Store) exec(ctx context.Context, op string, stmt querysql.Statement) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

// Append stores c in the change log.
func (s *Store) Append(ctx context.Context, c store.Change) error {
	key, err := ir.MarshalCanonical(c.Key)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	prev, err := jsonParam(c.Old)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	next, err := jsonParam(c.New)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	if _, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO quarry_changes (seq, entity, key, old, new)
		VALUES ($1, $2, $3, $4, $5)
	`, c.Seq, c.Entity, string(key), prev, next); err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

func jsonParam(rec ir.Object) (any, error) {
	if rec == nil {
		return nil, nil
	}
	data, err := ir.MarshalCanonical(rec)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Since returns changes after the given sequence, oldest first.
func (s *Store) Since(ctx context.Context, after int64, limit int) ([]store.Change, error) {
	sql := `
		SELECT seq, entity, key::text, old::text, new::text
		FROM quarry_changes
		WHERE seq > $1
		ORDER BY seq ASC
	`
	args := []any{after}
	if limit > 0 {
		sql += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []store.Change{}
	for rows.Next() {
		var (
			c          store.Change
			key        string
			prev, next *string
		)
		if err := rows.Scan(&c.Seq, &c.Entity, &key, &prev, &next); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if c.Key, err = ir.ParseJSON([]byte(key)); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		if c.Old, err = parseRecord(prev); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		if c.New, err = parseRecord(next); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

func parseRecord(data *string) (ir.Object, error) {
	if data == nil {
		return nil, nil
	}
	v, err := ir.ParseJSON([]byte(*data))
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("record is %s", ir.KindOf(v))
	}
	return obj, nil
}

// LastSeq returns the greatest sequence in the change log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM quarry_changes`,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}
