package store

import (
	"context"
	"database/sql"
	"fmt"
)

// replayPage is the number of changes read per query during Replay.
const replayPage = 256

// Append stores c in the change log.
func (s *Store) Append(ctx context.Context, c Change) error {
	key, err := marshalValue(c.Key)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	oldJSON, err := marshalRecord(c.Old)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	newJSON, err := marshalRecord(c.New)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}

	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO changes (seq, entity, key, old, new)
		VALUES (?, ?, ?, ?, ?)
	`, c.Seq, c.Entity, key, oldJSON, newJSON)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// Since returns changes after the given sequence, oldest first.
// Returns an empty slice (not nil) when there are none.
func (s *Store) Since(ctx context.Context, after int64, limit int) ([]Change, error) {
	query := `
		SELECT seq, entity, key, old, new
		FROM changes
		WHERE seq > ?
		ORDER BY seq ASC
	`
	args := []any{after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var (
			c          Change
			key        string
			prev, next sql.NullString
		)
		if err := rows.Scan(&c.Seq, &c.Entity, &key, &prev, &next); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if c.Key, err = unmarshalValue(key); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		if c.Old, err = unmarshalRecord(prev); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		if c.New, err = unmarshalRecord(next); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// LastSeq returns the greatest sequence in the change log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM changes`,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// Replay feeds every change after the given sequence to fn in order, one
// page at a time. It stops at the first error fn returns.
func Replay(ctx context.Context, log ChangeLog, after int64, fn func(Change) error) error {
	for {
		page, err := log.Since(ctx, after, replayPage)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		for _, c := range page {
			if err := fn(c); err != nil {
				return err
			}
			after = c.Seq
		}
		if len(page) < replayPage {
			return nil
		}
	}
}
