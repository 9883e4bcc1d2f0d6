// Package redislog is a store.ChangeLog on Redis streams. Every entity type
// has its own stream whose entry ids are the change sequences, so XRANGE
// over a sequence range needs no secondary index.
//
// All keys of one log share a hash tag and live in one cluster slot.
package redislog

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/store"
)

// appendScript checks the sequence against the last one appended to any
// stream of the log, then adds the entry.
//
// KEYS: last, entities, stream. ARGV: seq, entity, key, old, new.
var appendScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) <= last then
	return redis.error_reply('sequence ' .. ARGV[1] .. ' is not after ' .. last)
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('XADD', KEYS[3], ARGV[1] .. '-0', 'key', ARGV[3], 'old', ARGV[4], 'new', ARGV[5])
return 1
`)

// Log is a change log in Redis.
type Log struct {
	client redis.UniversalClient
	prefix string
}

var _ store.ChangeLog = (*Log)(nil)

// New returns a log keeping its keys under prefix.
func New(client redis.UniversalClient, prefix string) *Log {
	if prefix == "" {
		prefix = "quarry"
	}
	return &Log{client: client, prefix: "{" + prefix + "}"}
}

// Dial connects to the server at addr and pings it.
func Dial(ctx context.Context, addr, prefix string) (*Log, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, prefix), nil
}

// Close closes the client.
func (l *Log) Close() error { return l.client.Close() }

func (l *Log) lastKey() string     { return l.prefix + ":last" }
func (l *Log) entitiesKey() string { return l.prefix + ":entities" }

func (l *Log) stream(entity string) string { return l.prefix + ":changes:" + entity }

// Keys returns every key the log has written.
func (l *Log) Keys(ctx context.Context) ([]string, error) {
	names, err := l.client.SMembers(ctx, l.entitiesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	keys := []string{l.lastKey(), l.entitiesKey()}
	for _, name := range names {
		keys = append(keys, l.stream(name))
	}
	return keys, nil
}

// Append stores c. A sequence not greater than the last appended one is
// rejected.
func (l *Log) Append(ctx context.Context, c store.Change) error {
	key, err := ir.MarshalCanonical(c.Key)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	prev, err := marshalRecord(c.Old)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	next, err := marshalRecord(c.New)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	keys := []string{l.lastKey(), l.entitiesKey(), l.stream(c.Entity)}
	if err := appendScript.Run(ctx, l.client, keys, c.Seq, c.Entity, string(key), prev, next).Err(); err != nil {
		return fmt.Errorf("append change %d: %w", c.Seq, err)
	}
	return nil
}

// Since returns changes after the given sequence across all streams,
// oldest first.
func (l *Log) Since(ctx context.Context, after int64, limit int) ([]store.Change, error) {
	names, err := l.client.SMembers(ctx, l.entitiesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	start := strconv.FormatInt(after, 10) + "-1"

	changes := []store.Change{}
	for _, name := range names {
		var msgs []redis.XMessage
		if limit > 0 {
			msgs, err = l.client.XRangeN(ctx, l.stream(name), start, "+", int64(limit)).Result()
		} else {
			msgs, err = l.client.XRange(ctx, l.stream(name), start, "+").Result()
		}
		if err != nil {
			return nil, fmt.Errorf("read %s changes: %w", name, err)
		}
		for _, msg := range msgs {
			c, err := parseMessage(name, msg)
			if err != nil {
				return nil, err
			}
			changes = append(changes, c)
		}
	}
	slices.SortFunc(changes, func(a, b store.Change) int { return cmp.Compare(a.Seq, b.Seq) })
	if limit > 0 && len(changes) > limit {
		changes = changes[:limit]
	}
	return changes, nil
}

// LastSeq returns the greatest appended sequence.
func (l *Log) LastSeq(ctx context.Context) (int64, error) {
	seq, err := l.client.Get(ctx, l.lastKey()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

func marshalRecord(rec ir.Object) (string, error) {
	if rec == nil {
		return "", nil
	}
	data, err := ir.MarshalCanonical(rec)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseMessage(entity string, msg redis.XMessage) (store.Change, error) {
	id, _, _ := strings.Cut(msg.ID, "-")
	seq, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return store.Change{}, fmt.Errorf("change id %q: %w", msg.ID, err)
	}
	c := store.Change{Seq: seq, Entity: entity}

	field := func(name string) string {
		s, _ := msg.Values[name].(string)
		return s
	}
	if c.Key, err = ir.ParseJSON([]byte(field("key"))); err != nil {
		return store.Change{}, fmt.Errorf("change %d key: %w", seq, err)
	}
	if c.Old, err = parseRecord(field("old")); err != nil {
		return store.Change{}, fmt.Errorf("change %d: %w", seq, err)
	}
	if c.New, err = parseRecord(field("new")); err != nil {
		return store.Change{}, fmt.Errorf("change %d: %w", seq, err)
	}
	return c, nil
}

func parseRecord(data string) (ir.Object, error) {
	if data == "" {
		return nil, nil
	}
	v, err := ir.ParseJSON([]byte(data))
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("record is %s", ir.KindOf(v))
	}
	return obj, nil
}
