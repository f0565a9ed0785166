package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"chatcall/internal/calls"
	"chatcall/pkg/utils"
)

// RedisChannel implements calls.Channel on Redis.
//
// Layout under <prefix>:call:<id>:
//   - the key itself holds the record as JSON
//   - :version is bumped by every record write and expires after keyTTL
//   - :events carries record changes as {version, record|null}
//   - :<log> is a list per candidate log, :<log>:gen counts its resets,
//     :<log>:events announces appends and resets
//
// Record writes run under WATCH so preconditions are checked atomically.
// Versions never go below the server clock in microseconds, so they keep
// increasing after the version key expires.
type RedisChannel struct {
	rdb        redis.UniversalClient
	prefix     string
	log        *slog.Logger
	txAttempts int
}

var _ calls.Channel = (*RedisChannel)(nil)

func NewRedisChannel(rdb redis.UniversalClient, prefix string, log *slog.Logger) *RedisChannel {
	if prefix == "" {
		prefix = "chatcall"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisChannel{rdb: rdb, prefix: prefix, log: log, txAttempts: 8}
}

func (c *RedisChannel) recordKey(callID string) string  { return c.prefix + ":call:" + callID }
func (c *RedisChannel) versionKey(callID string) string { return c.recordKey(callID) + ":version" }
func (c *RedisChannel) eventsKey(callID string) string  { return c.recordKey(callID) + ":events" }

func (c *RedisChannel) logKey(callID string, log calls.LogName) string {
	return c.recordKey(callID) + ":" + string(log)
}

func (c *RedisChannel) logEventsKey(callID string, log calls.LogName) string {
	return c.logKey(callID, log) + ":events"
}

func (c *RedisChannel) logGenKey(callID string, log calls.LogName) string {
	return c.logKey(callID, log) + ":gen"
}

// keyTTL bounds how long bookkeeping keys outlive their last write.
const keyTTL = 24 * time.Hour

// appendScript pushes a candidate and announces the new length in one step so
// subscribers never see a notification before the entry exists.
var appendScript = redis.NewScript(`
-- KEYS[1] = candidate list
-- ARGV[1] = encoded candidate
-- ARGV[2] = notification channel
-- ARGV[3] = ttl seconds
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('PUBLISH', ARGV[2], tostring(n))
return n
`)

// resetScript empties a candidate log, bumps its generation and tells
// subscribers to rewind. Reset messages are "r<gen>".
var resetScript = redis.NewScript(`
-- KEYS[1] = candidate list
-- KEYS[2] = generation counter
-- ARGV[1] = notification channel
-- ARGV[2] = ttl seconds
redis.call('DEL', KEYS[1])
local g = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], ARGV[2])
redis.call('PUBLISH', ARGV[1], 'r' .. tostring(g))
return g
`)

func (c *RedisChannel) CreateRecord(ctx context.Context, rec calls.Record) error {
	body, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	key, vkey := c.recordKey(rec.CallID), c.versionKey(rec.CallID)

	err = utils.OptimisticTx(ctx, c.rdb, c.txAttempts, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return calls.ErrAlreadyExists
		}
		next, err := nextVersion(ctx, tx, vkey)
		if err != nil {
			return err
		}
		payload, err := encodeChange(next, &rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, body, 0)
			p.Set(ctx, vkey, next, keyTTL)
			p.Publish(ctx, c.eventsKey(rec.CallID), payload)
			return nil
		})
		return err
	}, key, vkey)
	return c.wrap("create record", err)
}

func (c *RedisChannel) GetRecord(ctx context.Context, callID string) (calls.Record, bool, error) {
	b, err := c.rdb.Get(ctx, c.recordKey(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return calls.Record{}, false, nil
	}
	if err != nil {
		return calls.Record{}, false, calls.ChannelError("get record", err)
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return calls.Record{}, false, fmt.Errorf("decode %s: %w", callID, err)
	}
	return rec, true, nil
}

func (c *RedisChannel) UpdateRecord(ctx context.Context, callID string, u calls.Update, conds ...calls.Precondition) error {
	key, vkey := c.recordKey(callID), c.versionKey(callID)

	err := utils.OptimisticTx(ctx, c.rdb, c.txAttempts, func(tx *redis.Tx) error {
		rec, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := calls.CheckPreconditions(rec, conds); err != nil {
			return err
		}
		next := u.Apply(rec)
		body, err := encodeRecord(next)
		if err != nil {
			return err
		}
		version, err := nextVersion(ctx, tx, vkey)
		if err != nil {
			return err
		}
		payload, err := encodeChange(version, &next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, body, 0)
			p.Set(ctx, vkey, version, keyTTL)
			p.Publish(ctx, c.eventsKey(callID), payload)
			return nil
		})
		return err
	}, key, vkey)
	return c.wrap("update record", err)
}

func (c *RedisChannel) DeleteRecord(ctx context.Context, callID string, conds ...calls.Precondition) error {
	key, vkey := c.recordKey(callID), c.versionKey(callID)

	err := utils.OptimisticTx(ctx, c.rdb, c.txAttempts, func(tx *redis.Tx) error {
		rec, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := calls.CheckPreconditions(rec, conds); err != nil {
			return err
		}
		version, err := nextVersion(ctx, tx, vkey)
		if err != nil {
			return err
		}
		payload, err := encodeChange(version, nil)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.Set(ctx, vkey, version, keyTTL)
			p.Publish(ctx, c.eventsKey(callID), payload)
			return nil
		})
		return err
	}, key, vkey)
	return c.wrap("delete record", err)
}

func (c *RedisChannel) SubscribeRecord(ctx context.Context, callID string, fn func(calls.Record, bool)) (calls.Subscription, error) {
	ps := c.rdb.Subscribe(ctx, c.eventsKey(callID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, calls.ChannelError("subscribe record", err)
	}

	// Snapshot after the subscription is live so no change can fall between.
	var body *redis.StringCmd
	var ver *redis.StringCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		body = p.Get(ctx, c.recordKey(callID))
		ver = p.Get(ctx, c.versionKey(callID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		_ = ps.Close()
		return nil, calls.ChannelError("snapshot record", err)
	}
	version, _ := strconv.ParseInt(ver.Val(), 10, 64)
	var initial *calls.Record
	if b, err := body.Bytes(); err == nil {
		rec, err := decodeRecord(b)
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("decode %s: %w", callID, err)
		}
		initial = &rec
	}

	sub := newSubscription(ps)
	go func() {
		defer sub.finish()
		last := version
		sub.deliver(func() { fn(deref(initial)) })
		for msg := range ps.Channel() {
			ch, err := decodeChange(msg.Payload)
			if err != nil {
				c.log.Warn("dropping malformed record change", "call_id", callID, "err", err)
				continue
			}
			if ch.Version <= last {
				continue
			}
			last = ch.Version
			sub.deliver(func() { fn(deref(ch.Record)) })
		}
	}()
	return sub, nil
}

func (c *RedisChannel) AppendCandidate(ctx context.Context, callID string, log calls.LogName, cand calls.Candidate) error {
	if !log.Valid() {
		return fmt.Errorf("%w: log %q", calls.ErrInvalidArgument, log)
	}
	body, err := encodeCandidate(cand)
	if err != nil {
		return err
	}
	err = appendScript.Run(ctx, c.rdb, []string{c.logKey(callID, log)}, body, c.logEventsKey(callID, log), int(keyTTL/time.Second)).Err()
	return c.wrap("append candidate", err)
}

func (c *RedisChannel) SubscribeCandidates(ctx context.Context, callID string, log calls.LogName, fn func(calls.Candidate)) (calls.Subscription, error) {
	if !log.Valid() {
		return nil, fmt.Errorf("%w: log %q", calls.ErrInvalidArgument, log)
	}
	ps := c.rdb.Subscribe(ctx, c.logEventsKey(callID, log))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, calls.ChannelError("subscribe candidates", err)
	}

	key, gkey := c.logKey(callID, log), c.logGenKey(callID, log)

	// The first read takes the generation with the entries so a reset that
	// landed before it is not replayed when its message arrives.
	var entries *redis.StringSliceCmd
	var gen *redis.StringCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		entries = p.LRange(ctx, key, 0, -1)
		gen = p.Get(ctx, gkey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		_ = ps.Close()
		return nil, calls.ChannelError("snapshot candidates", err)
	}
	seenGen := gen.Val()
	initial := entries.Val()

	sub := newSubscription(ps)
	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub.onClose = cancel
	go func() {
		defer sub.finish()
		var cursor int64
		deliver := func(batch []string) {
			cursor += int64(len(batch))
			for _, e := range batch {
				cand, err := decodeCandidate(e)
				if err != nil {
					c.log.Warn("dropping malformed candidate", "call_id", callID, "log", log, "err", err)
					continue
				}
				sub.deliver(func() { fn(cand) })
			}
		}
		drain := func() {
			batch, err := c.rdb.LRange(readCtx, key, cursor, -1).Result()
			if err != nil {
				if readCtx.Err() == nil {
					c.log.Warn("read candidates failed", "call_id", callID, "log", log, "err", err)
				}
				return
			}
			deliver(batch)
		}
		deliver(initial)
		for msg := range ps.Channel() {
			if g, ok := strings.CutPrefix(msg.Payload, "r"); ok {
				if g == seenGen {
					continue
				}
				seenGen = g
				cursor = 0
			}
			drain()
		}
	}()
	return sub, nil
}

func (c *RedisChannel) DeleteAllCandidates(ctx context.Context, callID string, log calls.LogName) error {
	if !log.Valid() {
		return fmt.Errorf("%w: log %q", calls.ErrInvalidArgument, log)
	}
	keys := []string{c.logKey(callID, log), c.logGenKey(callID, log)}
	err := resetScript.Run(ctx, c.rdb, keys, c.logEventsKey(callID, log), int(keyTTL/time.Second)).Err()
	return c.wrap("delete candidates", err)
}

// wrap passes contract errors through and marks everything else as a
// transport failure.
func (c *RedisChannel) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, calls.ErrAlreadyExists),
		errors.Is(err, calls.ErrNotFound),
		errors.Is(err, calls.ErrPreconditionFailed),
		errors.Is(err, calls.ErrInvalidRecord),
		errors.Is(err, calls.ErrInvalidArgument):
		return err
	default:
		return calls.ChannelError(op, err)
	}
}

func readRecord(ctx context.Context, tx *redis.Tx, key string) (calls.Record, error) {
	b, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return calls.Record{}, calls.ErrNotFound
	}
	if err != nil {
		return calls.Record{}, err
	}
	return decodeRecord(b)
}

func nextVersion(ctx context.Context, tx *redis.Tx, vkey string) (int64, error) {
	cur, err := tx.Get(ctx, vkey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	now, err := tx.Time(ctx).Result()
	if err != nil {
		return 0, err
	}
	return max(cur+1, now.UnixMicro()), nil
}

func deref(rec *calls.Record) (calls.Record, bool) {
	if rec == nil {
		return calls.Record{}, false
	}
	return *rec, true
}

// subscription serializes callbacks on the reader goroutine and stops them
// once Unsubscribe is called.
type subscription struct {
	ps      *redis.PubSub
	stopped atomic.Bool
	once    sync.Once
	onClose func()
	done    chan struct{}
}

func newSubscription(ps *redis.PubSub) *subscription {
	return &subscription{ps: ps, done: make(chan struct{})}
}

func (s *subscription) deliver(f func()) {
	if s.stopped.Load() {
		return
	}
	f()
}

func (s *subscription) finish() { close(s.done) }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.stopped.Store(true)
		if s.onClose != nil {
			s.onClose()
		}
		_ = s.ps.Close()
	})
}
