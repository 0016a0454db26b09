package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisBackend stores counters in Redis so several engine instances can
// share usage. Commits use WATCH/MULTI optimistic transactions over every
// touched key and retry a bounded number of times when another instance
// wins the race.
type RedisBackend struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
	backoff    time.Duration
}

// RedisBackendOption configures a RedisBackend.
type RedisBackendOption func(*RedisBackend)

// WithKeyPrefix sets the key namespace (default "spendguard:ledger:").
func WithKeyPrefix(prefix string) RedisBackendOption {
	return func(b *RedisBackend) { b.prefix = prefix }
}

// WithMaxRetries sets how many times an optimistic transaction is retried.
func WithMaxRetries(n int) RedisBackendOption {
	return func(b *RedisBackend) { b.maxRetries = n }
}

// WithRetryBackoff sets the base delay between optimistic retries.
func WithRetryBackoff(d time.Duration) RedisBackendOption {
	return func(b *RedisBackend) { b.backoff = d }
}

// NewRedisBackend wraps an existing client. The client lifecycle is owned by
// the backend; Close closes it.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisBackendOption) *RedisBackend {
	b := &RedisBackend{
		client:     client,
		prefix:     "spendguard:ledger:",
		maxRetries: 8,
		backoff:    2 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// RedisClientConfig describes the Redis server a backend connects to. URL,
// when set, takes precedence over the other fields.
type RedisClientConfig struct {
	URL      string
	Address  string
	Password string
	DB       int
}

// NewRedisClient creates a client and checks it is reachable.
func NewRedisClient(ctx context.Context, cfg RedisClientConfig) (*redis.Client, error) {
	opts := &redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}
	if cfg.URL != "" {
		var err error
		if opts, err = redis.ParseURL(cfg.URL); err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", opts.Addr, err)
	}
	return client, nil
}

func (b *RedisBackend) counterKey(key Key, windowStart time.Time) string {
	return fmt.Sprintf("%scounter:%s:%s:%d", b.prefix, key.RuleID, key.ScopeTargetID, windowStart.Unix())
}

func (b *RedisBackend) liveKey(key Key) string {
	return fmt.Sprintf("%slive:%s:%s", b.prefix, key.RuleID, key.ScopeTargetID)
}

func (b *RedisBackend) archiveKey(key Key) string {
	return fmt.Sprintf("%sarchive:%s:%s", b.prefix, key.RuleID, key.ScopeTargetID)
}

func (b *RedisBackend) archiveIndexKey() string {
	return b.prefix + "archived"
}

func (b *RedisBackend) receiptKey(evaluationID string) string {
	return b.prefix + "receipt:" + evaluationID
}

func (b *RedisBackend) releasedKey(evaluationID string) string {
	return b.prefix + "released:" + evaluationID
}

func (b *RedisBackend) receiptIndexKey() string {
	return b.prefix + "receipts"
}

// Current returns the counter for key in window. Reads do not write: a live
// counter from an earlier window is simply not consulted, and the physical
// rotation happens on the next Apply for the key.
func (b *RedisBackend) Current(ctx context.Context, key Key, window Window, now time.Time) (*Counter, error) {
	live, ok, err := b.readLive(ctx, b.client, key)
	if err != nil {
		return nil, err
	}
	if ok && window.Start.Unix() < live {
		return nil, staleWindowError(key, window, live)
	}
	return b.readCounter(ctx, b.client, key, window)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (b *RedisBackend) readLive(ctx context.Context, r hashReader, key Key) (int64, bool, error) {
	live, err := r.Get(ctx, b.liveKey(key)).Int64()
	switch {
	case err == nil:
		return live, true, nil
	case errors.Is(err, redis.Nil):
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("%w: read live pointer: %v", ErrStorageFailure, err)
}

func (b *RedisBackend) readCounter(ctx context.Context, r hashReader, key Key, window Window) (*Counter, error) {
	fields, err := r.HGetAll(ctx, b.counterKey(key, window.Start)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read counter: %v", ErrStorageFailure, err)
	}
	return decodeCounter(key, window, fields)
}

func decodeCounter(key Key, window Window, fields map[string]string) (*Counter, error) {
	c := &Counter{Key: key, WindowStart: window.Start, WindowEnd: window.End, Amount: decimal.Zero}
	if len(fields) == 0 {
		return c, nil
	}
	var err error
	if c.Amount, err = decimal.NewFromString(fields["amount"]); err != nil {
		return nil, fmt.Errorf("%w: corrupt amount %q: %v", ErrStorageFailure, fields["amount"], err)
	}
	if c.Count, err = strconv.ParseInt(fields["count"], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: corrupt count %q: %v", ErrStorageFailure, fields["count"], err)
	}
	if v, ok := fields["updated_at"]; ok {
		ns, _ := strconv.ParseInt(v, 10, 64)
		c.UpdatedAt = time.Unix(0, ns)
	}
	c.Archived = fields["archived"] == "1"
	return c, nil
}

// Apply commits every increment atomically with an optimistic transaction.
func (b *RedisBackend) Apply(ctx context.Context, incs []Increment, now time.Time) error {
	if len(incs) == 0 {
		return nil
	}

	watched := make([]string, 0, 2*len(incs))
	for _, inc := range incs {
		watched = append(watched, b.counterKey(inc.Key, inc.Window.Start), b.liveKey(inc.Key))
	}

	txf := func(tx *redis.Tx) error {
		type pending struct {
			inc       Increment
			counter   *Counter
			liveStart int64
			hasLive   bool
		}
		plan := make([]pending, len(incs))

		for i, inc := range incs {
			live, hasLive, err := b.readLive(ctx, tx, inc.Key)
			if err != nil {
				return err
			}
			if hasLive && inc.Window.Start.Unix() < live && !inc.releasing() {
				return staleWindowError(inc.Key, inc.Window, live)
			}
			c, err := b.readCounter(ctx, tx, inc.Key, inc.Window)
			if err != nil {
				return err
			}
			if err := checkCeiling(inc, c.Amount, c.Count); err != nil {
				return err
			}
			plan[i] = pending{inc: inc, counter: c, liveStart: live, hasLive: hasLive}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, p := range plan {
				start := p.inc.Window.Start.Unix()
				if p.hasLive && p.liveStart < start {
					old := fmt.Sprintf("%scounter:%s:%s:%d", b.prefix, p.inc.Key.RuleID, p.inc.Key.ScopeTargetID, p.liveStart)
					pipe.HSet(ctx, old, "archived", "1")
					pipe.ZAdd(ctx, b.archiveKey(p.inc.Key), redis.Z{Score: float64(p.liveStart), Member: old})
					pipe.ZAdd(ctx, b.archiveIndexKey(), redis.Z{Score: float64(start), Member: old})
				}
				if !p.hasLive || p.liveStart <= start {
					pipe.Set(ctx, b.liveKey(p.inc.Key), start, 0)
				}

				amount, count := apply(p.inc, p.counter.Amount, p.counter.Count)
				key := b.counterKey(p.inc.Key, p.inc.Window.Start)
				pipe.HSet(ctx, key,
					"amount", amount.String(),
					"count", count,
					"window_end", p.inc.Window.End.Unix(),
					"updated_at", now.UnixNano(),
				)
				if p.hasLive && start < p.liveStart {
					pipe.HSet(ctx, key, "archived", "1")
					pipe.ZAdd(ctx, b.archiveKey(p.inc.Key), redis.Z{Score: float64(start), Member: key})
					pipe.ZAdd(ctx, b.archiveIndexKey(), redis.Z{Score: float64(p.inc.Window.End.Unix()), Member: key})
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		err := b.client.Watch(ctx, txf, watched...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrStaleWindow) || errors.Is(err, ErrStorageFailure) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.backoff * time.Duration(attempt+1)):
		}
	}

	return &ConflictError{
		Key:    incs[0].Key,
		Reason: fmt.Sprintf("optimistic transaction failed after %d retries", b.maxRetries),
	}
}

// Archived returns rotated counters for key, oldest first.
func (b *RedisBackend) Archived(ctx context.Context, key Key) ([]*Counter, error) {
	members, err := b.client.ZRange(ctx, b.archiveKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list archived: %v", ErrStorageFailure, err)
	}

	out := make([]*Counter, 0, len(members))
	for _, member := range members {
		fields, err := b.client.HGetAll(ctx, member).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: read archived counter: %v", ErrStorageFailure, err)
		}
		if len(fields) == 0 {
			continue
		}
		start, err := strconv.ParseInt(member[strings.LastIndex(member, ":")+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed key %q", ErrStorageFailure, member)
		}
		end, _ := strconv.ParseInt(fields["window_end"], 10, 64)
		c, err := decodeCounter(key, Window{Start: time.Unix(start, 0), End: time.Unix(end, 0)}, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// PruneArchived deletes archived counters whose window ended before t.
// The archive index is scored by the start of the window that replaced each
// counter, which is never earlier than the counter's own window end.
func (b *RedisBackend) PruneArchived(ctx context.Context, before time.Time) (int, error) {
	members, err := b.client.ZRangeByScore(ctx, b.archiveIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: scan archive: %v", ErrStorageFailure, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := b.client.TxPipeline()
	for _, member := range members {
		pipe.Del(ctx, member)
		pipe.ZRem(ctx, b.archiveIndexKey(), member)
		if key, ok := b.keyFromCounter(member); ok {
			pipe.ZRem(ctx, b.archiveKey(key), member)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: prune: %v", ErrStorageFailure, err)
	}
	return len(members), nil
}

// keyFromCounter parses "<prefix>counter:<rule>:<target>:<start>".
func (b *RedisBackend) keyFromCounter(member string) (Key, bool) {
	rest, ok := strings.CutPrefix(member, b.prefix+"counter:")
	if !ok {
		return Key{}, false
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return Key{}, false
	}
	return Key{RuleID: parts[0], ScopeTargetID: parts[1]}, true
}

// SaveReceipt records what an evaluation committed.
func (b *RedisBackend) SaveReceipt(ctx context.Context, r *Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	ok, err := b.client.SetNX(ctx, b.receiptKey(r.EvaluationID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: save receipt: %v", ErrStorageFailure, err)
	}
	if !ok {
		return ErrDuplicateReceipt
	}
	err = b.client.ZAdd(ctx, b.receiptIndexKey(), redis.Z{
		Score:  float64(r.CommittedAt.Unix()),
		Member: r.EvaluationID,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: index receipt: %v", ErrStorageFailure, err)
	}
	return nil
}

// ClaimReceipt marks an evaluation's receipt released and returns it. The
// release mark is a separate key set with SETNX, so concurrent claims from
// several instances let exactly one through.
func (b *RedisBackend) ClaimReceipt(ctx context.Context, evaluationID string, now time.Time) (*Receipt, error) {
	data, err := b.client.Get(ctx, b.receiptKey(evaluationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load receipt: %v", ErrStorageFailure, err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: corrupt receipt %s: %v", ErrStorageFailure, evaluationID, err)
	}

	ok, err := b.client.SetNX(ctx, b.releasedKey(evaluationID), now.UnixNano(), 0).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: claim receipt: %v", ErrStorageFailure, err)
	}
	if !ok {
		return nil, ErrAlreadyReleased
	}
	r.ReleasedAt = now
	return &r, nil
}

// UnclaimReceipt clears the release mark.
func (b *RedisBackend) UnclaimReceipt(ctx context.Context, evaluationID string) error {
	if err := b.client.Del(ctx, b.releasedKey(evaluationID)).Err(); err != nil {
		return fmt.Errorf("%w: unclaim receipt: %v", ErrStorageFailure, err)
	}
	return nil
}

// PruneReceipts deletes receipts committed before t.
func (b *RedisBackend) PruneReceipts(ctx context.Context, before time.Time) (int, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.receiptIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: scan receipts: %v", ErrStorageFailure, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, b.receiptKey(id), b.releasedKey(id))
		pipe.ZRem(ctx, b.receiptIndexKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: prune receipts: %v", ErrStorageFailure, err)
	}
	return len(ids), nil
}

// Ping checks the Redis connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
