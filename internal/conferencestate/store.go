package conferencestate

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrNotFound is returned when no record (or attempt) exists for the key.
	ErrNotFound = errors.New("conference state not found")
	// ErrConflict is returned when optimistic retries were exhausted.
	ErrConflict = errors.New("conference state update conflict")
	// ErrNoChange may be returned by a mutator to skip the write.
	ErrNoChange = errors.New("conference state unchanged")
	// ErrInvalidTransition is returned when an attempt is not in an allowed source state.
	ErrInvalidTransition = errors.New("invalid recovery attempt transition")
	// ErrEnded is returned by Create once the conference has ended.
	ErrEnded = errors.New("conference has ended")
)

// DefaultTTL bounds how long a record can outlive its conference.
const DefaultTTL = 7 * 24 * time.Hour

// EndedTTL is how long an ended conference refuses to be recreated. Vendor
// callbacks for a conference stop well within this window.
const EndedTTL = 24 * time.Hour

const (
	maxCASAttempts = 8
	readRetries    = 2
	readBackoff    = 25 * time.Millisecond
)

// Mutator edits a record in place inside a read-modify-write cycle.
// It may run more than once when a concurrent writer wins the race, so it
// must only depend on the record it is given.
type Mutator func(rec *Record) error

// Store is the conference state store.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Create(ctx context.Context, rec *Record) (bool, error)
	Get(ctx context.Context, conferenceSID string) (*Record, error)
	Update(ctx context.Context, conferenceSID string, fn Mutator) (*Record, error)
	End(ctx context.Context, conferenceSID string) error
	ListByWorker(ctx context.Context, workerSID string) ([]*Record, error)
}

// RedisStore implements Store and AttemptStore on Redis.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	log *logger.Logger
	now func() time.Time
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithTTL overrides the record TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, log *logger.Logger, opts ...Option) *RedisStore {
	s := &RedisStore{
		rdb: rdb,
		ttl: DefaultTTL,
		log: log,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisClient opens the Redis connection described by cfg.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.GetRedisTLSInsecure() {
		if opt.TLSConfig == nil {
			opt.TLSConfig = &tls.Config{}
		}
		opt.TLSConfig.InsecureSkipVerify = true
	}
	return redis.NewClient(opt), nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func conferenceKey(conferenceSID string) string {
	return "conference:" + conferenceSID
}

const endedSuffix = ":ended"

func endedKey(conferenceSID string) string {
	return "conference:" + conferenceSID + endedSuffix
}

func workerKey(workerSID string) string {
	return "worker:" + workerSID + ":conferences"
}

// Put writes the record unconditionally and indexes its workers.
func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ConferenceSID == "" {
		return fmt.Errorf("put: conference sid is required")
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("put: encode record: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, conferenceKey(rec.ConferenceSID), data, s.ttl)
	s.indexWorkers(ctx, pipe, rec.ConferenceSID, rec.associatedWorkers(), nil)
	_, err = pipe.Exec(ctx)
	return err
}

// Create writes the record only if none exists and the conference has not
// ended. Reports whether it did; returns ErrEnded for an ended conference.
func (s *RedisStore) Create(ctx context.Context, rec *Record) (bool, error) {
	if rec == nil || rec.ConferenceSID == "" {
		return false, fmt.Errorf("create: conference sid is required")
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("create: encode record: %w", err)
	}

	key := conferenceKey(rec.ConferenceSID)
	tombstone := endedKey(rec.ConferenceSID)
	created := false

	txf := func(tx *redis.Tx) error {
		created = false
		ended, err := tx.Exists(ctx, tombstone).Result()
		if err != nil {
			return err
		}
		if ended > 0 {
			return ErrEnded
		}
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil || exists > 0 {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			s.indexWorkers(ctx, pipe, rec.ConferenceSID, rec.associatedWorkers(), nil)
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}

	if err := s.watch(ctx, txf, key, tombstone); err != nil {
		return false, err
	}
	return created, nil
}

// Get loads a record. Transient read errors are retried with backoff.
func (s *RedisStore) Get(ctx context.Context, conferenceSID string) (*Record, error) {
	var rec *Record
	err := s.withReadRetry(ctx, func(ctx context.Context) error {
		data, err := s.rdb.Get(ctx, conferenceKey(conferenceSID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return retryable(err)
		}
		rec, err = decodeRecord(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies fn under WATCH/MULTI and retries when another writer
// changed the record in between. The TTL is refreshed on every write.
func (s *RedisStore) Update(ctx context.Context, conferenceSID string, fn Mutator) (*Record, error) {
	key := conferenceKey(conferenceSID)
	var result *Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		before := rec.associatedWorkers()

		if err := fn(rec); err != nil {
			if errors.Is(err, ErrNoChange) {
				result = rec
				return nil
			}
			return err
		}

		rec.UpdatedAt = s.now()
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			s.indexWorkers(ctx, pipe, conferenceSID, rec.associatedWorkers(), before)
			return nil
		})
		if err == nil {
			result = rec
		}
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// watch runs txf under WATCH on keys until it commits without a concurrent
// modification, up to maxCASAttempts times.
func (s *RedisStore) watch(ctx context.Context, txf func(tx *redis.Tx) error, keys ...string) error {
	key := keys[0]
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if s.log != nil {
			s.log.StoreConflict(key, attempt)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return ErrConflict
}

// End removes the record and its index entries and leaves a tombstone so
// late or replayed joins cannot recreate it. Ending an absent record is not
// an error.
func (s *RedisStore) End(ctx context.Context, conferenceSID string) error {
	rec, err := s.Get(ctx, conferenceSID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, endedKey(conferenceSID), s.now().UTC().Format(time.RFC3339), EndedTTL)
	pipe.Del(ctx, conferenceKey(conferenceSID))
	if rec != nil {
		for workerSID := range rec.associatedWorkers() {
			pipe.SRem(ctx, workerKey(workerSID), conferenceSID)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListByWorker returns every live record the worker is associated with.
// Index entries whose record expired are pruned on the way.
func (s *RedisStore) ListByWorker(ctx context.Context, workerSID string) ([]*Record, error) {
	var members []string
	err := s.withReadRetry(ctx, func(ctx context.Context) error {
		var err error
		members, err = s.rdb.SMembers(ctx, workerKey(workerSID)).Result()
		if err != nil {
			return retryable(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []*Record{}, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = conferenceKey(m)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(values))
	stale := make([]interface{}, 0)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		if _, ok := rec.associatedWorkers()[workerSID]; !ok {
			stale = append(stale, members[i])
			continue
		}
		records = append(records, rec)
	}

	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, workerKey(workerSID), stale...).Err(); err != nil && s.log != nil {
			s.log.Warn("failed to prune worker index", "workerSid", workerSID, "error", err)
		}
	}
	return records, nil
}

func (s *RedisStore) indexWorkers(ctx context.Context, pipe redis.Pipeliner, conferenceSID string, after, before map[string]struct{}) {
	for workerSID := range after {
		pipe.SAdd(ctx, workerKey(workerSID), conferenceSID)
		pipe.Expire(ctx, workerKey(workerSID), s.ttl)
	}
	for workerSID := range before {
		if _, ok := after[workerSID]; !ok {
			pipe.SRem(ctx, workerKey(workerSID), conferenceSID)
		}
	}
}

func (s *RedisStore) withReadRetry(ctx context.Context, fn retry.RetryFunc) error {
	backoff := retry.WithMaxRetries(readRetries, retry.NewExponential(readBackoff))
	return retry.Do(ctx, backoff, fn)
}

// ListDisconnected returns the live records that stranded a customer. The
// recovery sweeper uses it to find disconnects whose event was lost.
func (s *RedisStore) ListDisconnected(ctx context.Context) ([]*Record, error) {
	var (
		out    []*Record
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, conferenceKey("*"), attemptScanCount).Result()
		if err != nil {
			return nil, err
		}
		live := keys[:0]
		for _, k := range keys {
			if !strings.HasSuffix(k, endedSuffix) {
				live = append(live, k)
			}
		}
		if len(live) > 0 {
			values, err := s.rdb.MGet(ctx, live...).Result()
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				rec, err := decodeRecord([]byte(raw))
				if err != nil {
					if s.log != nil {
						s.log.Warn("skipping undecodable conference record", "error", err)
					}
					continue
				}
				if rec.Disconnect != nil {
					out = append(out, rec)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func retryable(err error) error {
	return retry.RetryableError(err)
}
