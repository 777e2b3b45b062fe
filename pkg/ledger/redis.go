package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces ledger keys.
const DefaultRedisPrefix = "magicrune:ledger:"

// redisClaimScript creates a pending entry unless one exists. The existing
// entry is returned in the same round trip.
// KEYS[1] = entry key
// ARGV[1] = owner, ARGV[2] = lease_until ms, ARGV[3] = now ms
var redisClaimScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
    local e = redis.call("HMGET", key, "status", "owner", "lease_until", "result", "created_at", "updated_at")
    return {0, e[1], e[2], e[3], e[4] or "", e[5], e[6]}
end
redis.call("HSET", key, "status", "pending", "owner", ARGV[1], "lease_until", ARGV[2], "created_at", ARGV[3], "updated_at", ARGV[3])
return {1, "pending", ARGV[1], ARGV[2], "", ARGV[3], ARGV[3]}
`)

// redisCompleteScript marks an owned pending entry done.
// KEYS[1] = entry key
// ARGV[1] = owner, ARGV[2] = result, ARGV[3] = now ms, ARGV[4] = ttl ms (0 keeps forever)
var redisCompleteScript = redis.NewScript(`
local key = KEYS[1]
local e = redis.call("HMGET", key, "status", "owner")
if e[1] ~= "pending" or e[2] ~= ARGV[1] then
    return 0
end
redis.call("HSET", key, "status", "done", "result", ARGV[2], "updated_at", ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
    redis.call("PEXPIRE", key, ttl)
end
return 1
`)

// redisReleaseScript deletes an owned pending entry.
// KEYS[1] = entry key, ARGV[1] = owner
var redisReleaseScript = redis.NewScript(`
local key = KEYS[1]
local e = redis.call("HMGET", key, "status", "owner")
if e[1] ~= "pending" or e[2] ~= ARGV[1] then
    return 0
end
redis.call("DEL", key)
return 1
`)

// redisRenewScript extends the lease of an owned pending entry.
// KEYS[1] = entry key
// ARGV[1] = owner, ARGV[2] = lease_until ms, ARGV[3] = now ms
var redisRenewScript = redis.NewScript(`
local key = KEYS[1]
local e = redis.call("HMGET", key, "status", "owner")
if e[1] ~= "pending" or e[2] ~= ARGV[1] then
    return 0
end
redis.call("HSET", key, "lease_until", ARGV[2], "updated_at", ARGV[3])
return 1
`)

// RedisStore implements Store on Redis hashes, one per fingerprint.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	doneTTL time.Duration
	now     func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix overrides DefaultRedisPrefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithDoneTTL expires completed entries after ttl. Zero keeps them forever.
func WithDoneTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.doneTTL = ttl }
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreAddr connects to a single Redis server.
func NewRedisStoreAddr(addr, password string, db int, opts ...RedisOption) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStore(rdb, opts...)
}

func (s *RedisStore) key(fp string) string { return s.prefix + fp }

// Close closes the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Claim(ctx context.Context, fp, owner string, lease time.Duration) (Entry, bool, error) {
	now := s.now()
	res, err := redisClaimScript.Run(ctx, s.client, []string{s.key(fp)},
		owner, millis(now.Add(lease)), millis(now)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: redis claim: %w", err)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 7 {
		return Entry{}, false, fmt.Errorf("ledger: redis claim: unexpected reply %T", res)
	}
	claimed, _ := fields[0].(int64)
	e, err := entryFromFields(fp, fields[1:])
	if err != nil {
		return Entry{}, false, err
	}
	return e, claimed == 1, nil
}

func (s *RedisStore) Complete(ctx context.Context, fp, owner string, result []byte) error {
	return s.owned(ctx, "complete", redisCompleteScript, fp,
		owner, result, millis(s.now()), s.doneTTL.Milliseconds())
}

func (s *RedisStore) Release(ctx context.Context, fp, owner string) error {
	return s.owned(ctx, "release", redisReleaseScript, fp, owner)
}

func (s *RedisStore) Renew(ctx context.Context, fp, owner string, lease time.Duration) error {
	now := s.now()
	return s.owned(ctx, "renew", redisRenewScript, fp, owner, millis(now.Add(lease)), millis(now))
}

func (s *RedisStore) owned(ctx context.Context, op string, script *redis.Script, fp string, args ...interface{}) error {
	n, err := script.Run(ctx, s.client, []string{s.key(fp)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("ledger: redis %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, fp string) (Entry, error) {
	vals, err := s.client.HMGet(ctx, s.key(fp), "status", "owner", "lease_until", "result", "created_at", "updated_at").Result()
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: redis get: %w", err)
	}
	if vals[0] == nil {
		return Entry{}, ErrNotFound
	}
	return entryFromFields(fp, vals)
}

// entryFromFields decodes status, owner, lease_until, result, created_at and
// updated_at as returned by HMGET or the claim script.
func entryFromFields(fp string, f []interface{}) (Entry, error) {
	str := func(v interface{}) string {
		s, _ := v.(string)
		return s
	}
	ms := func(v interface{}) (int64, error) {
		s := str(v)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseInt(s, 10, 64)
	}
	if len(f) != 6 {
		return Entry{}, errors.New("ledger: redis: malformed entry")
	}
	e := Entry{
		Fingerprint: fp,
		Status:      Status(str(f[0])),
		Owner:       str(f[1]),
	}
	lease, err := ms(f[2])
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: redis: lease_until: %w", err)
	}
	created, err := ms(f[4])
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: redis: created_at: %w", err)
	}
	updated, err := ms(f[5])
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: redis: updated_at: %w", err)
	}
	e.LeaseUntil = fromMillis(lease)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	if r := str(f[3]); r != "" {
		e.Result = []byte(r)
	}
	return e, nil
}
