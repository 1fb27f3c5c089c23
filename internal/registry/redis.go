package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds connection settings for the Redis-backed registry.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces all keys, e.g. "identity:".
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis is a Registry backed by a Redis server, for deployments that run
// more than one instance of the service. Token records live under
// <prefix>rt:<id> with a TTL matching the token lifetime; a per-subject
// set under <prefix>sub:<subject> supports revoke-all.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// consumeScript performs the check-and-invalidate in a single server-side
// step so concurrent presenters of the same token race inside Redis, not
// in this process. Returns {status, payload}.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return {'missing', ''}
end
local rec = cjson.decode(v)
if rec.consumed then
  return {'consumed', v}
end
rec.consumed = true
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', ttl)
else
  redis.call('SET', KEYS[1], cjson.encode(rec))
end
return {'ok', v}
`)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client, keyPrefix: cfg.KeyPrefix, now: time.Now}, nil
}

// NewRedisWithClient wraps an existing client. Used by tests (miniredis).
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (r *Redis) WithClock(now func() time.Time) *Redis {
	r.now = now
	return r
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) tokenKey(id string) string {
	return r.keyPrefix + "rt:" + id
}

func (r *Redis) subjectKey(subject string) string {
	return r.keyPrefix + "sub:" + subject
}

func (r *Redis) Register(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling refresh token record: %w", err)
	}
	ttl := rec.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("refresh token %s already expired", rec.ID)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.tokenKey(rec.ID), data, ttl)
	pipe.SAdd(ctx, r.subjectKey(rec.Subject), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing refresh token: %w", err)
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, id string) (*Record, error) {
	data, err := r.client.Get(ctx, r.tokenKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up refresh token: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling refresh token record: %w", err)
	}
	return &rec, nil
}

func (r *Redis) ConsumeAndRotate(ctx context.Context, id string) (*Record, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{r.tokenKey(id)}).Slice()
	if err != nil {
		return nil, fmt.Errorf("consuming refresh token: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	status, _ := res[0].(string)
	payload, _ := res[1].(string)

	if status == "missing" {
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling refresh token record: %w", err)
	}
	if status == "consumed" {
		return &rec, ErrAlreadyConsumed
	}
	if !r.now().Before(rec.ExpiresAt) {
		return &rec, ErrExpired
	}
	return &rec, nil
}

func (r *Redis) Revoke(ctx context.Context, id string) error {
	data, err := r.client.Get(ctx, r.tokenKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("looking up refresh token: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return fmt.Errorf("unmarshaling refresh token record: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.tokenKey(id))
	pipe.SRem(ctx, r.subjectKey(rec.Subject), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return nil
}

func (r *Redis) RevokeAll(ctx context.Context, subject string) error {
	ids, err := r.client.SMembers(ctx, r.subjectKey(subject)).Result()
	if err != nil {
		return fmt.Errorf("listing refresh tokens for subject: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, r.tokenKey(id))
	}
	keys = append(keys, r.subjectKey(subject))
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoking refresh tokens: %w", err)
	}
	return nil
}
