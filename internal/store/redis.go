package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
)

// redisSaveScript performs the versioned save atomically.
// KEYS[1] = visit hash key
// ARGV[1] = expected stored version (0 when the record must not exist)
// ARGV[2] = new version
// ARGV[3] = record JSON
// ARGV[4] = status bitmask
// Returns 1 when written, 0 on version conflict.
var redisSaveScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])

local current = redis.call("HGET", key, "version")
if not current then
    if expected ~= 0 then
        return 0
    end
elseif tonumber(current) ~= expected then
    return 0
end

redis.call("HSET", key, "version", ARGV[2], "data", ARGV[3], "status", ARGV[4])
return 1
`)

// Redis is a Store backed by Redis hashes.
//
// Key layout (prefix defaults to "rideon:"):
//
//	<prefix>visit:<entity>  hash {version, status, data}
//	<prefix>tomb:<entity>   string with TTL
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{client: client, prefix: o.prefix}
}

// OpenRedis creates a client for addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int, opts ...Option) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client, opts...), nil
}

func (r *Redis) visitKey(id ir.EntityID) string {
	return r.prefix + "visit:" + string(id)
}

func (r *Redis) tombKey(id ir.EntityID) string {
	return r.prefix + "tomb:" + string(id)
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Load(ctx context.Context, id ir.EntityID) (saga.VisitRecord, error) {
	data, err := r.client.HGet(ctx, r.visitKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return saga.VisitRecord{}, ErrNotFound
	}
	if err != nil {
		return saga.VisitRecord{}, fmt.Errorf("load visit %s: %w", id, err)
	}
	return unmarshalRecord(data)
}

func (r *Redis) Save(ctx context.Context, rec saga.VisitRecord) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("save visit %s: %w", rec.EntityID, err)
	}

	res, err := redisSaveScript.Run(ctx, r.client, []string{r.visitKey(rec.EntityID)},
		rec.Version-1, rec.Version, data, int(rec.Status)).Int64()
	if err != nil {
		return fmt.Errorf("save visit %s: %w", rec.EntityID, err)
	}
	if res != 1 {
		return ErrVersionConflict
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, id ir.EntityID) error {
	if err := r.client.Del(ctx, r.visitKey(id)).Err(); err != nil {
		return fmt.Errorf("remove visit %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Mark(ctx context.Context, id ir.EntityID, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.tombKey(id), "1", ttl).Err(); err != nil {
		return fmt.Errorf("mark tombstone %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Has(ctx context.Context, id ir.EntityID) (bool, error) {
	n, err := r.client.Exists(ctx, r.tombKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check tombstone %s: %w", id, err)
	}
	return n > 0, nil
}

// Pending scans every visit hash and returns the completed ones.
func (r *Redis) Pending(ctx context.Context) ([]saga.VisitRecord, error) {
	required := strconv.Itoa(int(saga.Required))

	var out []saga.VisitRecord
	iter := r.client.Scan(ctx, 0, r.prefix+"visit:*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := r.client.HMGet(ctx, key, "status", "data").Result()
		if err != nil {
			return nil, fmt.Errorf("scan pending %s: %w", key, err)
		}
		status, _ := vals[0].(string)
		data, _ := vals[1].(string)
		if status != required || data == "" {
			continue
		}
		rec, err := unmarshalRecord([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("scan pending %s: %w", strings.TrimPrefix(key, r.prefix), err)
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	return out, nil
}

// Sweep is a no-op: Redis expires tombstones on its own.
func (r *Redis) Sweep(ctx context.Context) (int64, error) {
	return 0, nil
}

var _ Store = (*Redis)(nil)
