package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/guardian-ai/guardian/internal/api"
)

// Lua scripts run atomically on the server, which gives per-instance
// compare-and-swap and existence-checked appends without client locking.
var (
	createProblemScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'user_id', ARGV[1], 'problem_type', ARGV[2], 'params', ARGV[3],
  'state', ARGV[4], 'version', ARGV[5], 'created_at', ARGV[6])
return 1
`)

	saveStateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local v = tonumber(redis.call('HGET', KEYS[1], 'version'))
if v ~= tonumber(ARGV[1]) then
  return -2
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'version', v + 1)
return v + 1
`)

	releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

	appendRecordScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('RPUSH', KEYS[2], ARGV[1])
`)
)

// RedisStore implements Store on Redis. Each problem is a hash holding its
// state and version; records are a list per problem.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store.
//
// Args:
//   - addr: Redis address (e.g., "localhost:6379")
//   - password: Redis password (empty string if none)
//   - db: Redis database number (0-15, typically 0)
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, prefix: "guardian"}, nil
}

// WithPrefix returns a store sharing the client but namespacing keys under
// prefix. Tests use it to isolate runs.
func (r *RedisStore) WithPrefix(prefix string) *RedisStore {
	return &RedisStore{client: r.client, prefix: prefix}
}

func (r *RedisStore) problemKey(id string) string {
	return fmt.Sprintf("%s:problem:%s", r.prefix, id)
}

func (r *RedisStore) lockKey(id string) string {
	return fmt.Sprintf("%s:lock:%s", r.prefix, id)
}

func (r *RedisStore) recordsKey(id string) string {
	return fmt.Sprintf("%s:records:%s", r.prefix, id)
}

func (r *RedisStore) CreateProblem(ctx context.Context, p *api.ProblemInstance) error {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	state, err := json.Marshal(p.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	created, err := createProblemScript.Run(ctx, r.client, []string{r.problemKey(p.ID)},
		p.UserID, p.ProblemType, params, state, p.Version, p.CreatedAt.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis create failed: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("problem %s already exists", p.ID)
	}
	return nil
}

func (r *RedisStore) GetProblem(ctx context.Context, problemID string) (*api.ProblemInstance, error) {
	fields, err := r.client.HGetAll(ctx, r.problemKey(problemID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	}

	p := &api.ProblemInstance{
		ID:          problemID,
		UserID:      fields["user_id"],
		ProblemType: fields["problem_type"],
	}
	if err := json.Unmarshal([]byte(fields["params"]), &p.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	if err := json.Unmarshal([]byte(fields["state"]), &p.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if p.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return p, nil
}

func (r *RedisStore) SaveState(ctx context.Context, problemID string, expectedVersion int64, state api.DecisionState) (int64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal state: %w", err)
	}

	v, err := saveStateScript.Run(ctx, r.client, []string{r.problemKey(problemID)}, expectedVersion, data).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis CAS failed: %w", err)
	}
	switch v {
	case -1:
		return 0, fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	case -2:
		return 0, fmt.Errorf("%w: problem %s expected version %d", api.ErrConcurrencyConflict, problemID, expectedVersion)
	}
	return v, nil
}

func (r *RedisStore) AppendRecord(ctx context.Context, rec api.PerformanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	n, err := appendRecordScript.Run(ctx, r.client,
		[]string{r.problemKey(rec.ProblemID), r.recordsKey(rec.ProblemID)}, data).Int64()
	if err != nil {
		return fmt.Errorf("redis append failed: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s", api.ErrUnknownProblemID, rec.ProblemID)
	}
	return nil
}

func (r *RedisStore) ListRecords(ctx context.Context, problemID string) ([]api.PerformanceRecord, error) {
	exists, err := r.client.Exists(ctx, r.problemKey(problemID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis EXISTS failed: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	}

	// LRANGE is a single command, so the list is read atomically.
	raw, err := r.client.LRange(ctx, r.recordsKey(problemID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE failed: %w", err)
	}

	recs := make([]api.PerformanceRecord, 0, len(raw))
	for _, item := range raw {
		var rec api.PerformanceRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (r *RedisStore) RecordCount(ctx context.Context, problemID string) (int, error) {
	pipe := r.client.TxPipeline()
	exists := pipe.Exists(ctx, r.problemKey(problemID))
	n := pipe.LLen(ctx, r.recordsKey(problemID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis count failed: %w", err)
	}
	if exists.Val() == 0 {
		return 0, fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	}
	return int(n.Val()), nil
}

// LockProblem sets a lock key with NX and a lease TTL. Release deletes the
// key only while it still holds this caller's token.
func (r *RedisStore) LockProblem(ctx context.Context, problemID string) (func(), error) {
	key := r.lockKey(problemID)
	token, err := acquireLease(ctx, func(ctx context.Context, token string) (bool, error) {
		ok, err := r.client.SetNX(ctx, key, token, lockLease).Result()
		if err != nil {
			return false, fmt.Errorf("redis SETNX failed: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		// An error leaves the key to expire.
		_ = releaseLockScript.Run(ctx, r.client, []string{key}, token).Err()
	}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
