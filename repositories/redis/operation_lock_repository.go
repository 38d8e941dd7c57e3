package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"go.uber.org/zap"
)

// Each lock is a hash at <prefix>:oplock:<operation_id>. In-progress locks are
// also members of the <prefix>:oplocks:inflight sorted set scored by their
// deadline in unix milliseconds, which serves the stale queries.

var insertScript = goredis.NewScript(`
-- KEYS[1] = lock hash, KEYS[2] = inflight zset
-- ARGV[1] = deadline ms, ARGV[2] = operation id, ARGV[3..] = field/value pairs
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

var takeOverScript = goredis.NewScript(`
-- KEYS[1] = lock hash, KEYS[2] = inflight zset
-- ARGV[1] = deadline ms, ARGV[2] = operation id, ARGV[3..] = field/value pairs
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'pending' and status ~= 'failed' then
  return 0
end
redis.call('HDEL', KEYS[1], 'result', 'completed_at')
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

var completeScript = goredis.NewScript(`
-- KEYS[1] = lock hash, KEYS[2] = inflight zset
-- ARGV[1] = operation id, ARGV[2] = status, ARGV[3] = completed_at, ARGV[4] = result
if redis.call('HGET', KEYS[1], 'status') ~= 'in_progress' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'completed_at', ARGV[3])
if ARGV[4] == '' then
  redis.call('HDEL', KEYS[1], 'result')
else
  redis.call('HSET', KEYS[1], 'result', ARGV[4])
end
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

var reclaimScript = goredis.NewScript(`
-- KEYS[1] = lock hash, KEYS[2] = inflight zset
-- ARGV[1] = operation id, ARGV[2] = now ms
if redis.call('HGET', KEYS[1], 'status') ~= 'in_progress' then
  return 0
end
local deadline = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not deadline or tonumber(deadline) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'pending')
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

var reclaimStaleScript = goredis.NewScript(`
-- KEYS[1] = inflight zset
-- ARGV[1] = now ms, ARGV[2] = lock key prefix
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'status') == 'in_progress' then
    redis.call('HSET', key, 'status', 'pending')
    n = n + 1
  end
  redis.call('ZREM', KEYS[1], id)
end
return n
`)

// OperationLockRepository implements repositories.OperationLockRepository on Redis.
// Every state transition is a Lua script, so each call is atomic on the server.
//
// Single instance only, not Redis Cluster: the stale sweep builds lock hash
// names from ARGV instead of declaring them in KEYS, and every script pairs a
// lock hash with the shared in-flight set, which may hash to another slot.
type OperationLockRepository struct {
	rdb    goredis.Cmdable
	prefix string
	logger *zap.Logger
}

// NewOperationLockRepository creates a Redis lock repository using keys under prefix
func NewOperationLockRepository(rdb goredis.Cmdable, prefix string, logger *zap.Logger) repositories.OperationLockRepository {
	if prefix == "" {
		prefix = "governance"
	}
	return &OperationLockRepository{
		rdb:    rdb,
		prefix: prefix,
		logger: logger,
	}
}

func (r *OperationLockRepository) lockPrefix() string {
	return r.prefix + ":oplock:"
}

func (r *OperationLockRepository) lockKey(operationID string) string {
	return r.lockPrefix() + operationID
}

func (r *OperationLockRepository) inflightKey() string {
	return r.prefix + ":oplocks:inflight"
}

// Insert creates the lock unless one already exists for the operation ID
func (r *OperationLockRepository) Insert(ctx context.Context, lock *models.OperationLock) (bool, error) {
	args := append([]interface{}{lock.ExpiresAt.UnixMilli(), lock.OperationID}, lockFields(lock)...)
	n, err := insertScript.Run(ctx, r.rdb, []string{r.lockKey(lock.OperationID), r.inflightKey()}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to insert operation lock: %w", err)
	}
	if n == 1 {
		r.logger.Debug("operation lock acquired", zap.String("operation_id", lock.OperationID))
	}
	return n == 1, nil
}

// TakeOver re-arms a pending or failed lock for a new attempt. The stored lock ID is kept.
func (r *OperationLockRepository) TakeOver(ctx context.Context, lock *models.OperationLock) (bool, error) {
	fields := []interface{}{
		"status", string(models.OperationStatusInProgress),
		"operation_type", lock.OperationType,
		"actor_id", lock.ActorID,
		"locked_at", formatTime(lock.LockedAt),
		"expires_at", formatTime(lock.ExpiresAt),
	}
	args := append([]interface{}{lock.ExpiresAt.UnixMilli(), lock.OperationID}, fields...)
	n, err := takeOverScript.Run(ctx, r.rdb, []string{r.lockKey(lock.OperationID), r.inflightKey()}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to take over operation lock: %w", err)
	}
	return n == 1, nil
}

// GetByOperationID retrieves a lock by its operation ID
func (r *OperationLockRepository) GetByOperationID(ctx context.Context, operationID string) (*models.OperationLock, error) {
	values, err := r.rdb.HGetAll(ctx, r.lockKey(operationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get operation lock: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("operation %s: %w", operationID, repositories.ErrNotFound)
	}
	return parseLock(values)
}

// Complete finalizes an in-progress lock
func (r *OperationLockRepository) Complete(ctx context.Context, operationID string, status models.OperationStatus, result json.RawMessage, completedAt time.Time) (bool, error) {
	n, err := completeScript.Run(ctx, r.rdb,
		[]string{r.lockKey(operationID), r.inflightKey()},
		operationID, string(status), formatTime(completedAt), string(result),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to complete operation lock: %w", err)
	}
	return n == 1, nil
}

// Reclaim moves one stale in-progress lock back to pending
func (r *OperationLockRepository) Reclaim(ctx context.Context, operationID string, now time.Time) (bool, error) {
	n, err := reclaimScript.Run(ctx, r.rdb,
		[]string{r.lockKey(operationID), r.inflightKey()},
		operationID, now.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reclaim operation lock: %w", err)
	}
	return n == 1, nil
}

// CountStale counts in-progress locks past their deadline
func (r *OperationLockRepository) CountStale(ctx context.Context, now time.Time) (int, error) {
	n, err := r.rdb.ZCount(ctx, r.inflightKey(), "-inf", "("+strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count stale locks: %w", err)
	}
	return int(n), nil
}

// ReclaimStale moves every stale in-progress lock back to pending
func (r *OperationLockRepository) ReclaimStale(ctx context.Context, now time.Time) (int64, error) {
	n, err := reclaimStaleScript.Run(ctx, r.rdb, []string{r.inflightKey()}, now.UnixMilli(), r.lockPrefix()).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("failed to reclaim stale locks: %w", err)
	}
	return n, nil
}

func lockFields(lock *models.OperationLock) []interface{} {
	fields := []interface{}{
		"id", lock.ID.String(),
		"operation_id", lock.OperationID,
		"operation_type", lock.OperationType,
		"actor_id", lock.ActorID,
		"status", string(lock.Status),
		"locked_at", formatTime(lock.LockedAt),
		"expires_at", formatTime(lock.ExpiresAt),
	}
	if len(lock.Result) > 0 {
		fields = append(fields, "result", string(lock.Result))
	}
	if lock.CompletedAt != nil {
		fields = append(fields, "completed_at", formatTime(*lock.CompletedAt))
	}
	return fields
}

func parseLock(values map[string]string) (*models.OperationLock, error) {
	id, err := uuid.Parse(values["id"])
	if err != nil {
		return nil, fmt.Errorf("invalid lock id %q: %w", values["id"], err)
	}
	lockedAt, err := parseTime(values["locked_at"])
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseTime(values["expires_at"])
	if err != nil {
		return nil, err
	}

	lock := &models.OperationLock{
		ID:            id,
		OperationID:   values["operation_id"],
		OperationType: values["operation_type"],
		ActorID:       values["actor_id"],
		Status:        models.OperationStatus(values["status"]),
		LockedAt:      lockedAt,
		ExpiresAt:     expiresAt,
	}
	if result := values["result"]; result != "" {
		lock.Result = json.RawMessage(result)
	}
	if completed := values["completed_at"]; completed != "" {
		t, err := parseTime(completed)
		if err != nil {
			return nil, err
		}
		lock.CompletedAt = &t
	}
	return lock, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid lock timestamp %q: %w", s, err)
	}
	return t, nil
}
