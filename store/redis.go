package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis, grounded in the teacher's
// control_plane/store/redis.go (SetNX/Lua-script lock primitives) and
// redis_versioned.go (atomic versioned CAS via EVALSHA with NOSCRIPT
// reload-and-retry). Each task is a hash at taskKey(id); dueSetKey is a
// single sorted set scored by rank*1e15+runAtMillis so that one
// ZRANGEBYSCORE call yields candidates in the same (status rank, runAt)
// order MemoryStore computes by sorting in Go.
type RedisStore struct {
	client *redis.Client
	errCh  chan error

	claimSHA  string
	updateSHA string
}

const rankScale = int64(1e15)

// NewRedisStore wraps an already-configured *redis.Client and preloads the
// Lua scripts used by ClaimAvailable/Update.
func NewRedisStore(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	s := &RedisStore{client: client, errCh: make(chan error, 64)}
	var err error
	s.claimSHA, err = client.ScriptLoad(ctx, claimScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload claim script: %w", err)
	}
	s.updateSHA, err = client.ScriptLoad(ctx, updateScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload update script: %w", err)
	}
	return s, nil
}

func (s *RedisStore) Errors() <-chan error { return s.errCh }

func (s *RedisStore) publishErr(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

func score(st Status, runAt time.Time) float64 {
	return float64(int64(st.Rank())*rankScale + runAt.UnixMilli())
}

// claimScript atomically transitions up to ARGV[2] eligible tasks to
// "claiming", preferring the requested ids listed from ARGV[7] onward
// (ARGV[6] holds their count); a requested idle task is claimable even
// before its run_at. It
// returns the list of claimed ids; the caller fetches full hashes afterward
// (the teacher's idempotency store does the same read-after-atomic-write
// split in control_plane/idempotency/store.go).
const claimScript = `
local dueKey = KEYS[1]
local now = tonumber(ARGV[1])
local size = tonumber(ARGV[2])
local owner = ARGV[3]
local retryUntil = ARGV[4]
local rankScale = tonumber(ARGV[5])
local reqCount = tonumber(ARGV[6])

local seen = {}
local claimed = {}

local function tryClaim(id, requested)
  if seen[id] or #claimed >= size then return end
  seen[id] = true
  local key = "taskflux:tasks:" .. id
  local status = redis.call("HGET", key, "status")
  if not status then return end
  local runAt = tonumber(redis.call("HGET", key, "run_at"))
  local retryAt = tonumber(redis.call("HGET", key, "retry_at"))
  local eligible = false
  if status == "idle" and runAt and (runAt <= now or requested) then
    eligible = true
  elseif (status == "claiming" or status == "running") and runAt and runAt <= now and retryAt and retryAt <= now then
    eligible = true
  end
  if not eligible then return end

  local attempts = tonumber(redis.call("HGET", key, "attempts")) or 0
  local version = tonumber(redis.call("HGET", key, "version")) or 0
  redis.call("HSET", key,
    "status", "claiming",
    "owner_id", owner,
    "started_at", now,
    "retry_at", retryUntil,
    "attempts", attempts + 1,
    "version", version + 1)
  redis.call("ZADD", dueKey, rankScale * 0 + runAt, id)
  table.insert(claimed, id)
end

for i = 1, reqCount do
  tryClaim(ARGV[6 + i], true)
end

if #claimed < size then
  local due = redis.call("ZRANGEBYSCORE", dueKey, "-inf", rankScale * 3 + now, "LIMIT", 0, size * 4)
  for _, id in ipairs(due) do
    tryClaim(id, false)
  end
end

return claimed
`

// updateScript performs an optimistic-concurrency write, mirroring the
// version-match check in the teacher's redis_versioned.go
// CompareAndSetVersioned.
const updateScript = `
local key = KEYS[1]
local dueKey = KEYS[2]
local expectedVersion = ARGV[1]
local id = ARGV[2]
local fieldCount = tonumber(ARGV[3])

local exists = redis.call("EXISTS", key)
if exists == 0 then
  return "not_found"
end

local currentVersion = redis.call("HGET", key, "version")
if currentVersion ~= expectedVersion then
  return "conflict"
end

local newScore = tonumber(ARGV[4])
for i = 1, fieldCount do
  local field = ARGV[4 + i * 2 - 1]
  local value = ARGV[4 + i * 2]
  redis.call("HSET", key, field, value)
end
redis.call("HINCRBY", key, "version", 1)
redis.call("ZADD", dueKey, newScore, id)

return "ok"
`

func (s *RedisStore) execClaim(ctx context.Context, args []interface{}) (interface{}, error) {
	result, err := s.client.EvalSha(ctx, s.claimSHA, []string{dueSetKey}, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		s.claimSHA, err = s.client.ScriptLoad(ctx, claimScript).Result()
		if err != nil {
			return nil, err
		}
		result, err = s.client.EvalSha(ctx, s.claimSHA, []string{dueSetKey}, args...).Result()
	}
	return result, err
}

func (s *RedisStore) ClaimAvailable(ctx context.Context, opts ClaimOptions) (ClaimResult, error) {
	size := opts.Size
	if size <= 0 {
		size = 1
	}
	args := []interface{}{
		time.Now().UnixMilli(),
		size,
		opts.OwnerID,
		opts.ClaimOwnershipUntil.UnixMilli(),
		rankScale,
		len(opts.ClaimTasksByID),
	}
	for _, id := range opts.ClaimTasksByID {
		args = append(args, id)
	}

	result, err := s.execClaim(ctx, args)
	if err != nil {
		err = fmt.Errorf("redis claim: %w", err)
		s.publishErr(&OverloadError{Diagnostic: "claimAvailable", Cause: err})
		return ClaimResult{}, err
	}

	ids, ok := result.([]interface{})
	if !ok {
		return ClaimResult{}, fmt.Errorf("redis claim: unexpected result type %T", result)
	}

	docs := make([]*TaskDocument, 0, len(ids))
	for _, raw := range ids {
		id, _ := raw.(string)
		d, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		docs = append(docs, d)
	}
	return ClaimResult{Docs: docs, ClaimedTasks: len(docs)}, nil
}

func (s *RedisStore) Create(ctx context.Context, doc *TaskDocument) (*TaskDocument, error) {
	key := taskKey(doc.ID)
	set, err := s.client.HSetNX(ctx, key, "id", doc.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("redis create: %w", err)
	}
	if !set {
		return nil, ErrVersionConflict
	}

	fields := taskFields(doc)
	fields["status"] = string(StatusIdle)
	fields["version"] = "1"
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return nil, fmt.Errorf("redis create: %w", err)
	}
	if err := s.client.ZAdd(ctx, dueSetKey, redis.Z{Score: score(StatusIdle, doc.RunAt), Member: doc.ID}).Err(); err != nil {
		return nil, fmt.Errorf("redis create: %w", err)
	}
	return s.Get(ctx, doc.ID)
}

func (s *RedisStore) Update(ctx context.Context, doc *TaskDocument) (*TaskDocument, error) {
	fields := taskFields(doc)
	args := []interface{}{doc.Version, doc.ID, len(fields), score(doc.Status, doc.RunAt)}
	for k, v := range fields {
		args = append(args, k, v)
	}

	result, err := s.client.EvalSha(ctx, s.updateSHA, []string{taskKey(doc.ID), dueSetKey}, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		s.updateSHA, err = s.client.ScriptLoad(ctx, updateScript).Result()
		if err != nil {
			return nil, err
		}
		result, err = s.client.EvalSha(ctx, s.updateSHA, []string{taskKey(doc.ID), dueSetKey}, args...).Result()
	}
	if err != nil {
		err = fmt.Errorf("redis update: %w", err)
		s.publishErr(&OverloadError{Diagnostic: "update", Cause: err})
		return nil, err
	}

	switch result {
	case "not_found":
		return nil, ErrNotFound
	case "conflict":
		return nil, ErrVersionConflict
	}
	return s.Get(ctx, doc.ID)
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, taskKey(id))
	pipe.ZRem(ctx, dueSetKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*TaskDocument, error) {
	values, err := s.client.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	return docFromFields(id, values), nil
}

func (s *RedisStore) GetLifecycle(ctx context.Context, id string) (Status, error) {
	status, err := s.client.HGet(ctx, taskKey(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis getLifecycle: %w", err)
	}
	return Status(status), nil
}

// Fetch performs a best-effort listing by scanning the due set; Redis has
// no native secondary index on task_type/status, so filtering happens
// client-side after the scan (acceptable for the admin/debug listing use
// Fetch is reserved for).
func (s *RedisStore) Fetch(ctx context.Context, opts SearchOptions) (FetchResult, error) {
	size := opts.Size
	if size <= 0 {
		size = 100
	}
	ids, err := s.client.ZRange(ctx, dueSetKey, 0, -1).Result()
	if err != nil {
		return FetchResult{}, fmt.Errorf("redis fetch: %w", err)
	}

	var docs []*TaskDocument
	for _, id := range ids {
		d, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if opts.TaskType != "" && d.TaskType != opts.TaskType {
			continue
		}
		if opts.Status != "" && d.Status != opts.Status {
			continue
		}
		docs = append(docs, d)
		if len(docs) >= size {
			break
		}
	}
	var after string
	if len(docs) > 0 {
		after = docs[len(docs)-1].ID
	}
	return FetchResult{Docs: docs, SearchAfter: after}, nil
}

func taskFields(doc *TaskDocument) map[string]interface{} {
	fields := map[string]interface{}{
		"id":           doc.ID,
		"task_type":    doc.TaskType,
		"params":       string(doc.Params),
		"state":        string(doc.State),
		"status":       string(doc.Status),
		"run_at":       doc.RunAt.UnixMilli(),
		"scheduled_at": doc.ScheduledAt.UnixMilli(),
		"attempts":     doc.Attempts,
	}
	if doc.StartedAt != nil {
		fields["started_at"] = doc.StartedAt.UnixMilli()
	}
	if doc.RetryAt != nil {
		fields["retry_at"] = doc.RetryAt.UnixMilli()
	}
	if doc.OwnerID != nil {
		fields["owner_id"] = *doc.OwnerID
	}
	if doc.Schedule != nil {
		fields["schedule_ms"] = doc.Schedule.Interval.Milliseconds()
	}
	return fields
}

func docFromFields(id string, values map[string]string) *TaskDocument {
	d := &TaskDocument{ID: id}
	d.TaskType = values["task_type"]
	d.Params = []byte(values["params"])
	d.State = []byte(values["state"])
	d.Status = Status(values["status"])
	d.RunAt = msToTime(values["run_at"])
	d.ScheduledAt = msToTime(values["scheduled_at"])
	d.Attempts, _ = strconv.Atoi(values["attempts"])
	d.Version = values["version"]
	if v, ok := values["started_at"]; ok && v != "" {
		t := msToTime(v)
		d.StartedAt = &t
	}
	if v, ok := values["retry_at"]; ok && v != "" {
		t := msToTime(v)
		d.RetryAt = &t
	}
	if v, ok := values["owner_id"]; ok && v != "" {
		owner := v
		d.OwnerID = &owner
	}
	if v, ok := values["schedule_ms"]; ok && v != "" {
		ms, _ := strconv.ParseInt(v, 10, 64)
		d.Schedule = &Schedule{Interval: time.Duration(ms) * time.Millisecond}
	}
	return d
}

func msToTime(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(ms)
}
