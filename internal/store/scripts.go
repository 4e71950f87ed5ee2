package store

import "github.com/redis/go-redis/v9"

// enqueueScript creates the job hash and indexes it into the pending ZSET.
// It returns 0 without writing when the hash already exists.
var enqueueScript = redis.NewScript(`
local jk = KEYS[1]
local pk = KEYS[2]
if redis.call('EXISTS', jk) == 1 then return 0 end
redis.call('HSET', jk, unpack(ARGV, 3))
redis.call('ZADD', pk, ARGV[2], ARGV[1])
return 1
`)

// claimScript takes the oldest eligible pending job, flips it to active,
// bumps its attempt counter, resets progress/log and leases it.
// Stale ZSET members without a pending hash are dropped and skipped.
var claimScript = redis.NewScript(`
local pk = KEYS[1]
local ak = KEYS[2]
local now = ARGV[1]
local lease = ARGV[2]
local prefix = ARGV[3]
for i = 1, 16 do
  local ids = redis.call('ZRANGEBYSCORE', pk, '-inf', now, 'LIMIT', 0, 1)
  if #ids == 0 then return false end
  local id = ids[1]
  redis.call('ZREM', pk, id)
  local jk = prefix .. 'job:' .. id
  if redis.call('HGET', jk, 'state') == 'pending' then
    redis.call('HINCRBY', jk, 'attempts', 1)
    redis.call('HSET', jk, 'state', 'active', 'progress', '0', 'started_at', now, 'updated_at', now)
    redis.call('DEL', prefix .. 'log:' .. id)
    redis.call('ZADD', ak, lease, id)
    return redis.call('HGETALL', jk)
  end
end
return false
`)

// progressScript stores a new progress value for the owning attempt.
var progressScript = redis.NewScript(`
local jk = KEYS[1]
if redis.call('HGET', jk, 'state') ~= 'active' or redis.call('HGET', jk, 'attempts') ~= ARGV[1] then
  return 'not_active'
end
local cur = tonumber(redis.call('HGET', jk, 'progress') or '0') or 0
if tonumber(ARGV[2]) < cur then return 'regress' end
redis.call('HSET', jk, 'progress', ARGV[2], 'updated_at', ARGV[3])
return 'ok'
`)

// appendLogScript appends one entry to the live log unless the cap is reached.
var appendLogScript = redis.NewScript(`
local jk = KEYS[1]
local lk = KEYS[2]
if redis.call('HGET', jk, 'state') ~= 'active' or redis.call('HGET', jk, 'attempts') ~= ARGV[1] then
  return 'not_active'
end
local cap = tonumber(ARGV[3])
if cap > 0 and redis.call('LLEN', lk) >= cap then return 'full' end
redis.call('RPUSH', lk, ARGV[2])
redis.call('HSET', jk, 'updated_at', ARGV[4])
return 'ok'
`)

// heartbeatScript extends the lease of the owning attempt.
var heartbeatScript = redis.NewScript(`
local jk = KEYS[1]
local ak = KEYS[2]
if redis.call('HGET', jk, 'state') ~= 'active' or redis.call('HGET', jk, 'attempts') ~= ARGV[1] then
  return 'not_active'
end
redis.call('ZADD', ak, 'XX', ARGV[2], ARGV[3])
return 'ok'
`)

// finalizeScript ends an attempt: completed on success; on failure back to
// pending (retryable and attempts remain) or failed. Afterwards the completed
// and failed ZSETs are trimmed to their caps, oldest first. Both ZSETs are
// scored by the per-queue finish sequence so same-millisecond finishes keep
// their order; completed_at stays in the hash. The reply is
// {state, evictedId...} or {'not_active'}.
var finalizeScript = redis.NewScript(`
local jk = KEYS[1]
local pk = KEYS[2]
local ak = KEYS[3]
local ck = KEYS[4]
local fk = KEYS[5]
local sk = KEYS[6]
local attempt = ARGV[1]
local now = ARGV[2]
local id = ARGV[11]
if redis.call('HGET', jk, 'state') ~= 'active' or redis.call('HGET', jk, 'attempts') ~= attempt then
  return {'not_active'}
end
local deadline = tonumber(ARGV[12])
if deadline > 0 then
  local lease = redis.call('ZSCORE', ak, id)
  if not lease or tonumber(lease) > deadline then return {'not_active'} end
end
redis.call('ZREM', ak, id)
local state
if ARGV[3] == '1' then
  state = 'completed'
  redis.call('HSET', jk, 'state', state, 'result', ARGV[6], 'completed_at', now, 'updated_at', now)
  redis.call('ZADD', ck, redis.call('INCR', sk), id)
else
  local maxa = tonumber(redis.call('HGET', jk, 'max_attempts') or '1') or 1
  if ARGV[4] == '1' and tonumber(attempt) < maxa then
    state = 'pending'
    redis.call('HSET', jk, 'state', state, 'next_eligible_at', ARGV[5], 'last_error', ARGV[7], 'updated_at', now)
    redis.call('ZADD', pk, ARGV[5], id)
  else
    state = 'failed'
    redis.call('HSET', jk, 'state', state, 'result', ARGV[6], 'last_error', ARGV[7], 'completed_at', now, 'updated_at', now)
    redis.call('ZADD', fk, redis.call('INCR', sk), id)
  end
end
local out = {state}
local prefix = ARGV[10]
local function trim(key, cap)
  if cap < 0 then return end
  local n = redis.call('ZCARD', key)
  if n <= cap then return end
  local old = redis.call('ZRANGE', key, 0, n - cap - 1)
  for _, oid in ipairs(old) do
    redis.call('DEL', prefix .. 'job:' .. oid, prefix .. 'log:' .. oid)
    table.insert(out, oid)
  end
  redis.call('ZREMRANGEBYRANK', key, 0, n - cap - 1)
end
trim(ck, tonumber(ARGV[8]))
trim(fk, tonumber(ARGV[9]))
return out
`)

// deleteScript removes a non-active job and its log from every index.
var deleteScript = redis.NewScript(`
local jk = KEYS[1]
local st = redis.call('HGET', jk, 'state')
if not st then return 'missing' end
if st == 'active' then return 'active' end
local id = ARGV[1]
redis.call('ZREM', KEYS[2], id)
redis.call('ZREM', KEYS[3], id)
redis.call('ZREM', KEYS[4], id)
redis.call('DEL', jk, KEYS[5])
return 'ok'
`)

// requeueScript moves a failed job back to pending with a fresh attempt budget.
var requeueScript = redis.NewScript(`
local jk = KEYS[1]
if redis.call('HGET', jk, 'state') ~= 'failed' then return 'not_failed' end
local id = ARGV[1]
redis.call('ZREM', KEYS[3], id)
redis.call('HDEL', jk, 'result', 'completed_at', 'last_error', 'started_at')
redis.call('HSET', jk, 'state', 'pending', 'attempts', '0', 'progress', '0', 'next_eligible_at', ARGV[2], 'updated_at', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('HSET', jk, 'max_attempts', ARGV[4])
end
redis.call('DEL', KEYS[4])
redis.call('ZADD', KEYS[2], ARGV[2], id)
return 'ok'
`)
