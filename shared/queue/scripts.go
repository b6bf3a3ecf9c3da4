package queue

import "github.com/redis/go-redis/v9"

// Скрипты работают только со строковыми score: числа в Lua - double и теряют точность при форматировании.

// KEYS: job hash, waiting. ARGV: data, priority, score, user_id, id.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', 'queued', 'priority', ARGV[2], 'score', ARGV[3], 'user_id', ARGV[4], 'stalls', 0)
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
return redis.call('ZRANK', KEYS[2], ARGV[5])
`)

// KEYS: waiting, active, delayed, paused. ARGV: now ms, lease deadline ms, job key prefix.
// Сначала переносит созревшие отложенные задачи в waiting, затем забирает задачу с минимальным score.
var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  return false
end
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  local jk = ARGV[3] .. id
  if redis.call('HGET', jk, 'status') == 'queued' then
    redis.call('ZADD', KEYS[1], redis.call('HGET', jk, 'score'), id)
  end
end
while true do
  local top = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #top == 0 then
    return false
  end
  local id = top[1]
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[3] .. id
  if redis.call('HGET', jk, 'status') == 'queued' then
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    redis.call('HSET', jk, 'status', 'processing')
    return {id, redis.call('HGET', jk, 'data'), redis.call('HGET', jk, 'stalls')}
  end
end
`)

// KEYS: job hash, waiting, active, delayed, cancelled counter. ARGV: id.
// Возвращает 'ok:<прежний статус>', 'terminal:<статус>' или 'missing'.
var cancelScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then
  return 'missing'
end
if st ~= 'queued' and st ~= 'processing' then
  return 'terminal:' .. st
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'cancelled')
redis.call('INCR', KEYS[5])
return 'ok:' .. st
`)

// KEYS: job hash, active, counter. ARGV: id, final status, data, retention ms.
// Завершает задачу, только пока она в processing (отмена имеет приоритет).
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
redis.call('INCR', KEYS[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// KEYS: job hash, active, delayed. ARGV: id, data, score, ready-at ms.
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'queued', 'data', ARGV[2], 'score', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// KEYS: job hash, active. ARGV: id, data, lease deadline ms.
// Сохраняет состояние задачи и продлевает аренду; возвращает текущий статус.
var touchScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then
  return 'missing'
end
if st == 'processing' then
  if ARGV[2] ~= '' then
    redis.call('HSET', KEYS[1], 'data', ARGV[2])
  end
  if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
    redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
  end
end
return st
`)

// KEYS: active, waiting, failed counter. ARGV: now ms, job key prefix, max stalls.
// Возвращает {возвращенные в очередь, переведенные в failed}.
var requeueStalledScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local requeued = {}
local failed = {}
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. id
  if redis.call('HGET', jk, 'status') == 'processing' then
    local stalls = redis.call('HINCRBY', jk, 'stalls', 1)
    if stalls > tonumber(ARGV[3]) then
      redis.call('HSET', jk, 'status', 'failed')
      redis.call('INCR', KEYS[3])
      table.insert(failed, id)
    else
      redis.call('HSET', jk, 'status', 'queued')
      redis.call('ZADD', KEYS[2], redis.call('HGET', jk, 'score'), id)
      table.insert(requeued, id)
    end
  end
end
return {requeued, failed}
`)
