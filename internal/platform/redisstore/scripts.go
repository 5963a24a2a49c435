package redisstore

import "github.com/redis/go-redis/v9"

// Every script builds its keys from the prefix in ARGV[1], so the store
// needs a single Redis node rather than a cluster.
//
// Numbers that must survive exactly (millisecond timestamps, ranks) are
// passed through as the strings the caller supplied; Lua only converts them
// for comparisons.

// insertScript stores a new job unless its id or external id is taken.
// Returns 1 when stored, 0 for a taken external id and -1 for a taken id.
// ARGV: prefix, id, queue, external_id, run_at, then field/value pairs.
var insertScript = redis.NewScript(`
local prefix, id, queue, ext, run_at = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
local job_key = prefix .. ':job:' .. id
local ext_key = prefix .. ':ext:' .. queue

if redis.call('HEXISTS', ext_key, ext) == 1 then
	return 0
end
if redis.call('EXISTS', job_key) == 1 then
	return -1
end

local fields = {}
for i = 6, #ARGV do
	fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', job_key, unpack(fields))
redis.call('HSET', ext_key, ext, id)
redis.call('ZADD', prefix .. ':delayed:' .. queue, run_at, id)
return 1
`)

// claimScript promotes due delayed jobs and takes the best waiting one.
// ARGV: prefix, queue, token, now.
var claimScript = redis.NewScript(`
local prefix, queue, token, now = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local delayed = prefix .. ':delayed:' .. queue
local waiting = prefix .. ':waiting:' .. queue

local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now)
for _, id in ipairs(due) do
	local rank = redis.call('HGET', prefix .. ':job:' .. id, 'rank')
	if rank then
		redis.call('ZADD', waiting, rank, id)
	end
	redis.call('ZREM', delayed, id)
end

local head = redis.call('ZRANGE', waiting, 0, 0)
if #head == 0 then
	return false
end

local id = head[1]
local job_key = prefix .. ':job:' .. id
redis.call('ZREM', waiting, id)
redis.call('HSET', job_key, 'state', 'active', 'lock_token', token, 'heartbeat_at', now)
redis.call('HINCRBY', job_key, 'attempts', 1)
if redis.call('HGET', job_key, 'processed_at') == '0' then
	redis.call('HSET', job_key, 'processed_at', now)
end
redis.call('ZADD', prefix .. ':active:' .. queue, now, id)
return redis.call('HGETALL', job_key)
`)

// heartbeatScript refreshes an active job owned by token.
// ARGV: prefix, id, token, at.
var heartbeatScript = redis.NewScript(`
local prefix, id, token, at = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local job_key = prefix .. ':job:' .. id
local state, lock, queue = unpack(redis.call('HMGET', job_key, 'state', 'lock_token', 'queue'))
if state ~= 'active' or lock ~= token then
	return 0
end
redis.call('HSET', job_key, 'heartbeat_at', at)
redis.call('ZADD', prefix .. ':active:' .. queue, at, id)
return 1
`)

// transitionScript applies a compare-and-set state change. It returns a
// status followed by the job's fields: "ok" on success, otherwise
// "notfound", "lock" or "conflict" with the current fields.
// ARGV: prefix, id, from, to, token, stale_before, result, reason, run_at, at.
var transitionScript = redis.NewScript(`
local prefix, id, from, to, token = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
local stale_before, result, reason, run_at, at = ARGV[6], ARGV[7], ARGV[8], ARGV[9], ARGV[10]
local job_key = prefix .. ':job:' .. id

local function reply(status)
	local out = {status}
	for _, v in ipairs(redis.call('HGETALL', job_key)) do
		out[#out + 1] = v
	end
	return out
end

if redis.call('EXISTS', job_key) == 0 then
	return {'notfound'}
end

local state, lock, hb, queue = unpack(redis.call('HMGET', job_key, 'state', 'lock_token', 'heartbeat_at', 'queue'))
if from == 'active' and (state ~= 'active' or lock ~= token) then
	return reply('lock')
end
if state ~= from then
	return reply('conflict')
end
if stale_before ~= '0' and tonumber(hb) >= tonumber(stale_before) then
	return reply('conflict')
end

if from == 'waiting' then
	redis.call('ZREM', prefix .. ':waiting:' .. queue, id)
	redis.call('ZREM', prefix .. ':delayed:' .. queue, id)
else
	redis.call('ZREM', prefix .. ':' .. from .. ':' .. queue, id)
end

redis.call('HSET', job_key, 'state', to, 'lock_token', '')
if to == 'completed' then
	redis.call('HSET', job_key, 'result', result, 'failure_reason', '', 'finished_at', at)
	redis.call('ZADD', prefix .. ':completed:' .. queue, at, id)
elseif to == 'failed' then
	redis.call('HSET', job_key, 'failure_reason', reason, 'finished_at', at)
	redis.call('ZADD', prefix .. ':failed:' .. queue, at, id)
elseif to == 'waiting' then
	redis.call('HSET', job_key, 'run_at', run_at)
	if reason ~= '' then
		redis.call('HSET', job_key, 'failure_reason', reason)
	end
	redis.call('ZADD', prefix .. ':delayed:' .. queue, run_at, id)
elseif to == 'stalled' then
	redis.call('ZADD', prefix .. ':stalled:' .. queue, hb, id)
end
return reply('ok')
`)

// purgeScript deletes terminal jobs finished before a bound and/or beyond
// the newest keep. ARGV: prefix, queue, state, before, keep.
var purgeScript = redis.NewScript(`
local prefix, queue, state, before, keep = ARGV[1], ARGV[2], ARGV[3], ARGV[4], tonumber(ARGV[5])
local set = prefix .. ':' .. state .. ':' .. queue
local ext_key = prefix .. ':ext:' .. queue

local doomed = {}
if before ~= '0' then
	for _, id in ipairs(redis.call('ZRANGEBYSCORE', set, '-inf', '(' .. before)) do
		doomed[id] = true
	end
end
if keep > 0 then
	for _, id in ipairs(redis.call('ZREVRANGE', set, keep, -1)) do
		doomed[id] = true
	end
end

local removed = 0
for id in pairs(doomed) do
	local job_key = prefix .. ':job:' .. id
	local ext = redis.call('HGET', job_key, 'external_id')
	if ext then
		redis.call('HDEL', ext_key, ext)
	end
	redis.call('DEL', job_key)
	redis.call('ZREM', set, id)
	removed = removed + 1
end
return removed
`)
