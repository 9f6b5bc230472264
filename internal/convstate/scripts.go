package convstate

import "github.com/redis/go-redis/v9"

// Every script takes KEYS[1] = state hash, KEYS[2] = pending list.
// Pending entries are "<message id>|<envelope json>"; message ids never contain '|'.

// tryAdmitScript returns {code, position, promoted}:
//
//	{1, 0, ""}      admitted, the message is now active
//	{0, n, ""}      queued at 1-based position n
//	{0, n, entry}   queued at n, and the conversation was idle with a backlog
//	                (after a forced reset), so the head was promoted instead
//	{2, 0, ""}      the message is already active
//	{2, n, ""}      the message is already pending at position n
//
// ARGV: message id, entry, ttl seconds, now (unix ms)
var tryAdmitScript = redis.NewScript(`
local phase = redis.call('HGET', KEYS[1], 'phase')
local active = redis.call('HGET', KEYS[1], 'active_message_id') or ''

if phase == 'PROCESSING' and active == ARGV[1] then
	return {2, 0, ''}
end

local prefix = ARGV[1] .. '|'
local pending = redis.call('LRANGE', KEYS[2], 0, -1)
for i, e in ipairs(pending) do
	if string.sub(e, 1, #prefix) == prefix then
		return {2, i, ''}
	end
end

local code = 0
local pos = 0
local promoted = ''

if phase == 'PROCESSING' then
	pos = redis.call('RPUSH', KEYS[2], ARGV[2])
elseif redis.call('LLEN', KEYS[2]) > 0 then
	pos = redis.call('RPUSH', KEYS[2], ARGV[2]) - 1
	promoted = redis.call('LPOP', KEYS[2])
	local sep = string.find(promoted, '|', 1, true)
	redis.call('HSET', KEYS[1], 'phase', 'PROCESSING', 'active_message_id', string.sub(promoted, 1, sep - 1))
else
	code = 1
	redis.call('HSET', KEYS[1], 'phase', 'PROCESSING', 'active_message_id', ARGV[1])
end

redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return {code, pos, promoted}
`)

// advanceScript returns {1, entry} when the head was promoted, {0, ""} when the
// conversation went idle, and {-1, active} when ARGV[1] is not the active message.
//
// ARGV: completed message id ("" resumes an idle conversation), ttl seconds, now (unix ms)
var advanceScript = redis.NewScript(`
local active = redis.call('HGET', KEYS[1], 'active_message_id') or ''
if active ~= ARGV[1] then
	return {-1, active}
end

local entry = redis.call('LPOP', KEYS[2])
local result
if entry then
	local sep = string.find(entry, '|', 1, true)
	redis.call('HSET', KEYS[1], 'phase', 'PROCESSING', 'active_message_id', string.sub(entry, 1, sep - 1), 'updated_at', ARGV[3])
	result = {1, entry}
else
	redis.call('HSET', KEYS[1], 'phase', 'IDLE', 'active_message_id', '', 'updated_at', ARGV[3])
	result = {0, ''}
end

redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[2])
return result
`)

// forceResetScript returns {abandoned active id, pending length}.
//
// ARGV: ttl seconds, now (unix ms)
var forceResetScript = redis.NewScript(`
local active = redis.call('HGET', KEYS[1], 'active_message_id') or ''
redis.call('HSET', KEYS[1], 'phase', 'IDLE', 'active_message_id', '', 'updated_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[2], ARGV[1])
return {active, redis.call('LLEN', KEYS[2])}
`)
