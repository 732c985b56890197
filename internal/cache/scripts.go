// internal/cache/scripts.go
package cache

import "github.com/redis/go-redis/v9"

// queuePush appends a member to an ordered queue unless it is already present.
//
//	KEYS[1] list of member ids (FIFO)   KEYS[2] hash member id -> payload
//	ARGV[1] member id   ARGV[2] payload   ARGV[3] ttl in ms
//
// Returns the new queue length, or -1 if the member was already queued.
var queuePush = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return -1
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return redis.call('LLEN', KEYS[1])
`)

// queuePopN atomically removes the first n members, or nothing if fewer than n are queued.
// Concurrent callers on any instance can never receive overlapping members.
//
//	KEYS[1] list   KEYS[2] hash   ARGV[1] n
//
// Returns the payloads of the removed members in queue order, or nil if insufficient.
var queuePopN = redis.NewScript(`
local n = tonumber(ARGV[1])
if n < 1 or redis.call('LLEN', KEYS[1]) < n then
	return false
end
local ids = redis.call('LRANGE', KEYS[1], 0, n - 1)
redis.call('LTRIM', KEYS[1], n, -1)
local out = {}
for i, id in ipairs(ids) do
	local payload = redis.call('HGET', KEYS[2], id)
	if payload then
		out[#out + 1] = payload
	end
	redis.call('HDEL', KEYS[2], id)
end
return out
`)

// queueRemove drops a single member from the queue.
//
//	KEYS[1] list   KEYS[2] hash   ARGV[1] member id
var queueRemove = redis.NewScript(`
local removed = redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('LREM', KEYS[1], 0, ARGV[1])
return removed
`)

// compareAndDelete deletes KEYS[1] only if it still equals ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
