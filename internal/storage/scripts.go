package storage

import "github.com/redis/go-redis/v9"

// Server-side scripts are the only writers of queue state; there is no
// client-side read-modify-write anywhere. go-redis invokes them by
// digest and reloads transparently on NOSCRIPT.

// insertScript appends an envelope under the next queue-id, indexes
// its GUID, registers the queue on its shard index, and publishes the
// new-message wake on the per-queue channel.
//
// KEYS: queue, metadata, counter, shard index
// ARGV: serialized envelope, guid, current time millis, event channel
var insertScript = redis.NewScript(`
local messageId = redis.call("INCR", KEYS[3])

redis.call("ZADD", KEYS[1], "NX", messageId, ARGV[1])
redis.call("HSET", KEYS[2], ARGV[2], messageId)

redis.call("EXPIRE", KEYS[1], 2678400)
redis.call("EXPIRE", KEYS[2], 2678400)
redis.call("EXPIRE", KEYS[3], 2678400)

redis.call("ZADD", KEYS[4], "NX", ARGV[3], KEYS[1])
redis.call("PUBLISH", ARGV[4], "new")

return messageId
`)

// removeByGuidScript removes the envelope the GUID index points at,
// keeping the ordered queue and the index paired. Returns the removed
// envelope or nil.
//
// KEYS: queue, metadata, shard index
// ARGV: guid
var removeByGuidScript = redis.NewScript(`
local messageId = redis.call("HGET", KEYS[2], ARGV[1])
if not messageId then
    return nil
end

local envelopes = redis.call("ZRANGEBYSCORE", KEYS[1], messageId, messageId, "LIMIT", 0, 1)

redis.call("ZREMRANGEBYSCORE", KEYS[1], messageId, messageId)
redis.call("HDEL", KEYS[2], ARGV[1])

if redis.call("ZCARD", KEYS[1]) == 0 then
    redis.call("ZREM", KEYS[3], KEYS[1])
end

if envelopes[1] then
    return envelopes[1]
end
return nil
`)

// removeBySenderTimestampScript scans a bounded window of the queue
// for a (sender, client timestamp) match. The second return value
// reports whether the scan window truncated the queue.
//
// KEYS: queue, metadata, shard index
// ARGV: sender uuid, client timestamp, max scan
var removeBySenderTimestampScript = redis.NewScript(`
local limit = tonumber(ARGV[3])
local members = redis.call("ZRANGE", KEYS[1], 0, limit - 1)

local truncated = 0
if redis.call("ZCARD", KEYS[1]) > limit then
    truncated = 1
end

for _, msg in ipairs(members) do
    local ok, env = pcall(cjson.decode, msg)
    if ok and env["sourceUuid"] == ARGV[1] and env["timestamp"] == tonumber(ARGV[2]) then
        redis.call("ZREM", KEYS[1], msg)
        redis.call("HDEL", KEYS[2], env["guid"])
        if redis.call("ZCARD", KEYS[1]) == 0 then
            redis.call("ZREM", KEYS[3], KEYS[1])
        end
        return {msg, truncated}
    end
end

return {"", truncated}
`)

// drainAndTrimScript returns every envelope with queue-id <= the
// given bound and deletes them together with their GUID index
// entries. The persister calls it only after the page is durably
// written.
//
// KEYS: queue, metadata, shard index
// ARGV: upto queue-id
var drainAndTrimScript = redis.NewScript(`
local members = redis.call("ZRANGEBYSCORE", KEYS[1], 0, ARGV[1])

for _, msg in ipairs(members) do
    local ok, env = pcall(cjson.decode, msg)
    if ok and env["guid"] then
        redis.call("HDEL", KEYS[2], env["guid"])
    end
end

redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1])

if redis.call("ZCARD", KEYS[1]) == 0 then
    redis.call("ZREM", KEYS[3], KEYS[1])
end

return members
`)

// clearQueueScript drops a queue entirely: ordered set, GUID index,
// persist flag, and its shard index entry. The counter survives so
// queue-ids stay monotonic across clears.
//
// KEYS: queue, metadata, persist flag, shard index
var clearQueueScript = redis.NewScript(`
redis.call("DEL", KEYS[1], KEYS[2], KEYS[3])
redis.call("ZREM", KEYS[4], KEYS[1])
return 1
`)
