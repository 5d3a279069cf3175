package redis

import goredis "github.com/redis/go-redis/v9"

// createScript allocates the node, links it under its parent and returns the
// final path.
//
// KEYS: parent node, parent children, parent sequence, session set
// ARGV: path, name, sequential, session id ("" for persistent), ttl ms,
// node key prefix, parent is root
var createScript = goredis.NewScript(`
if ARGV[7] ~= "1" and redis.call("EXISTS", KEYS[1]) == 0 then
  return redis.error_reply("NONODE")
end
local seq = redis.call("INCR", KEYS[3]) - 1
local path = ARGV[1]
local name = ARGV[2]
if ARGV[3] == "1" then
  local suffix = string.format("%010d", seq)
  path = path .. suffix
  name = name .. suffix
end
local nodeKey = ARGV[6] .. path
if redis.call("EXISTS", nodeKey) == 1 then
  return redis.error_reply("NODEEXISTS")
end
if ARGV[4] ~= "" then
  redis.call("SET", nodeKey, ARGV[4], "PX", ARGV[5])
  redis.call("SADD", KEYS[4], path)
  redis.call("PEXPIRE", KEYS[4], ARGV[5])
else
  redis.call("SET", nodeKey, "")
end
redis.call("ZADD", KEYS[2], seq, name)
return path
`)

// deleteScript unlinks a childless node. Children whose keys have expired do
// not count.
//
// KEYS: node, node children, parent children
// ARGV: name, path, node key prefix, session key prefix
var deleteScript = goredis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if not owner then
  return redis.error_reply("NONODE")
end
for _, child in ipairs(redis.call("ZRANGE", KEYS[2], 0, -1)) do
  if redis.call("EXISTS", ARGV[3] .. ARGV[2] .. "/" .. child) == 1 then
    return redis.error_reply("NOTEMPTY")
  end
end
if owner ~= "" then
  redis.call("SREM", ARGV[4] .. owner, ARGV[2])
end
redis.call("DEL", KEYS[1], KEYS[2])
redis.call("ZREM", KEYS[3], ARGV[1])
return 1
`)

// childrenScript lists live children in sequence order and prunes the ones
// whose ephemeral keys expired. It returns the live names followed by a
// separator and the pruned names.
//
// KEYS: node, node children
// ARGV: path prefix for children ("/" joined), node key prefix, is root
var childrenScript = goredis.NewScript(`
if ARGV[3] ~= "1" and redis.call("EXISTS", KEYS[1]) == 0 then
  return redis.error_reply("NONODE")
end
local live = {}
local dead = {}
for _, child in ipairs(redis.call("ZRANGE", KEYS[2], 0, -1)) do
  if redis.call("EXISTS", ARGV[2] .. ARGV[1] .. child) == 1 then
    table.insert(live, child)
  else
    table.insert(dead, child)
  end
end
for _, child in ipairs(dead) do
  redis.call("ZREM", KEYS[2], child)
end
table.insert(live, "")
for _, child in ipairs(dead) do
  table.insert(live, child)
end
return live
`)

// refreshScript extends the ttl of every ephemeral node of a session. It
// returns 0 when the session set itself is gone.
//
// KEYS: session set
// ARGV: ttl ms, node key prefix
var refreshScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
for _, path in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  redis.call("PEXPIRE", ARGV[2] .. path, ARGV[1])
end
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return 1
`)
