package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Lua scripts for atomic rate limiting operations.
//
// Redis executes a script without interleaving other commands, so the
// read-compare-write sequence on a bucket hash cannot race with concurrent
// requests from other gateway instances.

// luaIncrementBucket performs a fixed-window check-and-increment.
// KEYS[1] = bucket hash key
// ARGV[1] = max requests
// ARGV[2] = bucket id
// ARGV[3] = sanitized scope key
// ARGV[4] = sanitized identifier
// ARGV[5] = window index
// ARGV[6] = window start (unix ms)
// ARGV[7] = expires at (unix ms)
// ARGV[8] = updated at (unix ms)
// ARGV[9] = ttl in milliseconds
//
// Returns: {admitted (0/1), count}
const luaIncrementBucket = `
local bucket_key = KEYS[1]
local max_requests = tonumber(ARGV[1])

local count = tonumber(redis.call("HGET", bucket_key, "count") or "0")
local next_count = count + 1

if next_count > max_requests then
    return {0, count}
end

redis.call("HSET", bucket_key,
    "id", ARGV[2],
    "key", ARGV[3],
    "identifier", ARGV[4],
    "bucket", ARGV[5],
    "count", next_count,
    "window_start", ARGV[6],
    "expires_at", ARGV[7],
    "updated_at", ARGV[8])

local ttl_ms = tonumber(ARGV[9])
if ttl_ms > 0 then
    redis.call("PEXPIRE", bucket_key, ttl_ms)
end

return {1, next_count}
`

// scriptLoader manages the lifecycle of Lua scripts in Redis.
// Scripts are loaded once via SCRIPT LOAD and then executed by SHA,
// which reduces bandwidth and parsing overhead on repeated calls.
type scriptLoader struct {
	client *redis.Client

	incrementBucket *redis.Script
}

// newScriptLoader creates a new script loader with all scripts registered.
func newScriptLoader(client *redis.Client) *scriptLoader {
	return &scriptLoader{
		client:          client,
		incrementBucket: redis.NewScript(luaIncrementBucket),
	}
}

// LoadAll pre-loads all Lua scripts into the Redis script cache.
// go-redis reloads a script transparently if it was evicted from the cache.
func (sl *scriptLoader) LoadAll(ctx context.Context) error {
	scripts := map[string]*redis.Script{
		"increment_bucket": sl.incrementBucket,
	}

	for name, script := range scripts {
		if err := script.Load(ctx, sl.client).Err(); err != nil {
			return fmt.Errorf("failed to load script %q: %w", name, err)
		}
	}

	return nil
}
