package gateway

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/scrypster/conclave/pkg/types"
)

// DefaultRedisPrefix namespaces dedup keys.
const DefaultRedisPrefix = "conclave:dedup:"

// Each key holds "<event time in unix ms>:<fact id>" for the latest claim;
// fact id 0 marks a claim whose fact is still being written.
var (
	claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local sep = string.find(cur, ':', 1, true)
  local d = tonumber(ARGV[1]) - tonumber(string.sub(cur, 1, sep - 1))
  if d < 0 then d = -d end
  if d < tonumber(ARGV[2]) then
    return string.sub(cur, sep + 1)
  end
end
redis.call('SET', KEYS[1], ARGV[1] .. ':0', 'PX', ARGV[3])
return false
`)

	confirmScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] .. ':0' then
  redis.call('SET', KEYS[1], ARGV[1] .. ':' .. ARGV[2], 'PX', ARGV[3])
end
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] .. ':0' then
  redis.call('DEL', KEYS[1])
end
return 1
`)
)

// RedisDedup is a DedupIndex shared by several gateway processes.
type RedisDedup struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDedup stores claims in rdb. Keys expire after ttl (default: twice
// the dedup window).
func NewRedisDedup(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisDedup {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = 2 * DefaultDedupWindow
	}
	return &RedisDedup{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Claim implements DedupIndex.
func (r *RedisDedup) Claim(ctx context.Context, key string, at time.Time, window time.Duration) (types.FactID, bool, error) {
	res, err := claimScript.Run(ctx, r.rdb, []string{r.prefix + key},
		at.UnixMilli(), window.Milliseconds(), r.ttl.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "gateway: redis claim")
	}
	id, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "gateway: bad dedup value %q", res)
	}
	return types.FactID(id), false, nil
}

// Confirm implements DedupIndex.
func (r *RedisDedup) Confirm(ctx context.Context, key string, at time.Time, id types.FactID) error {
	err := confirmScript.Run(ctx, r.rdb, []string{r.prefix + key},
		at.UnixMilli(), uint64(id), r.ttl.Milliseconds()).Err()
	return errors.Wrap(err, "gateway: redis confirm")
}

// Release implements DedupIndex.
func (r *RedisDedup) Release(ctx context.Context, key string, at time.Time) error {
	err := releaseScript.Run(ctx, r.rdb, []string{r.prefix + key}, at.UnixMilli()).Err()
	return errors.Wrap(err, "gateway: redis release")
}
