package limiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window counter over redis, used to throttle the
// abuse-prone auth endpoints (OTP sends, anonymous identity minting).
// The INCR and EXPIRE run in one Lua script so the window cannot leak
// when two requests race on a fresh key.
type Limiter struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

const fixedWindowScript = `
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call("INCR", key)
	if current == 1 then
		redis.call("EXPIRE", key, window)
	end

	if current > limit then
		return 0
	end
	return 1
`

// Allow reports whether one more hit on key fits inside the window.
// Fails open on redis errors; throttling is protection, not a feature
// the product depends on.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := l.rdb.Eval(ctx, fixedWindowScript, []string{"ratelimit:" + key}, limit, int(window.Seconds())).Int()
	if err != nil {
		return true, err
	}
	return result == 1, nil
}
