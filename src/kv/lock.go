package kv

import (
	"context"
	"time"

	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/oops"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the lock only if we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

/*
Best-effort mutual exclusion across processes: SET NX with an expiry and a
random token. A holder that outlives the TTL loses the lock silently, so the
TTL must cover the work.
*/
type Locker struct {
	Client *redis.Client
	Keys   Keys
}

// Returns ok == false if someone else holds the lock. release is a no-op in
// that case.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error) {
	key := l.Keys.Key("lock", name)
	token := uuid.NewString()

	ok, err = l.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return func() {}, false, oops.New(err, "failed to take lock %s", name)
	}
	if !ok {
		return func() {}, false, nil
	}

	return func() {
		// The caller's context may be done by now.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.Client, []string{key}, token).Err(); err != nil {
			logging.ExtractLogger(ctx).Warn().Err(err).Str("lock", name).Msg("failed to release lock")
		}
	}, true, nil
}
