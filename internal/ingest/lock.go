package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker is the per-group advisory lock that serializes Memorize calls for a
// group when in-flight requests race (e.g. during rebalance overlap).
type Locker struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	waitMax   time.Duration
}

func NewLocker(rdb redis.UniversalClient) *Locker {
	return &Locker{
		rdb:       rdb,
		keyPrefix: "memora:lock",
		ttl:       30 * time.Second,
		waitMax:   10 * time.Second,
	}
}

// Acquire blocks until the group lock is held, the wait budget runs out, or
// ctx is cancelled. The returned function releases the lock.
func (l *Locker) Acquire(ctx context.Context, groupID string) (func(), error) {
	key := fmt.Sprintf("%s:%s", l.keyPrefix, groupID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.waitMax)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("group lock acquire: %w", err)
		}
		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.rdb, []string{key}, token).Err()
			}
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("group lock for %s: wait budget exhausted", groupID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
