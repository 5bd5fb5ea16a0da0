package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TickerLocker serializes mutating work per ticker. Lock blocks until the
// ticker's critical section is available and returns the release func.
type TickerLocker interface {
	Lock(ctx context.Context, ticker string) (func(), error)
}

// MutexLocker serializes tickers within one process.
type MutexLocker struct {
	mus sync.Map // ticker -> *sync.Mutex
}

// NewMutexLocker builds an in-process per-ticker locker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{}
}

// Lock acquires the ticker's mutex, creating it on first use. Mutexes are
// never evicted; the ticker universe is small and bounded.
func (l *MutexLocker) Lock(_ context.Context, ticker string) (func(), error) {
	v, _ := l.mus.LoadOrStore(ticker, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}

// RedisLocker layers a redis SetNX lease over the in-process mutex so that
// multiple engine instances sharing one database also serialize per ticker.
// The TTL caps how long a crashed holder can block others.
type RedisLocker struct {
	local *MutexLocker
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
}

// NewRedisLocker builds a distributed per-ticker locker.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		local: NewMutexLocker(),
		rdb:   rdb,
		ttl:   ttl,
		retry: 50 * time.Millisecond,
	}
}

// Lock takes the local mutex first, then polls SetNX until the shared lease
// is held or the context ends.
func (l *RedisLocker) Lock(ctx context.Context, ticker string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, ticker)
	if err != nil {
		return nil, err
	}
	key := "reconcile:lock:" + ticker
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
	release := func() {
		// Release only our own lease; an expired lease may belong to someone
		// else by now.
		if val, err := l.rdb.Get(context.Background(), key).Result(); err == nil && val == token {
			l.rdb.Del(context.Background(), key)
		}
		unlockLocal()
	}
	return release, nil
}
