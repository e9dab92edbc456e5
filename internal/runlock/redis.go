package runlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"classreports/internal/components/assert"
	"classreports/internal/components/telemetry"

	"github.com/mazen160/go-random"
	"github.com/redis/go-redis/v9"
)

const (
	report_redis_extend  = "redis_lock.extend"
	report_redis_release = "redis_lock.release"
)

const DefaultRedisTTL = 2 * time.Minute

// the lock is only released by its owner, and only extended while owned.
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Redis is a lock shared by every process using the same redis key. The key
// expires after ttl unless it is extended, which the holder does every ttl/3,
// so a crashed holder frees the lock on its own.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	tel    telemetry.API
}

func NewRedis(client *redis.Client, key string, ttl time.Duration, tel telemetry.API) *Redis {
	assert.NotNil(client)
	assert.NotEmptyStr(key)
	assert.NotNil(tel)
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &Redis{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		ttl:    ttl,
		tel:    telemetry.NewScopedAPI("runlock", tel),
	}
}

func (l *Redis) TryLock(ctx context.Context) (func(), error) {
	token, err := random.String(32)
	if err != nil {
		return nil, fmt.Errorf("generate lock token: %w", err)
	}

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrRunAlreadyInProgress
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err()
			if err != nil {
				l.tel.ReportBroken(report_redis_release, err, l.key)
			}
		})
	}, nil
}

func (l *Redis) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.tel.ReportWarning(report_redis_extend, err, l.key)
				continue
			}
			if n == 0 {
				l.tel.ReportBroken(report_redis_extend, fmt.Errorf("lock %s was lost", l.key))
				return
			}
		}
	}
}
