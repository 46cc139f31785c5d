package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PulseCampaign/internal/apperr"
)

// releaseScript deletes the key only if it still carries our token, so an
// expired lease taken over by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a lease-based latch shared by every instance using the same Redis.
// The holder extends the lease every TTL/3 until it releases; a crashed
// holder loses it after TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (r *Redis) key(k string) string {
	return fmt.Sprintf("%slatch:%s", r.prefix, k)
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, r.key(key), token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire latch %s: %w", key, err)
	}
	if !ok {
		return nil, apperr.NewConflict(key)
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go r.renew(key, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed

			// the caller's ctx may already be cancelled on shutdown
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := releaseScript.Run(releaseCtx, r.client, []string{r.key(key)}, token).Err(); err != nil {
				r.log.Warn("failed to release latch",
					zap.String("key", key),
					zap.Error(err),
				)
			}
		})
	}, nil
}

func (r *Redis) renew(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n, err := renewScript.Run(ctx, r.client, []string{r.key(key)}, token, r.ttl.Milliseconds()).Int()
		cancel()

		if err != nil {
			r.log.Warn("failed to renew latch", zap.String("key", key), zap.Error(err))
			continue
		}
		if n == 0 {
			r.log.Error("latch lease lost", zap.String("key", key))
			return
		}
	}
}

func (r *Redis) Held(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check latch %s: %w", key, err)
	}
	return n > 0, nil
}
