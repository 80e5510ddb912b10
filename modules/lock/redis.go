package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ core.LeaseProvider = (*RedisProvider)(nil)

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:   "localhost",
		Port:   "6379",
		Prefix: "jobtrack:lock:",
	}
}

// NewRedisClient builds a client for cfg. go-redis dials lazily and
// reconnects on its own, so an unreachable server is reported by the first
// command rather than here.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Only the owner may touch the key: ARGV[1] is the owner token.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	shortenScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisProvider implements LockProvider with SET NX PX. Every acquisition
// stores a fresh random token, and release only touches the key while it
// still carries that token.
type RedisProvider struct {
	client redis.Cmdable
	prefix string

	mu   sync.Mutex
	held map[string]*redisLease
	now  func() time.Time
}

type redisLease struct {
	provider   *RedisProvider
	lockName   string
	token      string
	acquiredAt time.Time
	minHold    time.Duration
}

func NewRedisProvider(client redis.Cmdable, prefix string) *RedisProvider {
	return &RedisProvider{
		client: client,
		prefix: prefix,
		held:   make(map[string]*redisLease),
		now:    time.Now,
	}
}

func (p *RedisProvider) key(lockName string) string {
	return p.prefix + lockName
}

func (p *RedisProvider) Acquire(ctx context.Context, lockName string, minHold, maxHold time.Duration) (core.Lease, error) {
	lease := &redisLease{provider: p, lockName: lockName, token: uuid.NewString(), minHold: minHold}
	ok, err := p.client.SetNX(ctx, p.key(lockName), lease.token, maxHold).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", lockName, err)
	}
	if !ok {
		return nil, nil
	}
	lease.acquiredAt = p.now()
	p.mu.Lock()
	p.held[lockName] = lease
	p.mu.Unlock()
	return lease, nil
}

func (p *RedisProvider) TryAcquire(ctx context.Context, lockName string, minHold, maxHold time.Duration) (bool, error) {
	lease, err := p.Acquire(ctx, lockName, minHold, maxHold)
	return lease != nil, err
}

// Release releases the latest acquisition of lockName made through p.
func (p *RedisProvider) Release(ctx context.Context, lockName string) error {
	p.mu.Lock()
	lease, ok := p.held[lockName]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return lease.Release(ctx)
}

// Release deletes the key, or when released before minHold elapsed, lets
// it expire at acquiredAt+minHold instead.
func (l *redisLease) Release(ctx context.Context) error {
	p := l.provider
	p.mu.Lock()
	if p.held[l.lockName] == l {
		delete(p.held, l.lockName)
	}
	p.mu.Unlock()

	key := p.key(l.lockName)
	if remaining := l.minHold - p.now().Sub(l.acquiredAt); remaining > 0 {
		if err := shortenScript.Run(ctx, p.client, []string{key}, l.token, remaining.Milliseconds()).Err(); err != nil {
			return fmt.Errorf("redis lock %s: shorten: %w", l.lockName, err)
		}
		return nil
	}
	if err := releaseScript.Run(ctx, p.client, []string{key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis lock %s: release: %w", l.lockName, err)
	}
	return nil
}
