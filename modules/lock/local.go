package lock

import (
	"context"
	"sync"
	"time"

	"github.com/Deepreo/jobtrack/core"
)

var _ core.LeaseProvider = (*LocalProvider)(nil)

// LocalProvider is an in-process LockProvider with the same hold semantics
// as the distributed ones. It suits single-node deployments and tests.
type LocalProvider struct {
	mu    sync.Mutex
	locks map[string]localLock
	seq   uint64
	now   func() time.Time
}

type localLock struct {
	token      uint64
	acquiredAt time.Time
	minHold    time.Duration
	expiresAt  time.Time
}

type localLease struct {
	provider *LocalProvider
	lockName string
	token    uint64
}

func (l *localLease) Release(ctx context.Context) error {
	l.provider.release(l.lockName, l.token)
	return nil
}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{
		locks: make(map[string]localLock),
		now:   time.Now,
	}
}

// WithClock replaces time.Now for tests.
func (p *LocalProvider) WithClock(now func() time.Time) *LocalProvider {
	p.now = now
	return p
}

func (p *LocalProvider) Acquire(ctx context.Context, lockName string, minHold, maxHold time.Duration) (core.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if l, ok := p.locks[lockName]; ok && now.Before(l.expiresAt) {
		return nil, nil
	}
	p.seq++
	p.locks[lockName] = localLock{token: p.seq, acquiredAt: now, minHold: minHold, expiresAt: now.Add(maxHold)}
	return &localLease{provider: p, lockName: lockName, token: p.seq}, nil
}

func (p *LocalProvider) TryAcquire(ctx context.Context, lockName string, minHold, maxHold time.Duration) (bool, error) {
	lease, err := p.Acquire(ctx, lockName, minHold, maxHold)
	return lease != nil, err
}

// Release frees the current holder of lockName, or shortens it to its
// minimum hold when released early.
func (p *LocalProvider) Release(ctx context.Context, lockName string) error {
	p.release(lockName, 0)
	return nil
}

// release with a zero token frees whoever holds lockName.
func (p *LocalProvider) release(lockName string, token uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[lockName]
	if !ok || (token != 0 && l.token != token) {
		return
	}
	if until := l.acquiredAt.Add(l.minHold); p.now().Before(until) {
		l.expiresAt = until
		p.locks[lockName] = l
		return
	}
	delete(p.locks, lockName)
}

// Held reports whether lockName is currently taken.
func (p *LocalProvider) Held(lockName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[lockName]
	return ok && p.now().Before(l.expiresAt)
}
