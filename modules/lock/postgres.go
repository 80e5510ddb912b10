package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ core.LeaseProvider = (*AdvisoryProvider)(nil)

// AdvisoryProvider implements LockProvider with session-level Postgres
// advisory locks keyed on hashtext(lockName). A held lock pins one pool
// connection until it is unlocked. Advisory locks never expire on their
// own, so maxHold is enforced with a timer.
type AdvisoryProvider struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[string]*advisoryLock
}

type advisoryLock struct {
	provider   *AdvisoryProvider
	name       string
	conn       *pgxpool.Conn
	acquiredAt time.Time
	minHold    time.Duration
	expiry     *time.Timer
	once       sync.Once
}

func NewAdvisoryProvider(pool *pgxpool.Pool) *AdvisoryProvider {
	return &AdvisoryProvider{
		pool: pool,
		held: make(map[string]*advisoryLock),
	}
}

func (p *AdvisoryProvider) TryAcquire(ctx context.Context, lockName string, minHold, maxHold time.Duration) (bool, error) {
	lease, err := p.Acquire(ctx, lockName, minHold, maxHold)
	return lease != nil, err
}

func (p *AdvisoryProvider) Acquire(ctx context.Context, lockName string, minHold, maxHold time.Duration) (core.Lease, error) {
	p.mu.Lock()
	if _, busy := p.held[lockName]; busy {
		p.mu.Unlock()
		return nil, nil
	}
	p.mu.Unlock()

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock %s: acquire connection: %w", lockName, err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", lockName).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %s: %w", lockName, err)
	}
	if !ok {
		conn.Release()
		return nil, nil
	}

	l := &advisoryLock{provider: p, name: lockName, conn: conn, acquiredAt: time.Now(), minHold: minHold}
	p.mu.Lock()
	if _, busy := p.held[lockName]; busy {
		// Another goroutine of this process won in between; Postgres locks are re-entrant per session.
		p.mu.Unlock()
		p.unlock(lockName, l)
		return nil, nil
	}
	l.expiry = time.AfterFunc(maxHold, func() {
		p.mu.Lock()
		if p.held[lockName] == l {
			delete(p.held, lockName)
		}
		p.mu.Unlock()
		p.unlock(lockName, l)
	})
	p.held[lockName] = l
	p.mu.Unlock()
	return l, nil
}

// Release releases whichever acquisition of lockName p currently holds.
func (p *AdvisoryProvider) Release(ctx context.Context, lockName string) error {
	p.mu.Lock()
	l, ok := p.held[lockName]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return l.Release(ctx)
}

// Release is a no-op once the lock expired or was released, so a late
// caller cannot free a later acquisition of the same name.
func (l *advisoryLock) Release(ctx context.Context) error {
	p := l.provider
	p.mu.Lock()
	current := p.held[l.name] == l
	p.mu.Unlock()
	if !current {
		return nil
	}

	if remaining := l.minHold - time.Since(l.acquiredAt); remaining > 0 {
		l.expiry.Reset(remaining)
		return nil
	}
	l.expiry.Stop()
	p.mu.Lock()
	if p.held[l.name] == l {
		delete(p.held, l.name)
	}
	p.mu.Unlock()
	return p.unlock(l.name, l)
}

func (p *AdvisoryProvider) unlock(lockName string, l *advisoryLock) error {
	var err error
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, execErr := l.conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", lockName); execErr != nil {
			// The session may still hold the lock; drop the connection so Postgres frees it.
			_ = l.conn.Conn().Close(ctx)
			err = fmt.Errorf("advisory lock %s: unlock: %w", lockName, execErr)
		}
		l.conn.Release()
	})
	return err
}
