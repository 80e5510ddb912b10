package tracking_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
	"github.com/google/uuid"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func localJob(name string) core.JobMetadata {
	return core.JobMetadata{
		Name:               name,
		OwnerClass:         "maintenance.Jobs",
		OwnerMethod:        "Run",
		ScheduleExpression: "@every 1m",
		Kind:               core.JobKindLocal,
	}
}

// fakeRegistry is a RegistryStore enforcing name uniqueness like a unique index.
type fakeRegistry struct {
	mu      sync.Mutex
	byName  map[string]*core.RegistryEntry
	saves   atomic.Int32
	finds   atomic.Int32
	findErr error
	delay   time.Duration
	// beforeSave runs ahead of every Save, outside the store mutex.
	beforeSave func(name string)
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{byName: map[string]*core.RegistryEntry{}}
}

func (r *fakeRegistry) FindByName(ctx context.Context, name string) (*core.RegistryEntry, error) {
	r.finds.Add(1)
	if r.findErr != nil {
		return nil, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byName[name]; ok {
		return e.Clone(), nil
	}
	return nil, nil
}

func (r *fakeRegistry) Save(ctx context.Context, entry *core.RegistryEntry) (*core.RegistryEntry, error) {
	r.saves.Add(1)
	if r.beforeSave != nil {
		r.beforeSave(entry.Name)
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[entry.Name]; ok {
		return nil, errors.ErrDuplicateEntry
	}
	r.byName[entry.Name] = entry.Clone()
	return entry.Clone(), nil
}

func (r *fakeRegistry) UpdateLastExecution(ctx context.Context, id uuid.UUID, at time.Time, durationMs int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byName {
		if e.ID == id {
			e.RecordExecution(at, durationMs)
			return 1, nil
		}
	}
	return 0, nil
}

func (r *fakeRegistry) List(ctx context.Context) ([]*core.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*core.RegistryEntry, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (r *fakeRegistry) put(entry *core.RegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[entry.Name] = entry.Clone()
}

func (r *fakeRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// busyLocks never grants a lock and counts the attempts.
type busyLocks struct {
	attempts atomic.Int32
	err      error
}

func (l *busyLocks) TryAcquire(ctx context.Context, name string, minHold, maxHold time.Duration) (bool, error) {
	l.attempts.Add(1)
	return false, l.err
}

func (l *busyLocks) Release(ctx context.Context, name string) error { return nil }

// failingStrategy wraps a strategy and fails selected operations.
type failingStrategy struct {
	core.TrackingStrategy
	ensureErr error
	createErr error
	applyErr  error
	panicOn   string
}

func (s *failingStrategy) EnsureRegistryEntry(ctx context.Context, job core.JobMetadata) (*core.RegistryEntry, error) {
	if s.panicOn == "ensure" {
		panic("registry exploded")
	}
	if s.ensureErr != nil {
		return nil, s.ensureErr
	}
	return s.TrackingStrategy.EnsureRegistryEntry(ctx, job)
}

func (s *failingStrategy) CreateExecutionContext(ctx context.Context, entry *core.RegistryEntry, svc string) (*core.ExecutionContext, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.TrackingStrategy.CreateExecutionContext(ctx, entry, svc)
}

func (s *failingStrategy) ApplyResult(ctx context.Context, execCtx *core.ExecutionContext, result core.ExecutionResult) error {
	if s.panicOn == "apply" {
		panic("log store exploded")
	}
	if s.applyErr != nil {
		return s.applyErr
	}
	return s.TrackingStrategy.ApplyResult(ctx, execCtx, result)
}

type recordingBus struct {
	mu     sync.Mutex
	events []core.Event
}

func (b *recordingBus) Publish(ctx context.Context, event core.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(core.Event, core.EventHandler[core.Event]) error { return nil }
func (b *recordingBus) Run(context.Context) error                                 { return nil }

func (b *recordingBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.EventName())
	}
	return out
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }
