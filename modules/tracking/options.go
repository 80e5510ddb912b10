package tracking

import (
	"context"
	"log/slog"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Deepreo/jobtrack/modules/tracking"

// Option configures the tracking components.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	hostIdentity string
	tracer       trace.Tracer
	events       core.EventBus
	sweepLocks   core.LockProvider
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSleep replaces the wait between lock retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

func WithHostIdentity(host string) Option {
	return func(o *options) { o.hostIdentity = host }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithEventBus publishes execution lifecycle events on bus.
func WithEventBus(bus core.EventBus) Option {
	return func(o *options) { o.events = bus }
}

// WithSweepLocks makes the stuck detector run a sweep only on the instance
// holding the sweep lock.
func WithSweepLocks(p core.LockProvider) Option {
	return func(o *options) { o.sweepLocks = p }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.hostIdentity == "" {
		o.hostIdentity = HostIdentity()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
