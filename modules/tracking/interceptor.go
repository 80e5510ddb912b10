package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Interceptor wraps job bodies with execution tracking. Tracking is fail-open:
// whatever happens to the tracking machinery, the job body runs and its own
// error or panic reaches the caller unchanged.
type Interceptor struct {
	cfg             Config
	manager         *Manager
	serviceIdentity string
	tracer          trace.Tracer
	events          core.EventBus
	now             func() time.Time
	logger          *slog.Logger
}

func NewInterceptor(cfg Config, manager *Manager, opts ...Option) *Interceptor {
	o := buildOptions(opts)
	return &Interceptor{
		cfg:             cfg,
		manager:         manager,
		serviceIdentity: cfg.ResolveServiceIdentity(),
		tracer:          o.tracer,
		events:          o.events,
		now:             o.now,
		logger:          o.logger,
	}
}

// Middleware adapts the interceptor to the scheduler middleware chain.
func (i *Interceptor) Middleware() core.SchedulerMiddleware {
	return func(job core.JobMetadata, next core.JobFunc) core.JobFunc {
		return i.Wrap(job, next)
	}
}

// Wrap returns fn decorated with tracking. With tracking disabled or the
// job excluded, fn itself is returned.
func (i *Interceptor) Wrap(job core.JobMetadata, fn core.JobFunc) core.JobFunc {
	if !i.cfg.Enabled || !i.cfg.InterceptorEnabled || i.manager.IsExcluded(job.Name) {
		return fn
	}
	return func(ctx context.Context) (err error) {
		execCtx := i.begin(ctx, job)
		if execCtx == nil {
			return fn(ctx)
		}

		ctx, span := i.tracer.Start(ctx, "job "+job.Name,
			trace.WithAttributes(
				attribute.String("job.name", job.Name),
				attribute.String("job.kind", job.Kind.String()),
				attribute.String("job.registry_id", execCtx.RegistryID.String()),
				attribute.String("job.execution_id", execCtx.ID.String()),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()
		ctx, items := withItemCounter(ctx)

		defer func() {
			if r := recover(); r != nil {
				result := core.Failed(execCtx.StartTime, i.now(), fmt.Errorf("panic: %v", r))
				i.finish(ctx, span, execCtx, result, items)
				panic(r)
			}
		}()

		err = fn(ctx)

		var result core.ExecutionResult
		if err != nil {
			span.RecordError(err)
			result = core.Failed(execCtx.StartTime, i.now(), err)
		} else {
			result = core.Succeeded(execCtx.StartTime, i.now())
		}
		i.finish(ctx, span, execCtx, result, items)
		return err
	}
}

func (i *Interceptor) begin(ctx context.Context, job core.JobMetadata) (execCtx *core.ExecutionContext) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("job tracking panicked before execution, running untracked",
				slog.String("job", job.Name), slog.Any("panic", r))
			execCtx = nil
		}
	}()

	entry, err := i.manager.EnsureRegistryEntry(ctx, job)
	if err != nil {
		i.logger.Error("job tracking unavailable, running untracked",
			slog.String("job", job.Name), slog.Any("error", err))
		return nil
	}
	if !entry.Enabled {
		i.logger.Debug("job tracking disabled for job", slog.String("job", job.Name))
		return nil
	}
	execCtx, err = i.manager.CreateExecutionContext(ctx, entry, i.serviceIdentity)
	if err != nil {
		i.logger.Error("job tracking could not record start, running untracked",
			slog.String("job", job.Name), slog.Any("error", err))
		return nil
	}
	i.publish(ctx, startedEvent(execCtx))
	return execCtx
}

func (i *Interceptor) finish(ctx context.Context, span trace.Span, execCtx *core.ExecutionContext, result core.ExecutionResult, items *itemCounter) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("job tracking panicked while recording result",
				slog.String("job", execCtx.Name), slog.Any("panic", r))
		}
	}()

	if n, ok := items.value(); ok {
		result = result.WithItemsProcessed(n)
	}
	span.SetAttributes(
		attribute.String("job.status", result.Status.String()),
		attribute.Int64("job.duration_ms", result.DurationMs),
	)
	if result.Status != core.StatusSuccess {
		msg := result.Status.String()
		if result.ErrorMessage != nil {
			msg = *result.ErrorMessage
		}
		span.SetStatus(codes.Error, msg)
	}

	// The job may have cancelled ctx; the result is still worth recording.
	ctx = context.WithoutCancel(ctx)
	if err := i.manager.ApplyResult(ctx, execCtx, result); err != nil {
		i.logger.Error("job tracking could not record result",
			slog.String("job", execCtx.Name),
			slog.String("execution_id", execCtx.ID.String()),
			slog.String("status", result.Status.String()),
			slog.Any("error", err))
		return
	}
	i.publish(ctx, finishedEvent(execCtx, result))
}

func (i *Interceptor) publish(ctx context.Context, event core.Event) {
	if i.events == nil {
		return
	}
	if err := i.events.Publish(ctx, event); err != nil {
		i.logger.Warn("could not publish tracking event",
			slog.String("event", event.EventName()), slog.Any("error", err))
	}
}
