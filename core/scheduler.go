package core

import (
	"context"
	"time"
)

// JobFunc is the function signature for scheduled jobs.
type JobFunc func(ctx context.Context) error

// SchedulerMiddleware wraps a JobFunc to add cross-cutting concerns.
// It receives the metadata of the job being wrapped so that tracking,
// locking or tracing can key on the job identity.
type SchedulerMiddleware func(job JobMetadata, next JobFunc) JobFunc

// Scheduler defines the interface for scheduling jobs.
type Scheduler interface {
	Start()
	Shutdown() error
	Register(job JobMetadata, fn JobFunc) error
	RegisterJob(name string, fn JobFunc, interval time.Duration) error
	RegisterCron(name string, cronExpr string, fn JobFunc) error
	RemoveJob(name string) error
	Clear() error
	Use(middleware ...SchedulerMiddleware)
}

// Chain applies middlewares so that the first one is the outermost wrapper.
func Chain(job JobMetadata, fn JobFunc, middlewares ...SchedulerMiddleware) JobFunc {
	chain := fn
	for i := len(middlewares) - 1; i >= 0; i-- {
		chain = middlewares[i](job, chain)
	}
	return chain
}
