package tracking

import (
	"context"
	"sync/atomic"
)

type itemsKey struct{}

type itemCounter struct {
	n       atomic.Int64
	touched atomic.Bool
}

// ReportItems adds n to the number of items the running job processed. It
// is a no-op outside a tracked invocation.
func ReportItems(ctx context.Context, n int64) {
	c, ok := ctx.Value(itemsKey{}).(*itemCounter)
	if !ok {
		return
	}
	c.n.Add(n)
	c.touched.Store(true)
}

func withItemCounter(ctx context.Context) (context.Context, *itemCounter) {
	c := &itemCounter{}
	return context.WithValue(ctx, itemsKey{}, c), c
}

func (c *itemCounter) value() (int64, bool) {
	return c.n.Load(), c.touched.Load()
}
