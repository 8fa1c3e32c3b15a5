package tactile

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"apkforge/internal/logging"
)

// BoundedExecutor caps the number of external processes running at once
// across every caller that shares it. Callers over the cap wait in Execute
// until a slot frees up or their context ends.
type BoundedExecutor struct {
	inner    Executor
	sem      *semaphore.Weighted
	maxSize  int64
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// NewBoundedExecutor wraps inner so at most max commands run concurrently.
// A max below one is treated as one.
func NewBoundedExecutor(inner Executor, max int64) *BoundedExecutor {
	if max < 1 {
		max = 1
	}
	logging.TactileDebug("Creating BoundedExecutor: max=%d", max)
	return &BoundedExecutor{
		inner:   inner,
		sem:     semaphore.NewWeighted(max),
		maxSize: max,
	}
}

// Execute acquires a slot, then delegates to the wrapped executor.
func (b *BoundedExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	b.waiting.Add(1)
	err := b.sem.Acquire(ctx, 1)
	b.waiting.Add(-1)
	if err != nil {
		return nil, fmt.Errorf("waiting for execution slot: %w", err)
	}
	defer b.sem.Release(1)

	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	logging.TactileDebug("Execution slot acquired for %s (%d/%d in flight)", cmd.Binary, n, b.maxSize)

	return b.inner.Execute(ctx, cmd)
}

// Validate delegates to the wrapped executor.
func (b *BoundedExecutor) Validate(cmd Command) error {
	return b.inner.Validate(cmd)
}

// SetAuditCallback forwards the callback when the wrapped executor is audited.
func (b *BoundedExecutor) SetAuditCallback(callback func(AuditEvent)) {
	if audited, ok := b.inner.(AuditedExecutorInterface); ok {
		audited.SetAuditCallback(callback)
	}
}

// InFlight returns the number of commands currently holding a slot.
func (b *BoundedExecutor) InFlight() int64 {
	return b.inFlight.Load()
}

// Stats returns slot statistics.
func (b *BoundedExecutor) Stats() map[string]int64 {
	return map[string]int64{
		"max":       b.maxSize,
		"in_flight": b.inFlight.Load(),
		"waiting":   b.waiting.Load(),
	}
}
