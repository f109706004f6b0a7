// Package telemetry wires tracing and the lifecycle event buffer.
package telemetry

import (
	"context"
	"sync"
)

// Buffer records lifecycle events somewhere durable.
type Buffer interface {
	Enqueue(ctx context.Context, ev Event)
	Forget(ctx context.Context, tenant string) error
}

var (
	mu           sync.RWMutex
	globalBuffer Buffer = noopBuffer{}
)

// Emit sends an event to the configured buffer.
func Emit(ctx context.Context, ev Event) {
	mu.RLock()
	b := globalBuffer
	mu.RUnlock()
	b.Enqueue(ctx, ev)
}

// Forget drops the stored events of a deleted tenant.
func Forget(ctx context.Context, tenant string) error {
	mu.RLock()
	b := globalBuffer
	mu.RUnlock()
	return b.Forget(ctx, tenant)
}

// SetGlobal overrides the process-wide buffer. A nil buffer restores the no-op one.
func SetGlobal(buf Buffer) {
	mu.Lock()
	defer mu.Unlock()
	if buf == nil {
		globalBuffer = noopBuffer{}
		return
	}
	globalBuffer = buf
}

type noopBuffer struct{}

func (noopBuffer) Enqueue(context.Context, Event)       {}
func (noopBuffer) Forget(context.Context, string) error { return nil }
