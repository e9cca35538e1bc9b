package loader

import (
	"context"
	"sync"
)

// MutexGuard is a Guard for a single process.
type MutexGuard struct {
	mu sync.Mutex
}

func (g *MutexGuard) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
