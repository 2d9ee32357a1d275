package auction

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// gateCapacity bounds concurrent engine operations. Exclusive holders take
// the whole capacity.
const gateCapacity = 1 << 16

// Gate tracks in-flight rules-engine operations. Engine operations hold it
// shared; maintenance such as recycling must acquire it exclusively and
// gives up instead of waiting. The zero value is ready to use.
type Gate struct {
	once sync.Once
	sem  *semaphore.Weighted
}

func (g *Gate) weighted() *semaphore.Weighted {
	g.once.Do(func() { g.sem = semaphore.NewWeighted(gateCapacity) })
	return g.sem
}

// Enter marks an operation as in flight until the returned func is called.
// It waits while maintenance holds the gate and fails when ctx ends first.
func (g *Gate) Enter(ctx context.Context) (release func(), err error) {
	sem := g.weighted()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for maintenance to finish: %w", err)
	}
	return func() { sem.Release(1) }, nil
}

// TryExclusive acquires the gate exclusively if no operation is in flight.
func (g *Gate) TryExclusive() (release func(), ok bool) {
	sem := g.weighted()
	if !sem.TryAcquire(gateCapacity) {
		return nil, false
	}
	return func() { sem.Release(gateCapacity) }, true
}
