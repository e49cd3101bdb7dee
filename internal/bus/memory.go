package bus

import (
	"context"
	"sync"
)

// Memory is an in-process bus for tests and single-instance deployments.
// Delivery is synchronous, which makes invalidation deterministic in tests.
type Memory struct {
	mu          sync.Mutex
	subscribers map[int]func(Event)
	nextID      int
}

func NewMemory() *Memory {
	return &Memory{subscribers: make(map[int]func(Event))}
}

func (b *Memory) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, fn func(Event)) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
	return ctx.Err()
}

func (b *Memory) Ping(context.Context) error { return nil }
