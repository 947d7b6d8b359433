package bus

import (
	"context"
	"sync"

	"github.com/sentinelstack/sentinel-soar/internal/models"
)

// InProcBus is a channel-backed Bus for embedded deployments and tests.
type InProcBus struct {
	mu     sync.Mutex
	events chan models.StageEvent
	done   chan struct{}
	closed bool
}

// NewInProcBus creates a bus buffering up to size events.
func NewInProcBus(size int) *InProcBus {
	if size <= 0 {
		size = 256
	}
	return &InProcBus{
		events: make(chan models.StageEvent, size),
		done:   make(chan struct{}),
	}
}

// Publish enqueues the event, blocking when the buffer is full.
func (b *InProcBus) Publish(ctx context.Context, event models.StageEvent) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.events <- event:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts a consumer goroutine delivering events to the handler
// until the context is cancelled or the bus is closed.
func (b *InProcBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case event := <-b.events:
				handler(ctx, event)
			case <-b.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops delivery; pending events are dropped.
func (b *InProcBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
