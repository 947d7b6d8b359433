// Package bus carries stage-complete events from worker agents to the
// scheduler. Workers publish; the scheduler consumes. This keeps the two
// sides free of direct mutual references and lets tests stand in simple
// publishers for real workers.
package bus

import (
	"context"
	"errors"

	"github.com/sentinelstack/sentinel-soar/internal/models"
)

// Handler consumes one stage event.
type Handler func(ctx context.Context, event models.StageEvent)

// Bus is the stage-event transport.
type Bus interface {
	// Publish emits a stage event to the scheduler.
	Publish(ctx context.Context, event models.StageEvent) error
	// Subscribe registers the consumer. A bus carries a single consumer:
	// the scheduler.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// ErrClosed signals publish or subscribe on a closed bus.
var ErrClosed = errors.New("bus closed")
