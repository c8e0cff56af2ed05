// Package router applies inbound channel events to the job registry.
package router

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"portal-bridge/internal/errors"
	"portal-bridge/internal/logger"
	"portal-bridge/internal/models"
)

// Applier is the registry surface the router needs.
type Applier interface {
	ApplyEvent(jobID string, ev models.Event) error
}

// Stats counts routing outcomes.
type Stats struct {
	Applied  int64 `json:"applied"`
	Unknown  int64 `json:"unknown"`
	Rejected int64 `json:"rejected"`
}

// Router consumes a single event stream and applies each event in arrival
// order. Events for unknown jobs and illegal transitions are logged and
// dropped.
type Router struct {
	events   <-chan models.Event
	registry Applier
	log      *zap.SugaredLogger

	applied  atomic.Int64
	unknown  atomic.Int64
	rejected atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a router reading from events.
func New(events <-chan models.Event, registry Applier, log *zap.SugaredLogger) *Router {
	if log == nil {
		log = logger.Named("router")
	}
	return &Router{events: events, registry: registry, log: log}
}

// Start runs the router in the background until Stop is called or the event
// stream closes.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run(ctx)
	}()
}

// Stop halts the router after applying events already buffered, and waits
// for it to exit.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Run blocks, applying events until ctx is done or the stream closes.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				r.log.Debug("Event stream closed")
				return
			}
			r.Apply(ev)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Router) drain() {
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.Apply(ev)
		default:
			return
		}
	}
}

// Apply routes one event.
func (r *Router) Apply(ev models.Event) {
	err := r.registry.ApplyEvent(ev.JobID, ev)
	switch {
	case err == nil:
		r.applied.Add(1)
		r.log.Debugw("Applied event",
			logger.FieldJobID, ev.JobID,
			logger.FieldKind, ev.Kind)
	case errors.IsNotFoundError(err):
		r.unknown.Add(1)
		r.log.Infow("Dropping event for unknown job",
			logger.FieldJobID, ev.JobID,
			logger.FieldKind, ev.Kind)
	case errors.Is(err, errors.ErrInvalidTransition):
		r.rejected.Add(1)
		r.log.Warnw("Dropping illegal event",
			logger.FieldJobID, ev.JobID,
			logger.FieldKind, ev.Kind,
			logger.FieldError, err)
	default:
		r.rejected.Add(1)
		r.log.Errorw("Failed to apply event",
			logger.FieldJobID, ev.JobID,
			logger.FieldError, err)
	}
}

// Stats returns routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Applied:  r.applied.Load(),
		Unknown:  r.unknown.Load(),
		Rejected: r.rejected.Load(),
	}
}
