// Package events carries borrow events from the engine to their consumers.
// Publishing is best effort: the engine has already committed by the time an
// event is handed over.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/punchamoorthee/libraryops/internal/domain"
)

// Handler consumes one event. It owns its own error handling.
type Handler func(ctx context.Context, e domain.Event)

var ErrQueueFull = errors.New("event queue full")

// Inline hands events to in-process handlers through a bounded queue, so a
// slow handler never stalls the request that produced the event.
type Inline struct {
	queue    chan domain.Event
	handlers []Handler
	logger   *slog.Logger

	once sync.Once
	done chan struct{}
}

func NewInline(buffer int, logger *slog.Logger, handlers ...Handler) *Inline {
	if buffer <= 0 {
		buffer = 256
	}
	return &Inline{
		queue:    make(chan domain.Event, buffer),
		handlers: handlers,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Publish enqueues e without blocking.
func (p *Inline) Publish(ctx context.Context, e domain.Event) error {
	select {
	case p.queue <- e:
		return nil
	default:
		p.logger.WarnContext(ctx, "dropping borrow event, queue full", "event_type", e.Type, "request_id", e.RequestID)
		return ErrQueueFull
	}
}

// Run dispatches queued events until Close is called, then drains what is
// left. ctx is passed to handlers.
func (p *Inline) Run(ctx context.Context) {
	for {
		select {
		case e := <-p.queue:
			p.dispatch(ctx, e)
		case <-p.done:
			for {
				select {
				case e := <-p.queue:
					p.dispatch(ctx, e)
				default:
					return
				}
			}
		}
	}
}

func (p *Inline) dispatch(ctx context.Context, e domain.Event) {
	for _, h := range p.handlers {
		h(ctx, e)
	}
}

func (p *Inline) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
