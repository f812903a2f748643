package ingest

import (
	"context"

	"chatmirror/pkg/logger"
	"chatmirror/pkg/remote"
)

// Handler processes one event payload. The payload slice is only valid for
// the duration of the call; handlers must copy what they keep.
type Handler func(ctx context.Context, payload []byte) error

// Dispatcher maps event kinds to handlers and drains the queue on a single
// goroutine, preserving the gateway's event ordering.
type Dispatcher struct {
	queue    *Queue
	handlers map[remote.EventKind]Handler
}

// NewDispatcher builds an empty dispatch table over the queue.
func NewDispatcher(q *Queue) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		handlers: make(map[remote.EventKind]Handler),
	}
}

// Handle registers the handler for an event kind. Registration must finish
// before Run starts; the table is not synchronized.
func (d *Dispatcher) Handle(kind remote.EventKind, h Handler) {
	d.handlers[kind] = h
}

// Run consumes the queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-d.queue.ch:
			d.dispatch(ctx, it)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, it item) {
	defer d.queue.release(it.buf)
	h, ok := d.handlers[it.kind]
	if !ok {
		logger.Debug("event_unhandled", "kind", string(it.kind))
		return
	}
	if err := h(ctx, it.buf.B); err != nil {
		metricHandlerErrors.WithLabelValues(string(it.kind)).Inc()
		logger.Warn("event_handler_failed", "kind", string(it.kind), "error", err)
	}
}
