// Package ingest moves gateway events from the session to their handlers:
// a bounded pooled queue feeding a single-consumer dispatch loop, plus the
// router that mirrors inbound messages into the tree.
package ingest

import (
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"chatmirror/pkg/remote"
)

const (
	defaultCapacity        = 4096
	defaultMaxPooledBuffer = 1 << 20
)

type item struct {
	kind remote.EventKind
	buf  *bytebufferpool.ByteBuffer
}

// Queue is a bounded in-memory event queue. Offer never blocks; events
// arriving while the queue is full are dropped and counted. Payloads are
// copied into pooled buffers that are returned after dispatch.
type Queue struct {
	ch        chan item
	maxPooled int64
	dropped   atomic.Uint64
	closed    atomic.Bool
}

// NewQueue builds a queue with the given capacity. maxPooled bounds the
// size of buffers returned to the pool; oversized ones are left for GC.
func NewQueue(capacity int, maxPooled int64) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if maxPooled <= 0 {
		maxPooled = defaultMaxPooledBuffer
	}
	return &Queue{
		ch:        make(chan item, capacity),
		maxPooled: maxPooled,
	}
}

var _ remote.EventSink = (*Queue)(nil)

// Offer enqueues an event without blocking. It reports false when the
// queue is full or closed.
func (q *Queue) Offer(ev remote.Event) bool {
	if q.closed.Load() {
		return false
	}
	buf := bytebufferpool.Get()
	buf.Write(ev.Payload)
	select {
	case q.ch <- item{kind: ev.Kind, buf: buf}:
		metricEnqueued.WithLabelValues(string(ev.Kind)).Inc()
		return true
	default:
		q.release(buf)
		q.dropped.Add(1)
		metricDropped.Inc()
		return false
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped returns the count of events discarded because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Close stops accepting new events. Queued events remain consumable.
func (q *Queue) Close() { q.closed.Store(true) }

func (q *Queue) release(buf *bytebufferpool.ByteBuffer) {
	if int64(cap(buf.B)) <= q.maxPooled {
		bytebufferpool.Put(buf)
	}
}
