package feedback

import (
	"context"
	"log"
	"sync"
	"time"
)

// Outbox decouples the call hot path from disk. Appends that fail are
// held in memory and retried on a bounded backoff; the call proceeds
// regardless. Flush drains the queue on shutdown.
type Outbox struct {
	store *Store

	mu      sync.Mutex
	pending []Event

	retryBase time.Duration
	retryMax  time.Duration

	wake chan struct{}
	done chan struct{}
}

const outboxCap = 1024

func NewOutbox(store *Store) *Outbox {
	return &Outbox{
		store:     store,
		retryBase: 500 * time.Millisecond,
		retryMax:  30 * time.Second,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Submit enqueues an event for durable append. Never blocks on disk. If
// the outbox is full the oldest held event is dropped and counted.
func (o *Outbox) Submit(e Event) {
	o.mu.Lock()
	if len(o.pending) >= outboxCap {
		o.pending = o.pending[1:]
		metricOutboxDropped.Inc()
		log.Printf("[feedback] outbox full, dropped oldest held event")
	}
	o.pending = append(o.pending, e)
	metricOutboxDepth.Set(float64(len(o.pending)))
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled, backing off on
// persistence errors.
func (o *Outbox) Run(ctx context.Context) {
	defer close(o.done)
	backoff := o.retryBase
	for {
		if o.drainOnce() {
			backoff = o.retryBase
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
			}
			continue
		}
		// Persistence failed; hold and retry.
		metricPersistRetries.Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > o.retryMax {
			backoff = o.retryMax
		}
	}
}

// drainOnce appends all held events; returns false on the first write
// error, leaving the rest held.
func (o *Outbox) drainOnce() bool {
	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			metricOutboxDepth.Set(0)
			o.mu.Unlock()
			return true
		}
		e := o.pending[0]
		o.mu.Unlock()

		if err := o.store.Append(e); err != nil {
			if err == ErrMissingCallHash || err == ErrMissingVariant || err == ErrNotAnonymized || err == ErrBadRating {
				// Invalid forever; drop rather than retry.
				log.Printf("[feedback] rejecting invalid event: %v", err)
				o.popFront()
				continue
			}
			log.Printf("[feedback] append failed, will retry: %v", err)
			return false
		}
		o.popFront()
	}
}

func (o *Outbox) popFront() {
	o.mu.Lock()
	if len(o.pending) > 0 {
		o.pending = o.pending[1:]
	}
	metricOutboxDepth.Set(float64(len(o.pending)))
	o.mu.Unlock()
}

// Flush makes a final synchronous drain attempt, used at shutdown.
func (o *Outbox) Flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if o.drainOnce() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	o.mu.Lock()
	n := len(o.pending)
	o.mu.Unlock()
	if n > 0 {
		log.Printf("[feedback] shutdown with %d unflushed events", n)
	}
}

// Pending reports the number of held events.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
