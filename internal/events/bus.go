// Package events carries service lifecycle events from producers (pool,
// orchestrator) to consumers (metrics recorder) without coupling them.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/logging"
)

// Type names an event.
type Type string

const (
	// TypeAcquiredFromPool: an execution got a pre-warmed sandbox.
	TypeAcquiredFromPool Type = "container_acquired_from_pool"
	// TypeCreatedFresh: the pool was empty and a sandbox was built inline.
	TypeCreatedFresh Type = "container_created_fresh"
	// TypePoolExhausted: a warm queue ran dry.
	TypePoolExhausted Type = "pool_exhausted"
	// TypePoolWarmedUp: a warmup fill reached its target.
	TypePoolWarmedUp Type = "pool_warmed_up"
	// TypeExecutionCompleted: one execution finished (any outcome).
	TypeExecutionCompleted Type = "execution_completed"
)

// Event is a single occurrence. Fields beyond Type and Time are populated
// per event type.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	ExecutionID string        `json:"execution_id,omitempty"`
	Language    string        `json:"language,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	EntityID    string        `json:"entity_id,omitempty"`
	SandboxID   string        `json:"sandbox_id,omitempty"`
	APIKeyHash  string        `json:"api_key_hash,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	ExitCode    int           `json:"exit_code,omitempty"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	StateSize   int           `json:"state_size,omitempty"`
	WarmCount   int           `json:"warm_count,omitempty"`
}

// Bus is a single-goroutine fan-out. Publish never blocks: when the inbox
// is full the event is dropped and counted.
type Bus struct {
	inbox   chan Event
	sub     chan chan Event
	done    chan struct{}
	stopped chan struct{}
	dropped atomic.Uint64
	log     *zap.Logger

	closeOnce sync.Once
}

// NewBus starts the fan-out goroutine. buffer <= 0 picks a sane default.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		inbox:   make(chan Event, buffer),
		sub:     make(chan chan Event),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     logging.L().Named("events"),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)
	var subs []chan Event
	for {
		select {
		case ch := <-b.sub:
			subs = append(subs, ch)
		case ev := <-b.inbox:
			for _, ch := range subs {
				select {
				case ch <- ev:
				default:
					b.dropped.Add(1)
				}
			}
		case <-b.done:
			// Drain what is already queued, then release subscribers.
			for {
				select {
				case ev := <-b.inbox:
					for _, ch := range subs {
						select {
						case ch <- ev:
						default:
							b.dropped.Add(1)
						}
					}
				default:
					for _, ch := range subs {
						close(ch)
					}
					return
				}
			}
		}
	}
}

// Publish enqueues an event; it is stamped with the current time when
// Time is zero. Never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case b.inbox <- ev:
	case <-b.stopped:
		b.dropped.Add(1)
	default:
		if n := b.dropped.Add(1); n%100 == 1 {
			b.log.Warn("event bus saturated, dropping", zap.Uint64("dropped_total", n))
		}
	}
}

// Subscribe registers a consumer. The returned channel is closed when the
// bus shuts down. Slow consumers lose events rather than stalling the bus.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	select {
	case b.sub <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Dropped reports how many events were lost to full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops the fan-out after draining queued events. Idempotent.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		<-b.stopped
	})
}
