package telemetry

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultQueueSize bounds the emitter's in-memory queue.
const DefaultQueueSize = 10000

// Publisher delivers a serialized event to a bus topic.
type Publisher interface {
	Publish(topic string, body []byte) error
	Close() error
}

// Nop discards events. Used when no bus is configured and in tests.
type Nop struct{}

func (Nop) Publish(string, []byte) error { return nil }
func (Nop) Close() error                 { return nil }

type message struct {
	topic string
	body  []byte
}

// Emitter decouples the request path from the bus: Emit never blocks, a
// single goroutine drains the queue, and the oldest event is dropped when the
// queue is full.
type Emitter struct {
	log   *zap.Logger
	pub   Publisher
	queue chan message

	dropped atomic.Int64
	once    sync.Once
	done    chan struct{}
}

func NewEmitter(pub Publisher, log *zap.Logger, queueSize int) *Emitter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	e := &Emitter{
		log:   log,
		pub:   pub,
		queue: make(chan message, queueSize),
		done:  make(chan struct{}),
	}
	go e.drain()
	return e
}

// Emit serializes and enqueues an event. Best effort: marshal failures and
// overflow drops are counted and logged, never surfaced to the caller.
func (e *Emitter) Emit(topic string, ev Event) {
	if e == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		e.log.Warn("telemetry marshal failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	m := message{topic: topic, body: body}
	select {
	case e.queue <- m:
		return
	default:
	}
	// Queue full: evict the oldest event and retry once.
	select {
	case <-e.queue:
	default:
	}
	select {
	case e.queue <- m:
	default:
	}
	if n := e.dropped.Add(1); n == 1 || n%1000 == 0 {
		e.log.Warn("telemetry queue full, dropping oldest", zap.Int64("dropped_total", n))
	}
}

// Dropped returns how many events were evicted due to overflow.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Close stops the drain goroutine after flushing queued events and closes
// the publisher.
func (e *Emitter) Close() error {
	e.once.Do(func() {
		close(e.queue)
		<-e.done
	})
	return e.pub.Close()
}

func (e *Emitter) drain() {
	defer close(e.done)
	for m := range e.queue {
		if err := e.pub.Publish(m.topic, m.body); err != nil {
			e.log.Warn("telemetry publish failed",
				zap.String("topic", m.topic),
				zap.Error(err))
		}
	}
}
