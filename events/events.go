// Package events is the pub-sub bus for the four events the core emits:
// tick, request, response and data (§6, §9). It follows the
// register/unregister/broadcast channel idiom of
// internal/api/websocket/hub.go in the teacher, generalized from a
// single client type to an arbitrary payload carried in an Event.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/yarosdev/modbusdb/regkey"
	"github.com/yarosdev/modbusdb/transaction"
)

// Kind identifies which of the four events a given Event carries.
type Kind uint8

const (
	Tick Kind = iota + 1
	Request
	Response
	Data
)

func (k Kind) String() string {
	switch k {
	case Tick:
		return "tick"
	case Request:
		return "request"
	case Response:
		return "response"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// TickPayload accompanies a Tick event.
type TickPayload struct {
	Round int
	Tick  int
}

// DataPayload accompanies a Data event: the merged result of one
// transaction's successful read, keyed by the original user key.
type DataPayload map[regkey.Key]float64

// Event is one emission on the bus. Exactly one of the payload-typed
// fields is meaningful, selected by Kind.
type Event struct {
	Kind        Kind
	Tick        TickPayload
	Transaction *transaction.Transaction
	Data        DataPayload
}

// Bus fans emitted events out to any number of subscribers. Emit is
// intended to be called only from the executor's and scheduler's single
// writer goroutines (§5); Subscribe/Unsubscribe are safe from any
// goroutine.
type Bus struct {
	subscribe   chan chan Event
	unsubscribe chan chan Event
	emit        chan Event

	mu   sync.RWMutex
	subs map[chan Event]bool

	logger *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a Bus and starts its dispatch loop. Stop must be called to
// release the goroutine.
func New(logger *zap.Logger) *Bus {
	b := &Bus{
		subscribe:   make(chan chan Event),
		unsubscribe: make(chan chan Event),
		emit:        make(chan Event, 256),
		subs:        make(map[chan Event]bool),
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case ch := <-b.subscribe:
			b.mu.Lock()
			b.subs[ch] = true
			b.mu.Unlock()

		case ch := <-b.unsubscribe:
			b.mu.Lock()
			if b.subs[ch] {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()

		case ev := <-b.emit:
			b.mu.RLock()
			for ch := range b.subs {
				select {
				case ch <- ev:
				default:
					b.logger.Warn("events: subscriber channel full, dropping event",
						zap.String("kind", ev.Kind.String()))
				}
			}
			b.mu.RUnlock()

		case <-b.stop:
			b.mu.Lock()
			for ch := range b.subs {
				close(ch)
			}
			b.subs = make(map[chan Event]bool)
			b.mu.Unlock()
			return
		}
	}
}

// Subscribe registers a new listener and returns the channel it will
// receive events on. The channel is closed when Unsubscribe is called or
// the bus is stopped.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 64)
	select {
	case b.subscribe <- ch:
	case <-b.done:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a listener previously returned by Subscribe.
func (b *Bus) Unsubscribe(ch chan Event) {
	select {
	case b.unsubscribe <- ch:
	case <-b.done:
	}
}

// Emit queues an event for delivery to all current subscribers. Emit
// never blocks: a full internal queue drops the event and logs a
// warning, mirroring Hub.Broadcast in the teacher.
func (b *Bus) Emit(ev Event) {
	select {
	case b.emit <- ev:
	default:
		b.logger.Warn("events: bus queue full, event dropped", zap.String("kind", ev.Kind.String()))
	}
}

// Stop terminates the dispatch loop and closes all subscriber channels.
func (b *Bus) Stop() {
	select {
	case <-b.done:
		return
	default:
	}
	close(b.stop)
	<-b.done
}
