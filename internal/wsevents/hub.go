package wsevents

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yarosdev/modbusdb/events"
	"github.com/yarosdev/modbusdb/transaction"
)

// Hub maintains active WebSocket clients and re-broadcasts every event it
// receives from a *events.Bus subscription, following the
// register/unregister/broadcast channel triple of
// internal/api/websocket/hub.go in the teacher, with the auth handshake
// dropped (no authentication — Non-goal). Run converts each bus Event to a
// Message with toMessage and hands it to Broadcast.
type Hub struct {
	bus *events.Bus
	sub chan events.Event

	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewHub constructs a Hub that relays bus's events to WebSocket clients.
// Run must be called to start it.
func NewHub(bus *events.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		bus:        bus,
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run subscribes to the bus and starts the hub's dispatch loop. It blocks
// until Stop is called, so callers run it in its own goroutine.
func (h *Hub) Run() {
	h.sub = h.bus.Subscribe()
	defer h.bus.Unsubscribe(h.sub)
	defer close(h.done)

	h.logger.Info("wsevents hub started")
	for {
		select {
		case ev, ok := <-h.sub:
			if !ok {
				return
			}
			h.Broadcast(toMessage(ev))

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("wsevents client registered", zap.Int("total_clients", len(h.clients)))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("wsevents client unregistered", zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("wsevents: failed to marshal message", zap.Error(err))
				h.mu.RUnlock()
				continue
			}
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					h.logger.Warn("wsevents: client send buffer full, unregistering")
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.RUnlock()

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues msg for delivery to every connected client.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("wsevents: hub broadcast channel full, message dropped", zap.String("type", string(msg.Type)))
	}
}

// Stop terminates the dispatch loop and disconnects every client.
func (h *Hub) Stop() {
	close(h.stop)
	<-h.done
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func toMessage(ev events.Event) Message {
	switch ev.Kind {
	case events.Tick:
		return newMessage(MessageTypeTick, TickData{Round: ev.Tick.Round, Tick: ev.Tick.Tick})
	case events.Request:
		return newMessage(MessageTypeRequest, transactionData(ev.Transaction))
	case events.Response:
		return newMessage(MessageTypeResponse, transactionData(ev.Transaction))
	case events.Data:
		out := make(DataData, len(ev.Data))
		for k, v := range ev.Data {
			out[uint32(k)] = v
		}
		return newMessage(MessageTypeData, out)
	default:
		return newMessage(MessageType(ev.Kind.String()), nil)
	}
}

func transactionData(tx *transaction.Transaction) TransactionData {
	if tx == nil {
		return TransactionData{}
	}
	now := time.Now()
	errMsg := ""
	if err := tx.Err(); err != nil {
		errMsg = err.Error()
	}
	return TransactionData{
		ID:       tx.ID,
		TraceID:  tx.TraceID.String(),
		Type:     tx.Type.String(),
		Unit:     tx.Unit,
		Scope:    tx.Scope.String(),
		Priority: uint8(tx.Priority),
		State:    tx.State().String(),
		Error:    errMsg,
		TimedOut: tx.IsTimedOut(),
		Duration: float64(tx.Duration(now).Microseconds()) / 1000.0,
	}
}
