// Package wsevents broadcasts modbusdb's tick/request/response/data events
// to connected WebSocket dashboards, following the Message/MessageType
// envelope shape of internal/api/websocket/messages.go in the teacher,
// trimmed from its device/machine/workflow/system message catalogue to
// the four events the core itself emits.
package wsevents

import "time"

// MessageType identifies which modbusdb event a Message carries.
type MessageType string

const (
	MessageTypeTick     MessageType = "tick"
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypeData     MessageType = "data"
)

// Message is the JSON envelope written to every connected client.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// TickData mirrors events.TickPayload.
type TickData struct {
	Round int `json:"round"`
	Tick  int `json:"tick"`
}

// TransactionData mirrors the fields of a *transaction.Transaction worth
// showing a dashboard, without exposing the package's internal mutex.
type TransactionData struct {
	ID       uint16  `json:"id"`
	TraceID  string  `json:"trace_id"`
	Type     string  `json:"type"`
	Unit     uint8   `json:"unit"`
	Scope    string  `json:"scope"`
	Priority uint8   `json:"priority"`
	State    string  `json:"state"`
	Error    string  `json:"error,omitempty"`
	TimedOut bool    `json:"timed_out"`
	Duration float64 `json:"duration_ms"`
}

// DataData is the merged per-key result of one successful read.
type DataData map[uint32]float64

func newMessage(t MessageType, data interface{}) Message {
	return Message{Type: t, Timestamp: time.Now(), Data: data}
}
