// Package transaction defines the immutable envelope for one enqueued wire
// request, plus the small amount of mutable tail state recorded once it
// finishes. The state-enum + validated-transition idiom follows
// internal/system/state.go in the teacher; the id/uuid pairing follows
// internal/modbus/device.go's Device.ID.
package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yarosdev/modbusdb/datamap"
	"github.com/yarosdev/modbusdb/regkey"
)

// Type distinguishes a read transaction from a write transaction.
type Type uint8

const (
	Read Type = iota + 1
	Write
)

func (t Type) String() string {
	if t == Read {
		return "READ"
	}
	return "WRITE"
}

// Priority orders pending transactions in the executor's queue. Higher
// values run first; FIFO within a priority band (§5).
type Priority uint8

const (
	Low    Priority = 1
	Normal Priority = 3
	High   Priority = 5
)

// State is the transaction's lifecycle: it is created, then (exactly once)
// finished. There is no intermediate state exposed to callers — the
// executor's queue residency is not part of the transaction's own state.
type State uint8

const (
	Created State = iota + 1
	Done
)

func (s State) String() string {
	if s == Created {
		return "CREATED"
	}
	return "DONE"
}

// Result is the outcome of a finished read transaction: a map from the
// original user key to the decoded value. Write transactions finish with
// a nil Result.
type Result map[regkey.Key]float64

// Transaction is an immutable envelope for one Select dispatched to the
// driver, with a small mutable tail recorded by Finish.
type Transaction struct {
	ID             uint16
	TraceID        uuid.UUID
	Type           Type
	Entries        []datamap.Entry
	Unit           uint8
	Scope          regkey.Scope
	BigEndian      bool
	SwapWords      bool
	ForceWriteMany bool
	Body           map[regkey.Key]float64 // write payload, nil for reads
	Priority       Priority
	Timeout        time.Duration
	StartedAt      time.Time

	mu          sync.Mutex
	state       State
	finishedAt  time.Time
	data        Result
	err         error
	timedOut    bool
}

// New constructs a Transaction from a planner Select. sel.Entries must all
// share the same unit and scope (§4.5); violating that is a programmer
// error, not a runtime one, so it is returned as an error rather than
// silently corrected.
func New(id uint16, typ Type, sel datamap.Select, body map[regkey.Key]float64, priority Priority, timeout time.Duration, startedAt time.Time) (*Transaction, error) {
	if len(sel.Entries) == 0 {
		return nil, fmt.Errorf("transaction: cannot construct from an empty entry set: %w", regkey.ErrValidation)
	}
	unit := sel.Entries[0].Unit
	scope := sel.Entries[0].Scope
	for _, e := range sel.Entries[1:] {
		if e.Unit != unit || e.Scope != scope {
			return nil, fmt.Errorf("transaction: entries span multiple units/scopes (unit=%d/%d scope=%s/%s): %w",
				unit, e.Unit, scope, e.Scope, regkey.ErrValidation)
		}
	}

	return &Transaction{
		ID:             id,
		TraceID:        uuid.New(),
		Type:           typ,
		Entries:        sel.Entries,
		Unit:           unit,
		Scope:          scope,
		BigEndian:      sel.BigEndian,
		SwapWords:      sel.SwapWords,
		ForceWriteMany: sel.ForceWriteMany,
		Body:           body,
		Priority:       priority,
		Timeout:        timeout,
		StartedAt:      startedAt,
		state:          Created,
	}, nil
}

// Finish records the transaction's outcome. It is idempotent: only the
// first call has any effect (§4.5).
func (t *Transaction) Finish(data Result, err error, timedOut bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Done {
		return
	}
	t.state = Done
	t.finishedAt = now
	t.data = data
	t.err = err
	t.timedOut = timedOut
}

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Data returns the finished read transaction's result map, nil if the
// transaction has not finished, failed, or was a write.
func (t *Transaction) Data() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

// Err returns the finished transaction's error, if any.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// IsTimedOut reports whether the transaction's error, if any, came from
// the per-transaction timeout elapsing (used by the executor's per-unit
// backoff, §4.6).
func (t *Transaction) IsTimedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timedOut
}

// Duration is finishedAt-startedAt if finished, else now-startedAt (§4.5).
func (t *Transaction) Duration(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Done {
		return t.finishedAt.Sub(t.StartedAt)
	}
	return now.Sub(t.StartedAt)
}
