// Package modbusdb is the abstraction layer over the Modbus protocol
// described by the component table in §2: a flat keyed database over a
// device's registers and coils, backed by a consumer-supplied driver,
// with a planner that batches addresses into minimal wire requests and a
// scheduler that refreshes watched entries on a divisor-aligned tick
// grid.
package modbusdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yarosdev/modbusdb/datamap"
	"github.com/yarosdev/modbusdb/driver"
	"github.com/yarosdev/modbusdb/events"
	"github.com/yarosdev/modbusdb/executor"
	"github.com/yarosdev/modbusdb/internal/stats"
	"github.com/yarosdev/modbusdb/regkey"
	"github.com/yarosdev/modbusdb/scheduler"
	"github.com/yarosdev/modbusdb/transaction"
)

// State is the instance's own lifecycle, distinct from a Transaction's.
// It follows the closed-enum + validated-transition idiom of
// internal/system/state.go's SystemState/ValidateTransition in the
// teacher, generalized down to the three states Modbusdb actually has.
type State uint8

const (
	Created State = iota + 1
	Running
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Running:
		return "RUNNING"
	case Destroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// ValidateTransition reports whether moving from from to to is legal.
// Created leads to Running once Watch is called, or straight to
// Destroyed if the instance is torn down unwatched; Running leads only
// to Destroyed; Destroyed is terminal.
func ValidateTransition(from, to State) error {
	allowed := map[State][]State{
		Created: {Running, Destroyed},
		Running: {Destroyed},
		Destroyed: {},
	}

	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("modbusdb: invalid state transition %s -> %s", from, to)
}

// Options configures a new Modbusdb instance. Driver is required; the
// rest default per §6: Interval=60s (clamped [60,3600]), Timeout=60s
// (clamped [1,900]), RoundSize=12 (clamped [12,36]).
type Options struct {
	Driver    driver.Driver
	Datamap   *datamap.Datamap
	Interval  time.Duration
	Timeout   time.Duration
	RoundSize int
	Logger    *zap.Logger
}

// MgetResult is the outcome of Mget/Mset: the total wall-clock time, the
// individual transactions dispatched (in ascending key order per §5),
// and payload merging every successful transaction's result map.
type MgetResult struct {
	TotalTime    time.Duration
	Transactions []*transaction.Transaction
	Payload      map[regkey.Key]float64
}

// Modbusdb is the public entry point: a keyed database over Modbus
// register and coil addresses, backed by a Datamap, an Executor and a
// Scheduler.
type Modbusdb struct {
	dm     *datamap.Datamap
	exec   *executor.Executor
	sched  *scheduler.Scheduler
	bus    *events.Bus
	logger *zap.Logger

	mu    sync.Mutex
	state State
}

// New constructs a Modbusdb from opts. opts.Driver must be non-nil; a nil
// opts.Datamap is treated as an empty one.
func New(opts Options) (*Modbusdb, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("modbusdb: Options.Driver is required")
	}
	dm := opts.Datamap
	if dm == nil {
		var err error
		dm, err = datamap.New(nil, nil)
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	interval := opts.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	roundSize := opts.RoundSize
	if roundSize == 0 {
		roundSize = 12
	}

	bus := events.New(logger)
	exec := executor.New(opts.Driver, bus, logger)
	sched := scheduler.New(dm, exec, bus, logger, interval, roundSize, timeout)

	return &Modbusdb{dm: dm, exec: exec, sched: sched, bus: bus, logger: logger, state: Created}, nil
}

// Subscribe returns a channel of emitted events (tick, request, response,
// data); see the events package.
func (m *Modbusdb) Subscribe() chan events.Event {
	return m.bus.Subscribe()
}

// Unsubscribe releases a channel previously returned by Subscribe.
func (m *Modbusdb) Unsubscribe(ch chan events.Event) {
	m.bus.Unsubscribe(ch)
}

// Bus returns the underlying event bus, for demo surfaces (internal/wsevents)
// that need to subscribe without going through the channel-pair accessors.
func (m *Modbusdb) Bus() *events.Bus {
	return m.bus
}

// Watch starts the polling scheduler. Calling Watch again, or after
// Destroy, is a no-op: the Created -> Running transition only ever
// fires once.
func (m *Modbusdb) Watch() {
	m.mu.Lock()
	if ValidateTransition(m.state, Running) != nil {
		m.mu.Unlock()
		return
	}
	m.state = Running
	m.mu.Unlock()

	m.sched.Start()
}

// Get reads a single key at NORMAL priority (§5).
func (m *Modbusdb) Get(ctx context.Context, key regkey.Key) (*transaction.Transaction, error) {
	sel, err := m.dm.SelectOne(datamap.Read, key)
	if err != nil {
		return nil, err
	}
	return m.exec.Request(ctx, transaction.Read, sel, nil, transaction.Normal, m.sched.Timeout())
}

// Set writes a single key at HIGH priority (§5). For a register-scope Bit
// entry this is a read-modify-write: the whole word is read first and
// written back with only that bit changed, so two driver calls are made.
func (m *Modbusdb) Set(ctx context.Context, key regkey.Key, value float64) (*transaction.Transaction, error) {
	sel, err := m.dm.SelectOne(datamap.Write, key)
	if err != nil {
		return nil, err
	}
	body := map[regkey.Key]float64{key: value}
	return m.exec.Request(ctx, transaction.Write, sel, body, transaction.High, m.sched.Timeout())
}

// Mget reads many keys at NORMAL priority, dispatching the planner's
// Selects in ascending key order (§5) and merging successful results.
func (m *Modbusdb) Mget(ctx context.Context, keys []regkey.Key) (MgetResult, error) {
	return m.dispatchAll(ctx, datamap.Read, keys, nil, transaction.Normal)
}

// Mset writes many keys at HIGH priority. body maps each key to its new
// value; the keys written are exactly the keys of body.
func (m *Modbusdb) Mset(ctx context.Context, body map[regkey.Key]float64) (MgetResult, error) {
	keys := make([]regkey.Key, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	return m.dispatchAll(ctx, datamap.Write, keys, body, transaction.High)
}

func (m *Modbusdb) dispatchAll(ctx context.Context, method datamap.Method, keys []regkey.Key, body map[regkey.Key]float64, priority transaction.Priority) (MgetResult, error) {
	start := time.Now()
	if len(keys) == 0 {
		return MgetResult{TotalTime: 0, Payload: map[regkey.Key]float64{}}, nil
	}

	selects, err := m.dm.SelectAll(method, keys)
	if err != nil {
		return MgetResult{}, err
	}

	typ := transaction.Read
	if method == datamap.Write {
		typ = transaction.Write
	}

	txs := make([]*transaction.Transaction, 0, len(selects))
	payload := make(map[regkey.Key]float64)
	for _, sel := range selects {
		tx, err := m.exec.Request(ctx, typ, sel, body, priority, m.sched.Timeout())
		if err != nil {
			return MgetResult{}, err
		}
		txs = append(txs, tx)
		for k, v := range tx.Data() {
			payload[k] = v
		}
	}

	return MgetResult{TotalTime: time.Since(start), Transactions: txs, Payload: payload}, nil
}

// Unit returns the unit config and accumulated statistics snapshot for
// the given unit id, if anything references it.
func (m *Modbusdb) Unit(id uint8) (datamap.UnitConfig, stats.Snapshot, bool) {
	cfg, ok := m.dm.Unit(id)
	if !ok {
		return datamap.UnitConfig{}, stats.Snapshot{}, false
	}
	snap, _ := m.exec.UnitSnapshot(id)
	return cfg, snap, true
}

// State reports the instance's current lifecycle state.
func (m *Modbusdb) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Destroy stops the scheduler, drains the executor's queue (aborting
// anything still pending) and releases the event bus. Destroy is
// idempotent: it is the only transition allowed from every non-terminal
// state, and calling it on an already-Destroyed instance is a no-op.
func (m *Modbusdb) Destroy() {
	m.mu.Lock()
	if ValidateTransition(m.state, Destroyed) != nil {
		m.mu.Unlock()
		return
	}
	m.state = Destroyed
	m.mu.Unlock()

	m.sched.Stop()
	m.exec.Destroy()
	m.bus.Stop()
}
