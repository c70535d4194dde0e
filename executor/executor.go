// Package executor owns the single-concurrency priority queue that
// serializes every wire request (§4.6, §4.7, §5). A single worker
// goroutine waits on a sync.Cond for a container/heap priority queue to
// become non-empty; Destroy wakes it and waits for it via a WaitGroup.
package executor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yarosdev/modbusdb/datamap"
	"github.com/yarosdev/modbusdb/driver"
	"github.com/yarosdev/modbusdb/events"
	"github.com/yarosdev/modbusdb/internal/stats"
	"github.com/yarosdev/modbusdb/regcodec"
	"github.com/yarosdev/modbusdb/regkey"
	"github.com/yarosdev/modbusdb/transaction"
)

// ErrDestroyed is returned by Request once the executor has been destroyed.
var ErrDestroyed = errors.New("executor: instance destroyed")

// ErrAborted is the error a Transaction finishes with when it is dequeued
// after the executor has been destroyed (§7 Destroyed). Exported so
// callers can test a finished transaction's error with errors.Is, the
// same way ErrTimeout and ErrBackoff are.
var ErrAborted = errors.New("executor: aborted")

// ErrBackoff is the error a LOW-priority Transaction finishes with when
// it is skipped by the per-unit cooldown without ever reaching the driver
// (§4.6 step 3, §7 Backoff shortcut).
var ErrBackoff = errors.New("executor: too many timeouts for this unit")

// ErrTimeout is the error a Transaction finishes with when its
// per-transaction deadline elapses before the driver responds (§7
// Timeout). Transaction.IsTimedOut reports the same condition without
// requiring callers to unwrap the error.
var ErrTimeout = errors.New("executor: request timed out")

// Executor is the concurrency-1 worker described in §4.6: at most one
// driver call is ever in flight. Requests queue by priority and are
// dispatched FIFO within a priority band.
type Executor struct {
	drv    driver.Driver
	bus    *events.Bus
	logger *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     taskQueue
	seq       int
	nextID    uint16
	destroyed bool
	unitStats map[uint8]*stats.UnitStats

	wg sync.WaitGroup
}

// New constructs an Executor and starts its worker goroutine. Destroy
// must be called to release it.
func New(drv driver.Driver, bus *events.Bus, logger *zap.Logger) *Executor {
	e := &Executor{
		drv:       drv,
		bus:       bus,
		logger:    logger,
		unitStats: make(map[uint8]*stats.UnitStats),
	}
	e.cond = sync.NewCond(&e.mu)
	e.wg.Add(1)
	go e.run()
	return e
}

// Request enqueues typ/sel as a Transaction at priority and blocks until
// it finishes or ctx is cancelled. A cancelled ctx only stops the caller
// from waiting; the task itself still runs to completion (§5: no
// user-visible cancellation of in-flight work).
func (e *Executor) Request(ctx context.Context, typ transaction.Type, sel datamap.Select, body map[regkey.Key]float64, priority transaction.Priority, timeout time.Duration) (*transaction.Transaction, error) {
	if typ == transaction.Write && !sel.Scope.IsWritable() {
		return nil, fmt.Errorf("executor: scope %s is read-only: %w", sel.Scope, regkey.ErrValidation)
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, ErrDestroyed
	}
	id := e.nextID
	e.nextID = (e.nextID + 1) % 1024
	e.mu.Unlock()

	tx, err := transaction.New(id, typ, sel, body, priority, timeout, time.Now())
	if err != nil {
		return nil, err
	}

	qt := &queuedTask{tx: tx, resultCh: make(chan *transaction.Transaction, 1)}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, ErrDestroyed
	}
	qt.seq = e.seq
	e.seq++
	heap.Push(&e.queue, qt)
	e.cond.Signal()
	e.mu.Unlock()

	select {
	case <-qt.resultCh:
		return tx, nil
	case <-ctx.Done():
		return tx, ctx.Err()
	}
}

// Destroy clears the pending queue, finishing every not-yet-dequeued task
// with ErrAborted, and stops the worker. Any task
// already in flight when Destroy is called completes normally.
func (e *Executor) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	pending := e.queue
	e.queue = nil
	e.cond.Broadcast()
	e.mu.Unlock()

	now := time.Now()
	for _, t := range pending {
		t.tx.Finish(nil, ErrAborted, false, now)
		t.resultCh <- t.tx
	}
	e.wg.Wait()
}

func (e *Executor) run() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for e.queue.Len() == 0 {
			if e.destroyed {
				e.mu.Unlock()
				return
			}
			e.cond.Wait()
		}
		t := heap.Pop(&e.queue).(*queuedTask)
		e.mu.Unlock()

		e.runTask(t)
	}
}

func (e *Executor) statsFor(unit uint8) *stats.UnitStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.unitStats[unit]
	if !ok {
		st = &stats.UnitStats{}
		e.unitStats[unit] = st
	}
	return st
}

// UnitSnapshot returns a copy of the accumulated statistics for unit, if
// any request has touched it yet.
func (e *Executor) UnitSnapshot(unit uint8) (stats.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.unitStats[unit]
	if !ok {
		return stats.Snapshot{}, false
	}
	return st.Snapshot(), true
}

// runTask drives one Transaction from dequeue through Finish (§4.6
// steps 2-5). It is only ever called from the single worker goroutine.
func (e *Executor) runTask(t *queuedTask) {
	tx := t.tx
	now := time.Now()

	e.mu.Lock()
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		tx.Finish(nil, ErrAborted, false, now)
		t.resultCh <- tx
		return
	}

	st := e.statsFor(tx.Unit)

	if tx.Priority == transaction.Low {
		e.mu.Lock()
		inBackoff := st.InBackoff(tx.Timeout, now)
		e.mu.Unlock()
		if inBackoff {
			tx.Finish(nil, ErrBackoff, false, now)
			t.resultCh <- tx
			return
		}
	}

	e.bus.Emit(events.Event{Kind: events.Request, Transaction: tx})

	data, err, timedOut := e.execute(tx)

	finishedAt := time.Now()
	tx.Finish(data, err, timedOut, finishedAt)

	e.mu.Lock()
	st.RecordResponse(err != nil, timedOut, tx.Duration(finishedAt), finishedAt)
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("transaction finished with an error",
			zap.Uint16("id", tx.ID),
			zap.Uint8("unit", tx.Unit),
			zap.String("scope", tx.Scope.String()),
			zap.Bool("timed_out", timedOut),
			zap.Error(err))
	}

	e.bus.Emit(events.Event{Kind: events.Response, Transaction: tx})
	if len(data) > 0 {
		e.bus.Emit(events.Event{Kind: events.Data, Data: events.DataPayload(data)})
	}

	t.resultCh <- tx
}

// execute races the driver call against tx.Timeout and reports whether
// the timeout (rather than a driver error) ended the attempt.
func (e *Executor) execute(tx *transaction.Transaction) (transaction.Result, error, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), tx.Timeout)
	defer cancel()

	type outcome struct {
		data transaction.Result
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := e.runSelect(ctx, tx)
		done <- outcome{data, err}
	}()

	select {
	case o := <-done:
		if errors.Is(o.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("executor: %w", ErrTimeout), true
		}
		return o.data, o.err, false
	case <-ctx.Done():
		return nil, fmt.Errorf("executor: %w", ErrTimeout), true
	}
}

// runSelect performs the actual driver call(s) for one transaction,
// applying the register codec and scale on the way in or out (§4.6,
// §4.7).
func (e *Executor) runSelect(ctx context.Context, tx *transaction.Transaction) (transaction.Result, error) {
	entries := tx.Entries
	anchor := entries[0].Address
	last := entries[len(entries)-1]
	count := int(last.Address) - int(anchor) + regcodec.RegisterCount(last.Type)
	if count < 1 || count > 999 {
		return nil, fmt.Errorf("executor: request span %d out of range [1,999]", count)
	}

	switch tx.Type {
	case transaction.Read:
		return e.execRead(ctx, tx, anchor, count)
	case transaction.Write:
		return e.execWrite(ctx, tx, anchor, count)
	default:
		return nil, fmt.Errorf("executor: unknown transaction type %s", tx.Type)
	}
}

func (e *Executor) readDriver(ctx context.Context, tx *transaction.Transaction, anchor uint16, count int) (driver.ReadResult, error) {
	switch tx.Scope {
	case regkey.PhysicalState:
		return e.drv.ReadInputStates(ctx, tx.Unit, anchor, uint16(count))
	case regkey.InternalState:
		return e.drv.ReadOutputStates(ctx, tx.Unit, anchor, uint16(count))
	case regkey.PhysicalRegister:
		return e.drv.ReadInputRegisters(ctx, tx.Unit, anchor, uint16(count))
	case regkey.InternalRegister:
		return e.drv.ReadOutputRegisters(ctx, tx.Unit, anchor, uint16(count))
	default:
		return driver.ReadResult{}, fmt.Errorf("executor: unknown scope %s", tx.Scope)
	}
}

func (e *Executor) execRead(ctx context.Context, tx *transaction.Transaction, anchor uint16, count int) (transaction.Result, error) {
	raw, err := e.readDriver(ctx, tx, anchor, count)
	if err != nil {
		return nil, err
	}
	if len(raw.Data) != count {
		return nil, fmt.Errorf("executor: driver returned %d values, want %d: %w", len(raw.Data), count, regkey.ErrValidation)
	}

	result := make(transaction.Result, len(tx.Entries))

	if tx.Scope.IsBitScope() {
		for _, entry := range tx.Entries {
			idx := int(entry.Address) - int(anchor)
			result[entry.Key] = float64(raw.Data[idx])
		}
		return result, nil
	}

	for _, entry := range tx.Entries {
		off := (int(entry.Address) - int(anchor)) * 2
		n := regcodec.RegisterCount(entry.Type) * 2
		if off+n > len(raw.Buffer) {
			return nil, fmt.Errorf("executor: response buffer too short for address %d: %w", entry.Address, regkey.ErrValidation)
		}
		buf := raw.Buffer[off : off+n]

		decodeType := entry.Type
		if entry.Type == regcodec.Bit {
			decodeType = regcodec.UInt16
		}
		if n == 4 && tx.SwapWords {
			var swapErr error
			buf, swapErr = regcodec.SwapWords(buf)
			if swapErr != nil {
				return nil, swapErr
			}
		}

		value, err := regcodec.Decode(buf, decodeType, tx.BigEndian)
		if err != nil {
			return nil, err
		}

		switch {
		case entry.Type == regcodec.Bit:
			bit, err := regcodec.GetBit(uint16(value), entry.Bit)
			if err != nil {
				return nil, err
			}
			result[entry.Key] = float64(bit)
		case entry.Scale > 0:
			result[entry.Key] = value / math.Pow10(int(entry.Scale))
		default:
			result[entry.Key] = value
		}
	}
	return result, nil
}

func (e *Executor) execWrite(ctx context.Context, tx *transaction.Transaction, anchor uint16, count int) (transaction.Result, error) {
	if tx.Scope.IsBitScope() {
		return nil, e.execWriteStates(ctx, tx, anchor, count)
	}
	return nil, e.execWriteRegisters(ctx, tx, anchor, count)
}

func (e *Executor) execWriteStates(ctx context.Context, tx *transaction.Transaction, anchor uint16, count int) error {
	bits := make([]bool, count)
	for _, entry := range tx.Entries {
		idx := int(entry.Address) - int(anchor)
		bits[idx] = tx.Body[entry.Key] > 0
	}

	if count == 1 && !tx.ForceWriteMany {
		var v uint16
		if bits[0] {
			v = 1
		}
		return e.drv.WriteState(ctx, tx.Unit, anchor, v)
	}
	return e.drv.WriteStates(ctx, tx.Unit, anchor, bits)
}

func (e *Executor) execWriteRegisters(ctx context.Context, tx *transaction.Transaction, anchor uint16, count int) error {
	needsRMW := false
	for _, entry := range tx.Entries {
		if entry.Type == regcodec.Bit {
			needsRMW = true
			break
		}
	}

	current := make(map[uint16]uint16)
	if needsRMW {
		raw, err := e.drv.ReadOutputRegisters(ctx, tx.Unit, anchor, uint16(count))
		if err != nil {
			return fmt.Errorf("executor: read-modify-write read failed: %w", err)
		}
		if len(raw.Data) != count {
			return fmt.Errorf("executor: read-modify-write returned %d values, want %d: %w", len(raw.Data), count, regkey.ErrValidation)
		}
		for i, v := range raw.Data {
			current[anchor+uint16(i)] = v
		}
	}

	payload := make([]byte, count*2)
	for _, entry := range tx.Entries {
		off := (int(entry.Address) - int(anchor)) * 2

		var buf []byte
		var err error
		if entry.Type == regcodec.Bit {
			word, err2 := regcodec.SetBit(current[entry.Address], entry.Bit, tx.Body[entry.Key] > 0)
			if err2 != nil {
				return err2
			}
			buf, err = regcodec.Encode(float64(word), regcodec.UInt16, tx.BigEndian)
		} else {
			v := tx.Body[entry.Key]
			if entry.Scale > 0 {
				v = math.Floor(v * math.Pow10(int(entry.Scale)))
			}
			buf, err = regcodec.Encode(v, entry.Type, tx.BigEndian)
			if err == nil && len(buf) == 4 && tx.SwapWords {
				buf, err = regcodec.SwapWords(buf)
			}
		}
		if err != nil {
			return err
		}
		copy(payload[off:off+len(buf)], buf)
	}

	if count == 1 && !tx.ForceWriteMany {
		return e.drv.WriteRegister(ctx, tx.Unit, anchor, payload)
	}
	return e.drv.WriteRegisters(ctx, tx.Unit, anchor, payload)
}
