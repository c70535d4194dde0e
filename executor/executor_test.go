package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yarosdev/modbusdb/datamap"
	"github.com/yarosdev/modbusdb/driver"
	"github.com/yarosdev/modbusdb/events"
	"github.com/yarosdev/modbusdb/regcodec"
	"github.com/yarosdev/modbusdb/regkey"
	"github.com/yarosdev/modbusdb/transaction"
)

// fakeDriver is an in-memory Driver used to exercise the executor without
// any real wire transport.
type fakeDriver struct {
	mu        sync.Mutex
	registers map[uint16]uint16 // address -> word, per single unit
	states    map[uint16]uint16

	readDelay    time.Duration
	readErr      error
	writeErr     error
	writeCalls   int
	writeManyLen int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{registers: make(map[uint16]uint16), states: make(map[uint16]uint16)}
}

func (f *fakeDriver) ReadOutputStates(ctx context.Context, unit uint8, address uint16, count uint16) (driver.ReadResult, error) {
	return f.readWords(ctx, f.states, address, count)
}
func (f *fakeDriver) ReadInputStates(ctx context.Context, unit uint8, address uint16, count uint16) (driver.ReadResult, error) {
	return f.readWords(ctx, f.states, address, count)
}
func (f *fakeDriver) ReadOutputRegisters(ctx context.Context, unit uint8, address uint16, count uint16) (driver.ReadResult, error) {
	return f.readWords(ctx, f.registers, address, count)
}
func (f *fakeDriver) ReadInputRegisters(ctx context.Context, unit uint8, address uint16, count uint16) (driver.ReadResult, error) {
	return f.readWords(ctx, f.registers, address, count)
}

func (f *fakeDriver) readWords(ctx context.Context, store map[uint16]uint16, address uint16, count uint16) (driver.ReadResult, error) {
	f.mu.Lock()
	delay := f.readDelay
	readErr := f.readErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return driver.ReadResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if readErr != nil {
		return driver.ReadResult{}, readErr
	}
	data := make([]uint16, count)
	buf := make([]byte, int(count)*2)
	for i := 0; i < int(count); i++ {
		w := store[address+uint16(i)]
		data[i] = w
		buf[i*2] = byte(w)
		buf[i*2+1] = byte(w >> 8)
	}
	return driver.ReadResult{Buffer: buf, Data: data}, nil
}

func (f *fakeDriver) WriteState(ctx context.Context, unit uint8, address uint16, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++
	if f.writeErr != nil {
		return f.writeErr
	}
	f.states[address] = value
	return nil
}

func (f *fakeDriver) WriteRegister(ctx context.Context, unit uint8, address uint16, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++
	if f.writeErr != nil {
		return f.writeErr
	}
	f.registers[address] = uint16(buf[0]) | uint16(buf[1])<<8
	return nil
}

func (f *fakeDriver) WriteStates(ctx context.Context, unit uint8, address uint16, bits []bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++
	f.writeManyLen = len(bits)
	if f.writeErr != nil {
		return f.writeErr
	}
	for i, b := range bits {
		if b {
			f.states[address+uint16(i)] = 1
		} else {
			f.states[address+uint16(i)] = 0
		}
	}
	return nil
}

func (f *fakeDriver) WriteRegisters(ctx context.Context, unit uint8, address uint16, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++
	f.writeManyLen = len(buf) / 2
	if f.writeErr != nil {
		return f.writeErr
	}
	for i := 0; i*2 < len(buf); i++ {
		f.registers[address+uint16(i)] = uint16(buf[i*2]) | uint16(buf[i*2+1])<<8
	}
	return nil
}

func newTestExecutor(drv driver.Driver) (*Executor, *events.Bus) {
	bus := events.New(zap.NewNop())
	return New(drv, bus, zap.NewNop()), bus
}

func sel(method datamap.Method, unit uint8, scope regkey.Scope, entries ...datamap.Entry) datamap.Select {
	return datamap.Select{Method: method, Unit: unit, Scope: scope, Entries: entries}
}

func entry(unit uint8, scope regkey.Scope, address uint16, bit uint8, typ regcodec.Type, scale uint8) datamap.Entry {
	k, _ := regkey.Pack(unit, scope, address, bit)
	return datamap.Entry{Key: k, Unit: unit, Scope: scope, Address: address, Bit: bit, Type: typ, Scale: scale}
}

func TestExecutorReadInternalRegister(t *testing.T) {
	drv := newFakeDriver()
	drv.registers[10] = 123
	e, bus := newTestExecutor(drv)
	defer e.Destroy()
	defer bus.Stop()

	e10 := entry(1, regkey.InternalRegister, 10, 0, regcodec.UInt16, 0)
	s := sel(datamap.Read, 1, regkey.InternalRegister, e10)

	tx, err := e.Request(context.Background(), transaction.Read, s, nil, transaction.Normal, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if tx.Err() != nil {
		t.Fatalf("tx.Err() = %v", tx.Err())
	}
	if got := tx.Data()[e10.Key]; got != 123 {
		t.Fatalf("Data()[key] = %v, want 123", got)
	}
}

func TestExecutorS4BitReadInRegisterScope(t *testing.T) {
	drv := newFakeDriver()
	drv.registers[15] = 0x0004
	e, bus := newTestExecutor(drv)
	defer e.Destroy()
	defer bus.Stop()

	bitEntry := entry(1, regkey.InternalRegister, 15, 2, regcodec.Bit, 0)
	s := sel(datamap.Read, 1, regkey.InternalRegister, bitEntry)

	tx, err := e.Request(context.Background(), transaction.Read, s, nil, transaction.Normal, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got := tx.Data()[bitEntry.Key]; got != 1 {
		t.Fatalf("Data()[key] = %v, want 1", got)
	}
}

func TestExecutorS5ScaledWriteThenRead(t *testing.T) {
	drv := newFakeDriver()
	e, bus := newTestExecutor(drv)
	defer e.Destroy()
	defer bus.Stop()

	e10 := entry(1, regkey.InternalRegister, 10, 0, regcodec.Int16, 2)
	ws := sel(datamap.Write, 1, regkey.InternalRegister, e10)

	_, err := e.Request(context.Background(), transaction.Write, ws, map[regkey.Key]float64{e10.Key: 1.23}, transaction.High, time.Second)
	if err != nil {
		t.Fatalf("write Request: %v", err)
	}
	if drv.registers[10] != 123 {
		t.Fatalf("driver register[10] = %d, want 123", drv.registers[10])
	}

	rs := sel(datamap.Read, 1, regkey.InternalRegister, e10)
	tx, err := e.Request(context.Background(), transaction.Read, rs, nil, transaction.Normal, time.Second)
	if err != nil {
		t.Fatalf("read Request: %v", err)
	}
	if got := tx.Data()[e10.Key]; got != 1.23 {
		t.Fatalf("Data()[key] = %v, want 1.23", got)
	}
}

func TestExecutorBitWriteIsReadModifyWrite(t *testing.T) {
	drv := newFakeDriver()
	drv.registers[15] = 0x0000
	e, bus := newTestExecutor(drv)
	defer e.Destroy()
	defer bus.Stop()

	bitEntry := entry(1, regkey.InternalRegister, 15, 2, regcodec.Bit, 0)
	ws := sel(datamap.Write, 1, regkey.InternalRegister, bitEntry)

	_, err := e.Request(context.Background(), transaction.Write, ws, map[regkey.Key]float64{bitEntry.Key: 1}, transaction.High, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if drv.registers[15] != 0x0004 {
		t.Fatalf("driver register[15] = 0x%04x, want 0x0004", drv.registers[15])
	}
}

func TestExecutorS6PriorityAndBackoff(t *testing.T) {
	drv := newFakeDriver()
	timeout := 20 * time.Millisecond
	drv.readDelay = 10 * timeout // forces every read past its deadline
	e, bus := newTestExecutor(drv)
	defer e.Destroy()
	defer bus.Stop()

	e10 := entry(1, regkey.InternalRegister, 10, 0, regcodec.UInt16, 0)
	s := sel(datamap.Read, 1, regkey.InternalRegister, e10)

	for i := 0; i < 3; i++ {
		tx, err := e.Request(context.Background(), transaction.Read, s, nil, transaction.Low, timeout)
		if err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
		if !tx.IsTimedOut() {
			t.Fatalf("Request %d: expected a timeout", i)
		}
	}

	tx, err := e.Request(context.Background(), transaction.Read, s, nil, transaction.Low, timeout)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if tx.Err() == nil || !errors.Is(tx.Err(), ErrBackoff) {
		t.Fatalf("expected backoff error, got %v", tx.Err())
	}

	drv.mu.Lock()
	drv.readDelay = 0
	drv.registers[10] = 7
	drv.mu.Unlock()
	hiTx, err := e.Request(context.Background(), transaction.Read, s, nil, transaction.High, timeout)
	if err != nil {
		t.Fatalf("High priority Request: %v", err)
	}
	if hiTx.Err() != nil {
		t.Fatalf("High priority request should bypass backoff, got err %v", hiTx.Err())
	}

	snap, ok := e.UnitSnapshot(1)
	if !ok {
		t.Fatalf("expected a snapshot for unit 1")
	}
	if snap.TimeoutsCount != 0 {
		t.Fatalf("TimeoutsCount after success = %d, want 0", snap.TimeoutsCount)
	}
}

func TestExecutorTimeoutSentinel(t *testing.T) {
	drv := newFakeDriver()
	timeout := 20 * time.Millisecond
	drv.readDelay = 10 * timeout
	e, bus := newTestExecutor(drv)
	defer e.Destroy()
	defer bus.Stop()

	e10 := entry(1, regkey.InternalRegister, 10, 0, regcodec.UInt16, 0)
	s := sel(datamap.Read, 1, regkey.InternalRegister, e10)

	tx, err := e.Request(context.Background(), transaction.Read, s, nil, transaction.Normal, timeout)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !tx.IsTimedOut() {
		t.Fatalf("expected a timeout")
	}
	if !errors.Is(tx.Err(), ErrTimeout) {
		t.Fatalf("tx.Err() = %v, want errors.Is to match ErrTimeout", tx.Err())
	}
}

func TestExecutorRequestRejectsNonWritableScope(t *testing.T) {
	drv := newFakeDriver()
	e, bus := newTestExecutor(drv)
	defer e.Destroy()
	defer bus.Stop()

	e10 := entry(1, regkey.PhysicalRegister, 10, 0, regcodec.UInt16, 0)
	s := sel(datamap.Write, 1, regkey.PhysicalRegister, e10)

	_, err := e.Request(context.Background(), transaction.Write, s, map[regkey.Key]float64{e10.Key: 1}, transaction.Normal, time.Second)
	if err == nil || !errors.Is(err, regkey.ErrValidation) {
		t.Fatalf("Request on a read-only scope = %v, want an error matching regkey.ErrValidation", err)
	}
}

func TestExecutorDestroyAbortsQueuedTasks(t *testing.T) {
	drv := newFakeDriver()
	drv.readDelay = 200 * time.Millisecond
	e, bus := newTestExecutor(drv)
	defer bus.Stop()

	e10 := entry(1, regkey.InternalRegister, 10, 0, regcodec.UInt16, 0)
	s := sel(datamap.Read, 1, regkey.InternalRegister, e10)

	results := make(chan *transaction.Transaction, 3)
	for i := 0; i < 3; i++ {
		go func() {
			tx, _ := e.Request(context.Background(), transaction.Read, s, nil, transaction.Normal, time.Second)
			results <- tx
		}()
	}

	time.Sleep(20 * time.Millisecond) // let the first task start driving, rest stay queued
	e.Destroy()

	aborted := 0
	for i := 0; i < 3; i++ {
		select {
		case tx := <-results:
			if tx != nil && errors.Is(tx.Err(), ErrAborted) {
				aborted++
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for a result")
		}
	}
	if aborted == 0 {
		t.Fatalf("expected at least one aborted transaction after Destroy")
	}
}
