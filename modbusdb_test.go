package modbusdb

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yarosdev/modbusdb/datamap"
	"github.com/yarosdev/modbusdb/driver"
	"github.com/yarosdev/modbusdb/regcodec"
	"github.com/yarosdev/modbusdb/regkey"
)

type memoryDriver struct {
	mu        sync.Mutex
	registers map[uint16]uint16
}

func newMemoryDriver() *memoryDriver {
	return &memoryDriver{registers: make(map[uint16]uint16)}
}

func (d *memoryDriver) readWords(address uint16, count uint16) driver.ReadResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := make([]uint16, count)
	buf := make([]byte, int(count)*2)
	for i := 0; i < int(count); i++ {
		w := d.registers[address+uint16(i)]
		data[i] = w
		buf[i*2] = byte(w)
		buf[i*2+1] = byte(w >> 8)
	}
	return driver.ReadResult{Buffer: buf, Data: data}
}

func (d *memoryDriver) ReadOutputStates(ctx context.Context, unit uint8, address uint16, count uint16) (driver.ReadResult, error) {
	return d.readWords(address, count), nil
}
func (d *memoryDriver) ReadInputStates(ctx context.Context, unit uint8, address uint16, count uint16) (driver.ReadResult, error) {
	return d.readWords(address, count), nil
}
func (d *memoryDriver) ReadOutputRegisters(ctx context.Context, unit uint8, address uint16, count uint16) (driver.ReadResult, error) {
	return d.readWords(address, count), nil
}
func (d *memoryDriver) ReadInputRegisters(ctx context.Context, unit uint8, address uint16, count uint16) (driver.ReadResult, error) {
	return d.readWords(address, count), nil
}
func (d *memoryDriver) WriteState(ctx context.Context, unit uint8, address uint16, value uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registers[address] = value
	return nil
}
func (d *memoryDriver) WriteRegister(ctx context.Context, unit uint8, address uint16, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registers[address] = uint16(buf[0]) | uint16(buf[1])<<8
	return nil
}
func (d *memoryDriver) WriteStates(ctx context.Context, unit uint8, address uint16, bits []bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range bits {
		v := uint16(0)
		if b {
			v = 1
		}
		d.registers[address+uint16(i)] = v
	}
	return nil
}
func (d *memoryDriver) WriteRegisters(ctx context.Context, unit uint8, address uint16, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i*2 < len(buf); i++ {
		d.registers[address+uint16(i)] = uint16(buf[i*2]) | uint16(buf[i*2+1])<<8
	}
	return nil
}

func newTestInstance(t *testing.T, drv driver.Driver, specs []datamap.EntrySpec) *Modbusdb {
	t.Helper()
	dm, err := datamap.New(specs, []datamap.UnitConfig{{Address: 1, MaxRequestSize: 32}})
	if err != nil {
		t.Fatalf("datamap.New: %v", err)
	}
	m, err := New(Options{Driver: drv, Datamap: dm, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestGetSetRoundTrip(t *testing.T) {
	drv := newMemoryDriver()
	k, _ := regkey.Pack(1, regkey.InternalRegister, 10, 0)
	m := newTestInstance(t, drv, []datamap.EntrySpec{
		{Unit: 1, Scope: regkey.InternalRegister, Address: 10, Type: regcodec.UInt16},
	})
	defer m.Destroy()

	if _, err := m.Set(context.Background(), k, 42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	tx, err := m.Get(context.Background(), k)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := tx.Data()[k]; got != 42 {
		t.Fatalf("Get result = %v, want 42", got)
	}
}

func TestMgetMergesMultipleSelects(t *testing.T) {
	drv := newMemoryDriver()
	k1, _ := regkey.Pack(1, regkey.InternalRegister, 10, 0)
	k2, _ := regkey.Pack(1, regkey.InternalRegister, 20, 0)
	m := newTestInstance(t, drv, []datamap.EntrySpec{
		{Unit: 1, Scope: regkey.InternalRegister, Address: 10, Type: regcodec.UInt16},
		{Unit: 1, Scope: regkey.InternalRegister, Address: 20, Type: regcodec.UInt16},
	})
	defer m.Destroy()

	if _, err := m.Mset(context.Background(), map[regkey.Key]float64{k1: 1, k2: 2}); err != nil {
		t.Fatalf("Mset: %v", err)
	}

	res, err := m.Mget(context.Background(), []regkey.Key{k1, k2})
	if err != nil {
		t.Fatalf("Mget: %v", err)
	}
	if res.Payload[k1] != 1 || res.Payload[k2] != 2 {
		t.Fatalf("Mget payload = %v, want {%d:1, %d:2}", res.Payload, k1, k2)
	}
	if len(res.Transactions) != 2 {
		t.Fatalf("got %d transactions, want 2 (no gap coalescing across a 9-register gap with RequestWithGaps unset)", len(res.Transactions))
	}
}

func TestStateTransitionsToDestroyed(t *testing.T) {
	drv := newMemoryDriver()
	m := newTestInstance(t, drv, nil)

	if m.State() != Created {
		t.Fatalf("State() = %s, want CREATED", m.State())
	}
	m.Watch()
	if m.State() != Running {
		t.Fatalf("State() = %s, want RUNNING", m.State())
	}
	m.Destroy()
	if m.State() != Destroyed {
		t.Fatalf("State() = %s, want DESTROYED", m.State())
	}
	m.Destroy() // idempotent
}

func TestStateDestroyBeforeWatch(t *testing.T) {
	drv := newMemoryDriver()
	m := newTestInstance(t, drv, nil)

	m.Destroy()
	if m.State() != Destroyed {
		t.Fatalf("State() = %s, want DESTROYED", m.State())
	}
	m.Watch() // no-op: Destroyed -> Running is not a valid transition
	if m.State() != Destroyed {
		t.Fatalf("State() = %s after Watch on a destroyed instance, want DESTROYED", m.State())
	}
}

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok        bool
	}{
		{Created, Running, true},
		{Created, Destroyed, true},
		{Running, Destroyed, true},
		{Running, Created, false},
		{Destroyed, Running, false},
		{Destroyed, Created, false},
	}
	for _, c := range cases {
		err := ValidateTransition(c.from, c.to)
		if (err == nil) != c.ok {
			t.Errorf("ValidateTransition(%s, %s) err=%v, want ok=%v", c.from, c.to, err, c.ok)
		}
	}
}

func TestWatchPolicyDrivenByScheduler(t *testing.T) {
	drv := newMemoryDriver()
	drv.registers[10] = 5
	six := uint8(6)
	m := newTestInstance(t, drv, []datamap.EntrySpec{
		{Unit: 1, Scope: regkey.InternalRegister, Address: 10, Type: regcodec.UInt16, Freq: &six},
	})
	defer m.Destroy()

	ch := m.Subscribe()
	defer m.Unsubscribe(ch)
	m.Watch()

	select {
	case ev := <-ch:
		if ev.Kind.String() == "" {
			t.Fatalf("unexpected empty event kind")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for any event from the scheduler")
	}
}
