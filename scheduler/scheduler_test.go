package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yarosdev/modbusdb/datamap"
	"github.com/yarosdev/modbusdb/events"
	"github.com/yarosdev/modbusdb/regcodec"
	"github.com/yarosdev/modbusdb/regkey"
	"github.com/yarosdev/modbusdb/transaction"
)

type countingRequester struct {
	calls int32
}

func (c *countingRequester) Request(ctx context.Context, typ transaction.Type, sel datamap.Select, body map[regkey.Key]float64, priority transaction.Priority, timeout time.Duration) (*transaction.Transaction, error) {
	atomic.AddInt32(&c.calls, 1)
	return nil, nil
}

func TestDivisorMapIsAnInvolution(t *testing.T) {
	m := divisorMap(12)
	for d, mirrored := range m {
		if m[mirrored] != d {
			t.Fatalf("divisorMap(12)[%d] = %d, but divisorMap(12)[%d] = %d, want %d", d, mirrored, mirrored, m[mirrored], d)
		}
	}
}

func TestS7FreqSixPolledSixTimesPerRound(t *testing.T) {
	six := uint8(6)
	dm, err := datamap.New([]datamap.EntrySpec{
		{Unit: 1, Scope: regkey.InternalRegister, Address: 10, Type: regcodec.UInt16, Freq: &six},
	}, nil)
	if err != nil {
		t.Fatalf("datamap.New: %v", err)
	}

	req := &countingRequester{}
	bus := events.New(zap.NewNop())
	defer bus.Stop()

	s := New(dm, req, bus, zap.NewNop(), 60*time.Second, 12, time.Second)

	for tick := 0; tick < s.roundSize; tick++ {
		s.runTick()
	}
	time.Sleep(50 * time.Millisecond) // let the fire-and-forget goroutines land

	if got := atomic.LoadInt32(&req.calls); got != 6 {
		t.Fatalf("poll requests over one round = %d, want 6", got)
	}
}

func TestFreqNotDividingRoundSizeIsNeverPolled(t *testing.T) {
	five := uint8(5)
	dm, err := datamap.New([]datamap.EntrySpec{
		{Unit: 1, Scope: regkey.InternalRegister, Address: 10, Type: regcodec.UInt16, Freq: &five},
	}, nil)
	if err != nil {
		t.Fatalf("datamap.New: %v", err)
	}

	req := &countingRequester{}
	bus := events.New(zap.NewNop())
	defer bus.Stop()

	s := New(dm, req, bus, zap.NewNop(), 60*time.Second, 12, time.Second)
	for tick := 0; tick < s.roundSize; tick++ {
		s.runTick()
	}
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&req.calls); got != 0 {
		t.Fatalf("poll requests for freq=5 with roundSize=12 = %d, want 0", got)
	}
}

func TestTickEventFiresAtStartOfEachTick(t *testing.T) {
	dm, err := datamap.New(nil, nil)
	if err != nil {
		t.Fatalf("datamap.New: %v", err)
	}
	req := &countingRequester{}
	bus := events.New(zap.NewNop())
	defer bus.Stop()

	ch := bus.Subscribe()
	s := New(dm, req, bus, zap.NewNop(), 60*time.Second, 12, time.Second)
	s.runTick()

	select {
	case ev := <-ch:
		if ev.Kind != events.Tick || ev.Tick.Tick != 0 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick event")
	}
}

func TestClamps(t *testing.T) {
	if got := ClampInterval(10 * time.Second); got != minInterval {
		t.Fatalf("ClampInterval(10s) = %v, want %v", got, minInterval)
	}
	if got := ClampInterval(time.Hour * 10); got != maxInterval {
		t.Fatalf("ClampInterval(10h) = %v, want %v", got, maxInterval)
	}
	if got := ClampRoundSize(1); got != minRoundSize {
		t.Fatalf("ClampRoundSize(1) = %d, want %d", got, minRoundSize)
	}
	if got := ClampRoundSize(1000); got != maxRoundSize {
		t.Fatalf("ClampRoundSize(1000) = %d, want %d", got, maxRoundSize)
	}
	if got := ClampTimeout(0); got != time.Second {
		t.Fatalf("ClampTimeout(0) = %v, want 1s", got)
	}
}
