package transaction

import (
	"errors"
	"testing"
	"time"

	"github.com/yarosdev/modbusdb/datamap"
	"github.com/yarosdev/modbusdb/regcodec"
	"github.com/yarosdev/modbusdb/regkey"
)

func sel(unit uint8, scope regkey.Scope, addrs ...uint16) datamap.Select {
	entries := make([]datamap.Entry, 0, len(addrs))
	for _, a := range addrs {
		k, _ := regkey.Pack(unit, scope, a, 0)
		entries = append(entries, datamap.Entry{Key: k, Unit: unit, Scope: scope, Address: a, Type: regcodec.UInt16})
	}
	return datamap.Select{Method: datamap.Read, Unit: unit, Scope: scope, Entries: entries}
}

func TestNewRejectsCrossUnitEntries(t *testing.T) {
	s := sel(1, regkey.InternalRegister, 1)
	s.Entries = append(s.Entries, datamap.Entry{Unit: 2, Scope: regkey.InternalRegister, Address: 2})
	if _, err := New(1, Read, s, nil, Normal, time.Second, time.Now()); !errors.Is(err, regkey.ErrValidation) {
		t.Fatalf("New with cross-unit entries = %v, want an error matching regkey.ErrValidation", err)
	}
}

func TestNewRejectsEmptySelect(t *testing.T) {
	if _, err := New(1, Read, datamap.Select{}, nil, Normal, time.Second, time.Now()); !errors.Is(err, regkey.ErrValidation) {
		t.Fatalf("New with an empty select = %v, want an error matching regkey.ErrValidation", err)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	tx, err := New(1, Read, sel(1, regkey.InternalRegister, 1), nil, Normal, time.Second, time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := time.Now()
	tx.Finish(Result{1: 42}, nil, false, first)
	if tx.State() != Done {
		t.Fatalf("state = %s, want DONE", tx.State())
	}
	if got := tx.Data()[1]; got != 42 {
		t.Fatalf("Data()[1] = %v, want 42", got)
	}

	later := first.Add(time.Hour)
	tx.Finish(Result{1: 99}, errors.New("ignored"), true, later)
	if got := tx.Data()[1]; got != 42 {
		t.Fatalf("second Finish call must be a no-op, got Data()[1] = %v", got)
	}
	if tx.Err() != nil {
		t.Fatalf("second Finish call must be a no-op, got Err() = %v", tx.Err())
	}
}

func TestDurationBeforeAndAfterFinish(t *testing.T) {
	start := time.Now()
	tx, err := New(1, Read, sel(1, regkey.InternalRegister, 1), nil, Normal, time.Second, start)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := start.Add(5 * time.Second)
	if d := tx.Duration(now); d != 5*time.Second {
		t.Fatalf("Duration before finish = %v, want 5s", d)
	}

	finishedAt := start.Add(2 * time.Second)
	tx.Finish(nil, nil, false, finishedAt)
	if d := tx.Duration(now); d != 2*time.Second {
		t.Fatalf("Duration after finish = %v, want 2s", d)
	}
}

func TestIsTimedOut(t *testing.T) {
	tx, err := New(1, Read, sel(1, regkey.InternalRegister, 1), nil, Low, time.Second, time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tx.Finish(nil, errors.New("deadline exceeded"), true, time.Now())
	if !tx.IsTimedOut() {
		t.Fatalf("IsTimedOut() = false, want true")
	}
}
