package datamap

import (
	"fmt"
	"sort"

	"github.com/yarosdev/modbusdb/regcodec"
	"github.com/yarosdev/modbusdb/regkey"
)

// Method distinguishes read from write Selects; it drives gap coalescing
// (only reads may bridge gaps, §4.4). The executor's single-vs-multi write
// decision does not consult it.
type Method uint8

const (
	Read Method = iota + 1
	Write
)

func (m Method) String() string {
	if m == Read {
		return "read"
	}
	return "write"
}

// Select is one planner-produced group of entries fit for a single wire
// request: same unit, same scope, address-sorted, span within the unit's
// max request size.
type Select struct {
	Method         Method
	Unit           uint8
	Scope          regkey.Scope
	Entries        []Entry
	BigEndian      bool
	SwapWords      bool
	ForceWriteMany bool
}

// SelectAll groups keys into the minimal ordered list of Selects per §4.4.
// keys need not be pre-sorted or unique; every key must be declared in d.
func (d *Datamap) SelectAll(method Method, keys []regkey.Key) ([]Select, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("datamap: SelectAll called with an empty key set: %w", regkey.ErrValidation)
	}

	entries := make([]Entry, 0, len(keys))
	seen := make(map[regkey.Key]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		e, err := d.MustLookup(k)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	var selects []Select
	var group []Entry
	var anchor, prev Entry

	flush := func() {
		if len(group) == 0 {
			return
		}
		unit, _ := d.Unit(anchor.Unit)
		selects = append(selects, Select{
			Method:         method,
			Unit:           anchor.Unit,
			Scope:          anchor.Scope,
			Entries:        group,
			BigEndian:      unit.BigEndian,
			SwapWords:      unit.SwapWords,
			ForceWriteMany: unit.ForceWriteMany,
		})
		group = nil
	}

	for _, entry := range entries {
		if len(group) == 0 {
			anchor = entry
			prev = entry
			group = append(group, entry)
			continue
		}

		unit, ok := d.Unit(anchor.Unit)
		if !ok {
			unit = DefaultUnitConfig(anchor.Unit)
		}

		if joins(unit, method, anchor, prev, entry) {
			group = append(group, entry)
			prev = entry
			continue
		}

		flush()
		anchor = entry
		prev = entry
		group = append(group, entry)
	}
	flush()

	return selects, nil
}

// joins reports whether entry may be appended to the group anchored at
// anchor with current tail prev, per the three conditions of §4.4 step 3.
func joins(unit UnitConfig, method Method, anchor, prev, entry Entry) bool {
	if entry.Unit != anchor.Unit || entry.Scope != anchor.Scope {
		return false
	}

	maxGap := 0
	if unit.RequestWithGaps && unit.MaxRequestSize > 2 && method == Read {
		maxGap = roundQuarter(unit.MaxRequestSize)
	}

	gap := int(entry.Address) - int(prev.Address) - regcodec.RegisterCount(prev.Type)
	if gap > maxGap {
		return false
	}

	span := int(entry.Address) - int(anchor.Address) + regcodec.RegisterCount(entry.Type)
	if span > unit.MaxRequestSize {
		return false
	}

	return true
}

// roundQuarter implements round(maxRequestSize * 0.25) with standard
// round-half-up semantics on non-negative integers.
func roundQuarter(maxRequestSize int) int {
	return (maxRequestSize + 2) / 4
}

// SelectOne invokes SelectAll with a single key and asserts exactly one
// Select results — a planner/executor invariant violation otherwise (§7).
func (d *Datamap) SelectOne(method Method, key regkey.Key) (Select, error) {
	selects, err := d.SelectAll(method, []regkey.Key{key})
	if err != nil {
		return Select{}, err
	}
	if len(selects) != 1 {
		return Select{}, fmt.Errorf("datamap: SelectOne(%d) produced %d selects, want 1", key, len(selects))
	}
	return selects[0], nil
}
