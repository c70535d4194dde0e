package datamap

import (
	"fmt"
	"sort"

	"github.com/yarosdev/modbusdb/regcodec"
	"github.com/yarosdev/modbusdb/regkey"
)

// Datamap is the registry of declared entries and unit configs, plus the
// freq -> keys watch index derived from them. It is read-only after
// construction (§3 Lifecycle); no exported method mutates it.
type Datamap struct {
	entries map[regkey.Key]Entry
	units   map[uint8]UnitConfig
	watch   map[uint8][]regkey.Key
}

// New validates and assembles a Datamap from caller-declared entries and
// unit configs. Units referenced by an entry but not declared here get a
// DefaultUnitConfig (§4.4).
func New(specs []EntrySpec, unitSpecs []UnitConfig) (*Datamap, error) {
	units := make(map[uint8]UnitConfig, len(unitSpecs))
	for _, u := range unitSpecs {
		if u.MaxRequestSize < 1 {
			return nil, fmt.Errorf("datamap: unit %d: max_request_size must be >= 1, got %d: %w", u.Address, u.MaxRequestSize, regkey.ErrValidation)
		}
		if _, exists := units[u.Address]; exists {
			return nil, fmt.Errorf("datamap: unit %d declared more than once: %w", u.Address, regkey.ErrValidation)
		}
		units[u.Address] = u
	}

	entries := make(map[regkey.Key]Entry, len(specs))
	watch := make(map[uint8][]regkey.Key)

	for _, spec := range specs {
		entry, err := buildEntry(spec)
		if err != nil {
			return nil, err
		}

		if _, exists := entries[entry.Key]; exists {
			return nil, fmt.Errorf("datamap: key %d (unit=%d scope=%s address=%d bit=%d) declared more than once: %w",
				entry.Key, entry.Unit, entry.Scope, entry.Address, entry.Bit, regkey.ErrValidation)
		}
		entries[entry.Key] = entry

		if _, exists := units[entry.Unit]; !exists {
			units[entry.Unit] = DefaultUnitConfig(entry.Unit)
		}

		if entry.Freq > 0 {
			watch[entry.Freq] = append(watch[entry.Freq], entry.Key)
		}
	}

	for freq, keys := range watch {
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		watch[freq] = keys
	}

	return &Datamap{entries: entries, units: units, watch: watch}, nil
}

func buildEntry(spec EntrySpec) (Entry, error) {
	if spec.Scope.IsBitScope() {
		if spec.Type != regcodec.Bit {
			return Entry{}, fmt.Errorf("datamap: unit %d scope %s address %d: state scopes require type Bit, got %s: %w",
				spec.Unit, spec.Scope, spec.Address, spec.Type, regkey.ErrValidation)
		}
		if spec.Bit != 0 {
			return Entry{}, fmt.Errorf("datamap: unit %d scope %s address %d: state scopes require bit=0, got %d: %w",
				spec.Unit, spec.Scope, spec.Address, spec.Bit, regkey.ErrValidation)
		}
		if spec.Scale != nil {
			return Entry{}, fmt.Errorf("datamap: unit %d scope %s address %d: state scopes cannot declare scale: %w",
				spec.Unit, spec.Scope, spec.Address, regkey.ErrValidation)
		}
	} else {
		if spec.Type != regcodec.Bit && spec.Bit != 0 {
			return Entry{}, fmt.Errorf("datamap: unit %d scope %s address %d: non-Bit register entries require bit=0, got %d: %w",
				spec.Unit, spec.Scope, spec.Address, spec.Bit, regkey.ErrValidation)
		}
		if spec.Scale != nil {
			switch spec.Type {
			case regcodec.Int16, regcodec.UInt16, regcodec.Int32, regcodec.UInt32:
				if *spec.Scale > 3 {
					return Entry{}, fmt.Errorf("datamap: unit %d scope %s address %d: scale must be in [0,3], got %d: %w",
						spec.Unit, spec.Scope, spec.Address, *spec.Scale, regkey.ErrValidation)
				}
			default:
				return Entry{}, fmt.Errorf("datamap: unit %d scope %s address %d: scale only applies to integer register types, got %s: %w",
					spec.Unit, spec.Scope, spec.Address, spec.Type, regkey.ErrValidation)
			}
		}
	}

	if spec.Freq != nil && *spec.Freq > 60 {
		return Entry{}, fmt.Errorf("datamap: unit %d scope %s address %d: freq must be in [0,60], got %d: %w",
			spec.Unit, spec.Scope, spec.Address, *spec.Freq, regkey.ErrValidation)
	}

	key, err := regkey.Pack(spec.Unit, spec.Scope, spec.Address, spec.Bit)
	if err != nil {
		return Entry{}, fmt.Errorf("datamap: %w", err)
	}

	var scale uint8
	if spec.Scale != nil {
		scale = *spec.Scale
	}
	var freq uint8
	if spec.Freq != nil {
		freq = *spec.Freq
	}

	return Entry{
		Key:     key,
		Unit:    spec.Unit,
		Scope:   spec.Scope,
		Address: spec.Address,
		Bit:     spec.Bit,
		Type:    spec.Type,
		Scale:   scale,
		Freq:    freq,
	}, nil
}

// Lookup returns the entry declared at key, if any.
func (d *Datamap) Lookup(key regkey.Key) (Entry, bool) {
	e, ok := d.entries[key]
	return e, ok
}

// MustLookup is Lookup but returns an error instead of a bool, for callers
// that treat a missing entry as a hard invariant violation (§7).
func (d *Datamap) MustLookup(key regkey.Key) (Entry, error) {
	e, ok := d.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("datamap: no entry declared for key %d", key)
	}
	return e, nil
}

// Unit returns the unit config for address, if any.
func (d *Datamap) Unit(address uint8) (UnitConfig, bool) {
	u, ok := d.units[address]
	return u, ok
}

// WatchKeys returns the keys declared with the given freq, in ascending
// key order. An empty result is returned for freq=0 or an unused freq.
func (d *Datamap) WatchKeys(freq uint8) []regkey.Key {
	keys := d.watch[freq]
	out := make([]regkey.Key, len(keys))
	copy(out, keys)
	return out
}

// Freqs returns all freq values that have at least one watched key.
func (d *Datamap) Freqs() []uint8 {
	out := make([]uint8, 0, len(d.watch))
	for f := range d.watch {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of declared entries.
func (d *Datamap) Len() int {
	return len(d.entries)
}
