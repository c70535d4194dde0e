package datamap

import (
	"github.com/yarosdev/modbusdb/regcodec"
	"github.com/yarosdev/modbusdb/regkey"
)

// EntrySpec is how a caller declares one addressable item. Unit, Scope,
// Address and Bit are packed into a Key by New; Scale and Freq are
// optional (nil means "not set").
type EntrySpec struct {
	Unit    uint8          `json:"unit"`
	Scope   regkey.Scope   `json:"scope"`
	Address uint16         `json:"address"`
	Bit     uint8          `json:"bit"`
	Type    regcodec.Type  `json:"type"`
	Scale   *uint8         `json:"scale,omitempty"`
	Freq    *uint8         `json:"freq,omitempty"`
}

// Entry is one declared row of the datamap, keyed by its packed Key.
// Entries are immutable once the Datamap is constructed.
type Entry struct {
	Key     regkey.Key
	Unit    uint8
	Scope   regkey.Scope
	Address uint16
	Bit     uint8
	Type    regcodec.Type
	Scale   uint8
	Freq    uint8
}

// UnitConfig declares per-unit wire limits and encoding options.
type UnitConfig struct {
	Address         uint8 `json:"address"`
	MaxRequestSize  int   `json:"max_request_size"`
	ForceWriteMany  bool  `json:"force_write_many"`
	BigEndian       bool  `json:"big_endian"`
	SwapWords       bool  `json:"swap_words"`
	RequestWithGaps bool  `json:"request_with_gaps"`
}

// DefaultUnitConfig is substituted for any unit referenced by an entry but
// never declared by the caller (§4.4). 125 registers is the conventional
// safe ceiling for a single Modbus PDU (2 + 2*125 = 252 bytes, under the
// 253-byte PDU budget every transport in the pack assumes).
func DefaultUnitConfig(address uint8) UnitConfig {
	return UnitConfig{
		Address:         address,
		MaxRequestSize:  125,
		ForceWriteMany:  false,
		BigEndian:       false,
		SwapWords:       false,
		RequestWithGaps: false,
	}
}
