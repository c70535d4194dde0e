// Package driver declares the narrow seam between modbusdb and whatever
// moves bytes on the wire. modbusdb never frames RTU/TCP itself; it only
// calls through this interface, the consumer-supplied equivalent of the
// teacher's internal/modbus.Client but generalized to all eight Modbus
// read/write primitives the datamap needs (fc 1,2,3,4,5,6,15,16).
package driver

import "context"

// ReadResult is what a read operation returns: the raw response body
// (Buffer) alongside the decoded per-address values (Data) — 16-bit words
// for register reads, 0/1 for state reads. len(Data) must equal the
// requested count.
type ReadResult struct {
	Buffer []byte
	Data   []uint16
}

// Driver abstracts the eight Modbus operations modbusdb's executor needs.
// Implementations are expected to handle their own framing and connection
// management; any failure is surfaced to the caller as an opaque error —
// modbusdb treats all driver errors identically and wraps them into the
// failing Transaction.
type Driver interface {
	// ReadOutputStates reads count coils (fc 1) starting at address on unit.
	ReadOutputStates(ctx context.Context, unit uint8, address uint16, count uint16) (ReadResult, error)

	// ReadInputStates reads count discrete inputs (fc 2) starting at address on unit.
	ReadInputStates(ctx context.Context, unit uint8, address uint16, count uint16) (ReadResult, error)

	// ReadOutputRegisters reads count holding registers (fc 3) starting at address on unit.
	ReadOutputRegisters(ctx context.Context, unit uint8, address uint16, count uint16) (ReadResult, error)

	// ReadInputRegisters reads count input registers (fc 4) starting at address on unit.
	ReadInputRegisters(ctx context.Context, unit uint8, address uint16, count uint16) (ReadResult, error)

	// WriteState writes a single coil (fc 5); value must be 0 or 1.
	WriteState(ctx context.Context, unit uint8, address uint16, value uint16) error

	// WriteRegister writes a single holding register (fc 6); buf has length 2.
	WriteRegister(ctx context.Context, unit uint8, address uint16, buf []byte) error

	// WriteStates writes multiple coils (fc 15); one bool per coil.
	WriteStates(ctx context.Context, unit uint8, address uint16, bits []bool) error

	// WriteRegisters writes multiple holding registers (fc 16); buf is raw
	// register bytes, big-endian per-register, length a multiple of 2.
	WriteRegisters(ctx context.Context, unit uint8, address uint16, buf []byte) error
}
