// Package tcpdriver is a reference driver.Driver implementation over
// Modbus TCP, the narrow transport the core deliberately excludes
// (§1). It frames requests with the MBAP header the way
// internal/modbus/frame.go does in the teacher, extended from its two
// function codes (3, 6) to the full set the Driver interface needs.
package tcpdriver

import (
	"encoding/binary"
	"fmt"
)

// frame is one Modbus TCP ADU: the 7-byte MBAP header plus the PDU
// (function code + data).
type frame struct {
	transactionID uint16
	protocolID    uint16
	unitID        uint8
	functionCode  uint8
	data          []byte
}

const (
	fcReadCoils              = 0x01
	fcReadDiscreteInputs     = 0x02
	fcReadHoldingRegisters   = 0x03
	fcReadInputRegisters     = 0x04
	fcWriteSingleCoil        = 0x05
	fcWriteSingleRegister    = 0x06
	fcWriteMultipleCoils     = 0x0F
	fcWriteMultipleRegisters = 0x10

	exceptionBit = 0x80
)

func (f *frame) encode() []byte {
	length := uint16(len(f.data) + 2) // unit id + function code
	buf := make([]byte, 7+1+len(f.data))
	binary.BigEndian.PutUint16(buf[0:2], f.transactionID)
	binary.BigEndian.PutUint16(buf[2:4], f.protocolID)
	binary.BigEndian.PutUint16(buf[4:6], length)
	buf[6] = f.unitID
	buf[7] = f.functionCode
	copy(buf[8:], f.data)
	return buf
}

func decodeFrame(buf []byte) (*frame, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("tcpdriver: frame too short (%d bytes)", len(buf))
	}
	f := &frame{
		transactionID: binary.BigEndian.Uint16(buf[0:2]),
		protocolID:    binary.BigEndian.Uint16(buf[2:4]),
		unitID:        buf[6],
		functionCode:  buf[7],
	}
	if f.protocolID != 0x0000 {
		return nil, fmt.Errorf("tcpdriver: invalid protocol id 0x%04x", f.protocolID)
	}
	if len(buf) > 8 {
		f.data = buf[8:]
	}
	if f.functionCode&exceptionBit != 0 {
		code := byte(0)
		if len(f.data) > 0 {
			code = f.data[0]
		}
		return nil, fmt.Errorf("tcpdriver: exception response, function 0x%02x code %d", f.functionCode&^exceptionBit, code)
	}
	return f, nil
}

func readRequest(unit uint8, fc uint8, address, quantity uint16) *frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return &frame{unitID: unit, functionCode: fc, data: data}
}

func writeSingleRequest(unit uint8, fc uint8, address, value uint16) *frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], value)
	return &frame{unitID: unit, functionCode: fc, data: data}
}

func writeMultipleRegistersRequest(unit uint8, address uint16, buf []byte) *frame {
	quantity := uint16(len(buf) / 2)
	data := make([]byte, 5+len(buf))
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	data[4] = byte(len(buf))
	copy(data[5:], buf)
	return &frame{unitID: unit, functionCode: fcWriteMultipleRegisters, data: data}
}

func writeMultipleCoilsRequest(unit uint8, address uint16, bits []bool) *frame {
	quantity := uint16(len(bits))
	byteCount := (len(bits) + 7) / 8
	data := make([]byte, 5+byteCount)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	data[4] = byte(byteCount)
	for i, b := range bits {
		if b {
			data[5+i/8] |= 1 << (uint(i) % 8)
		}
	}
	return &frame{unitID: unit, functionCode: fcWriteMultipleCoils, data: data}
}

// parseRegisters reads a fc3/4-style response body into 16-bit words.
func parseRegisters(data []byte) ([]uint16, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("tcpdriver: empty register response")
	}
	byteCount := int(data[0])
	if len(data) < byteCount+1 {
		return nil, fmt.Errorf("tcpdriver: incomplete register response")
	}
	regs := make([]uint16, byteCount/2)
	for i := range regs {
		off := 1 + i*2
		regs[i] = binary.BigEndian.Uint16(data[off : off+2])
	}
	return regs, nil
}

// parseBits reads a fc1/2-style response body into count 0/1 words, one
// per requested coil/discrete input.
func parseBits(data []byte, count int) ([]uint16, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("tcpdriver: empty bit response")
	}
	byteCount := int(data[0])
	if len(data) < byteCount+1 {
		return nil, fmt.Errorf("tcpdriver: incomplete bit response")
	}
	bits := make([]uint16, count)
	for i := 0; i < count; i++ {
		byteIdx := 1 + i/8
		if data[byteIdx]&(1<<(uint(i)%8)) != 0 {
			bits[i] = 1
		}
	}
	return bits, nil
}
