// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcbproto

import "fmt"

// Command builder functions create master Packets ready for encoding.
// Payload bytes are laid out so that a board popping fields from the end of
// the frame reads them in the order it expects.

// idHeader is the fixed pattern a board checks before accepting a new id
var idHeader = [...]byte{3, 2, 1}

// NewRead creates a read request for one channel parameter
func NewRead(id uint8, ch Channel, op Opcode) *Packet {
	return NewPacket(nil, CommandByte(op, true), AddressByte(ch, id))
}

// NewWrite creates a write for one channel parameter. The value is encoded per
// the opcode's data size. Use NewIDChange for OpID.
func NewWrite(id uint8, ch Channel, op Opcode, value int32) (*Packet, error) {
	if op == OpID {
		return nil, fmt.Errorf("use NewIDChange to write board ids")
	}
	size, ok := op.DataSize()
	if !ok {
		return nil, fmt.Errorf("unknown opcode %d", op)
	}

	w := payloadBuilder{}
	switch size {
	case SizeU08:
		w.putByte(byte(value))
	case SizeS32:
		w.putInt32(value)
	case SizeZero:
	default:
		return nil, fmt.Errorf("opcode %s carries %d bytes, use NewDualTarget", FormatOpcode(op), size)
	}
	return NewPacket(w.data, CommandByte(op, false), AddressByte(ch, id)), nil
}

// MustWrite is NewWrite that panics on error, for constant opcodes
func MustWrite(id uint8, ch Channel, op Opcode, value int32) *Packet {
	p, err := NewWrite(id, ch, op, value)
	if err != nil {
		panic(fmt.Sprintf("mcbproto: %v", err))
	}
	return p
}

// NewIDChange creates the guarded id write. The board checks the 1,2,3
// header before accepting newID and disables both channels either way.
func NewIDChange(id uint8, newID uint8) *Packet {
	w := payloadBuilder{}
	w.putByte(newID + 10)
	w.putByte(newID)
	for _, b := range idHeader {
		w.putByte(b)
	}
	return NewPacket(w.data, CommandByte(OpID, false), AddressByte(ChannelA, id))
}

// NewDualTarget creates a combined two-target command. The board pops target A
// first, so target B is written first. ch selects which channel a single-value
// reply describes. Pass NoTarget to leave a channel's target unchanged.
func NewDualTarget(id uint8, ch Channel, op Opcode, targetA, targetB int32) (*Packet, error) {
	if !op.IsDualTarget() {
		return nil, fmt.Errorf("opcode %s is not a dual-target command", FormatOpcode(op))
	}
	w := payloadBuilder{}
	w.putInt32(targetB)
	w.putInt32(targetA)
	return NewPacket(w.data, CommandByte(op, false), AddressByte(ch, id)), nil
}

// NewEmptyRequest creates a keep-alive that every board answers with an empty
// response
func NewEmptyRequest(id uint8, ch Channel) *Packet {
	return NewPacket(nil, CommandByte(OpEmptyResponse, false), AddressByte(ch, id))
}

// NewRequestMessage asks a board for a pending notification. The write form
// carries no reply of its own, so the board answers with its most urgent
// notification or an empty response.
func NewRequestMessage(id uint8, ch Channel) *Packet {
	return NewPacket(nil, CommandByte(OpRequestMessage, false), AddressByte(ch, id))
}

type payloadBuilder struct {
	data []byte
}

func (b *payloadBuilder) putByte(v byte) {
	b.data = append(b.data, v)
}

func (b *payloadBuilder) putInt32(v int32) {
	u := uint32(v)
	b.data = append(b.data, byte(u), byte(u>>8), byte(u>>16), byte(u>>24))
}
