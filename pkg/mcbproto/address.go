// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcbproto

const (
	topBit  = 0x80
	lowBits = 0x7F
)

// AddressByte packs a channel select and a 7-bit board id
func AddressByte(ch Channel, id uint8) byte {
	return byte(ch&1)<<7 | (id & lowBits)
}

// IDOf returns the board id of an address byte
func IDOf(addr byte) uint8 {
	return addr & lowBits
}

// ChannelOf returns the channel selected by an address byte
func ChannelOf(addr byte) Channel {
	return Channel(addr >> 7)
}

// CommandByte packs an opcode and the response-request flag
func CommandByte(op Opcode, request bool) byte {
	b := byte(op) & lowBits
	if request {
		b |= topBit
	}
	return b
}

// OpcodeOf returns the opcode of a command byte
func OpcodeOf(cmd byte) Opcode {
	return Opcode(cmd & lowBits)
}

// ResponseRequested reports whether the command byte asks for a reply
func ResponseRequested(cmd byte) bool {
	return cmd&topBit != 0
}
