// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcbproto

import (
	"errors"
	"time"
)

// ErrFieldUnderflow is returned when a field is read past the start of a payload
var ErrFieldUnderflow = errors.New("field read past start of payload")

// Packet represents one logical frame: payload, command byte and address byte
type Packet struct {
	payload   []byte
	command   byte
	address   byte
	checksum  byte
	raw       []byte
	timestamp time.Time
}

// NewPacket creates a packet from its logical parts
func NewPacket(payload []byte, command, address byte) *Packet {
	p := &Packet{
		payload:   append([]byte(nil), payload...),
		command:   command,
		address:   address,
		timestamp: time.Now(),
	}
	p.checksum = CalculateChecksum(p.payload) + command + address
	return p
}

// Payload returns the logical payload bytes in arrival order
func (p *Packet) Payload() []byte {
	return p.payload
}

// Command returns the raw command byte
func (p *Packet) Command() byte {
	return p.command
}

// Address returns the raw address byte
func (p *Packet) Address() byte {
	return p.address
}

// Opcode returns the command's opcode
func (p *Packet) Opcode() Opcode {
	return OpcodeOf(p.command)
}

// ResponseRequested reports whether the command byte carries the request flag
func (p *Packet) ResponseRequested() bool {
	return ResponseRequested(p.command)
}

// BoardID returns the 7-bit board id of the address byte
func (p *Packet) BoardID() uint8 {
	return IDOf(p.address)
}

// Channel returns the channel selected by the address byte
func (p *Packet) Channel() Channel {
	return ChannelOf(p.address)
}

// Checksum returns the frame checksum
func (p *Packet) Checksum() byte {
	return p.checksum
}

// Raw returns the wire bytes the packet was decoded from, if any
func (p *Packet) Raw() []byte {
	return p.raw
}

// Timestamp returns when the packet was created or decoded
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// Fields returns a reader that consumes payload fields from the end
func (p *Packet) Fields() *FieldReader {
	return &FieldReader{data: p.payload}
}

// FieldReader consumes payload fields in reverse arrival order
type FieldReader struct {
	data []byte
}

// Remaining returns the number of unread payload bytes
func (r *FieldReader) Remaining() int {
	return len(r.data)
}

// Byte pops the last unread byte
func (r *FieldReader) Byte() (byte, error) {
	if len(r.data) == 0 {
		return 0, ErrFieldUnderflow
	}
	b := r.data[len(r.data)-1]
	r.data = r.data[:len(r.data)-1]
	return b, nil
}

// Int32 pops four bytes, most significant first
func (r *FieldReader) Int32() (int32, error) {
	if len(r.data) < 4 {
		return 0, ErrFieldUnderflow
	}
	var v uint32
	for i := 0; i < 4; i++ {
		b, _ := r.Byte()
		v = v<<8 | uint32(b)
	}
	return int32(v), nil
}
