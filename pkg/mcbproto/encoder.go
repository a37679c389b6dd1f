// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcbproto

import "fmt"

// FrameWriter accumulates an escaped frame and its running checksum.
// Values are escaped as they are written, the checksum covers the logical bytes.
type FrameWriter struct {
	buf []byte
	sum byte
}

// NewFrameWriter creates an empty frame writer
func NewFrameWriter() *FrameWriter {
	return &FrameWriter{buf: make([]byte, 0, MaxFrameSize)}
}

// Reset discards the frame written so far
func (w *FrameWriter) Reset() {
	w.buf = w.buf[:0]
	w.sum = 0
}

// WriteByte escapes and appends one logical byte
func (w *FrameWriter) WriteByte(b byte) error {
	w.sum += b
	w.buf = appendEscaped(w.buf, b)
	return nil
}

// WriteInt32 appends a 32-bit value least significant byte first, the order
// a receiver popping from the end of the frame expects
func (w *FrameWriter) WriteInt32(v int32) {
	u := uint32(v)
	w.WriteByte(byte(u))
	w.WriteByte(byte(u >> 8))
	w.WriteByte(byte(u >> 16))
	w.WriteByte(byte(u >> 24))
}

// Len returns the number of wire bytes written so far
func (w *FrameWriter) Len() int {
	return len(w.buf)
}

// Finish appends the address byte, the checksum and a raw terminator and
// returns the wire bytes. The writer is reset afterwards.
func (w *FrameWriter) Finish(address byte) []byte {
	w.WriteByte(address)
	w.WriteByte(w.sum)
	w.buf = append(w.buf, TerminatorByte)

	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	w.Reset()
	return out
}

// EncodeFrame creates a complete wire frame from a logical payload, command byte
// and address byte
func EncodeFrame(payload []byte, command, address byte) []byte {
	w := NewFrameWriter()
	for _, b := range payload {
		w.WriteByte(b)
	}
	w.WriteByte(command)
	return w.Finish(address)
}

// EncodePacket encodes a Packet to wire format
func EncodePacket(p *Packet) []byte {
	return EncodeFrame(p.payload, p.command, p.address)
}

// EncodeMasterPacket encodes a Packet the way a bus master sends it: zero bytes
// are prepended until the wire frame reaches minSize. Boards parse from the end
// of a frame, so the padding is never interpreted.
func EncodeMasterPacket(p *Packet, minSize int) []byte {
	frame := EncodePacket(p)
	if len(frame) >= minSize {
		return frame
	}
	out := make([]byte, minSize-len(frame), minSize)
	return append(out, frame...)
}

func appendEscaped(dst []byte, b byte) []byte {
	if IsReserved(b) {
		return append(dst, EscapeByte, b^EscXor)
	}
	return append(dst, b)
}

// Escape applies byte escaping to logical data
func Escape(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		result = appendEscaped(result, b)
	}
	return result
}

// Unescape removes byte escaping. It is the inverse of Escape.
func Unescape(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b^EscXor)
			escapeNext = false
		} else if b == EscapeByte {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}

	return result, nil
}
