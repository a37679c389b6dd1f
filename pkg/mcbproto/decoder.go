// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcbproto

import (
	"errors"
	"fmt"
	"time"
)

// Decoder errors
var (
	ErrChecksum       = errors.New("checksum mismatch")
	ErrBufferOverflow = errors.New("buffer overflow")
	ErrShortFrame     = errors.New("frame too short")
)

// minFrameSize covers command, address and checksum
const minFrameSize = 3

// Decoder implements the receive state machine for bus frames.
// Bytes accumulate until a terminator; the last byte before it is the checksum.
type Decoder struct {
	buffer     []byte
	maxSize    int
	checksum   byte
	escapeNext bool
	rawBuffer  []byte // Accumulate raw bytes including framing
}

// NewDecoder creates a decoder accepting frames up to MaxFrameSize logical bytes
func NewDecoder() *Decoder {
	return NewDecoderSize(MaxFrameSize)
}

// NewDecoderSize creates a decoder with a custom logical size limit. Use
// BoardBufferSize to mirror the receive buffers of a board.
func NewDecoderSize(maxSize int) *Decoder {
	return &Decoder{
		buffer:    make([]byte, 0, maxSize),
		maxSize:   maxSize,
		rawBuffer: make([]byte, 0, maxSize*2),
	}
}

// Reset flushes the accumulated frame
func (d *Decoder) Reset() {
	d.buffer = d.buffer[:0]
	d.checksum = 0
	d.escapeNext = false
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the accumulated raw bytes since the last frame
func (d *Decoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// Pending returns the number of logical bytes accumulated for the current frame
func (d *Decoder) Pending() int {
	return len(d.buffer)
}

// DecodeByte processes a single byte through the decoder state machine
// Returns a completed packet, or nil if the frame is incomplete
// Returns an error if the frame was rejected; the decoder is then ready for the
// next frame
func (d *Decoder) DecodeByte(b byte) (*Packet, error) {
	d.rawBuffer = append(d.rawBuffer, b)

	if b == TerminatorByte {
		return d.finishFrame()
	}

	if b == EscapeByte {
		d.escapeNext = true
		return nil, nil
	}

	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	}

	if len(d.buffer) >= d.maxSize {
		d.Reset()
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrBufferOverflow, d.maxSize)
	}

	d.buffer = append(d.buffer, b)
	d.checksum += b
	return nil, nil
}

func (d *Decoder) finishFrame() (*Packet, error) {
	defer d.Reset()

	n := len(d.buffer)
	if n < minFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, n)
	}

	received := d.buffer[n-1]
	calculated := d.checksum - received
	if received != calculated {
		return nil, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksum, calculated, received)
	}

	data := d.buffer[:n-1]
	packet := &Packet{
		payload:   append([]byte(nil), data[:len(data)-2]...),
		command:   data[len(data)-2],
		address:   data[len(data)-1],
		checksum:  received,
		raw:       append([]byte(nil), d.rawBuffer...),
		timestamp: time.Now(),
	}
	return packet, nil
}
