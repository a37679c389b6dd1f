// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ringbuf implements the fixed-capacity byte ring used for board
// receive buffers, the transmit queue and the control histories.
//
// A Buffer has a capacity fixed at construction and a logical size that may be
// shrunk to narrow a history window. Bytes can be removed from either end.
// Histories use Put, which overwrites the oldest byte when full; queues use
// PushBack, which rejects bytes past capacity.
package ringbuf

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/mcbstat/pkg/critical"
)

// ErrFull is returned by PushBack when the buffer holds Size bytes
var ErrFull = errors.New("ring buffer full")

// Buffer is a byte ring with FIFO and LIFO removal
type Buffer struct {
	data   []byte
	size   int
	start  int
	length int
	guard  *critical.Guard
}

// New creates an unguarded buffer, for state owned by one context
func New(capacity int) *Buffer {
	return NewGuarded(capacity, nil)
}

// NewGuarded creates a buffer whose operations run inside g
func NewGuarded(capacity int, g *critical.Guard) *Buffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("ringbuf: invalid capacity %d", capacity))
	}
	return &Buffer{
		data:  make([]byte, capacity),
		size:  capacity,
		guard: g,
	}
}

func (b *Buffer) lock() critical.State {
	return b.guard.Disable()
}

func (b *Buffer) unlock(s critical.State) {
	b.guard.Restore(s)
}

// Capacity returns the storage size fixed at construction
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// Size returns the logical size
func (b *Buffer) Size() int {
	s := b.lock()
	defer b.unlock(s)
	return b.size
}

// Len returns the number of stored bytes
func (b *Buffer) Len() int {
	s := b.lock()
	defer b.unlock(s)
	return b.length
}

// Free returns the number of bytes that can be pushed before the buffer is full
func (b *Buffer) Free() int {
	s := b.lock()
	defer b.unlock(s)
	return b.size - b.length
}

// Full reports whether Len equals Size
func (b *Buffer) Full() bool {
	s := b.lock()
	defer b.unlock(s)
	return b.length == b.size
}

// Reset empties the buffer
func (b *Buffer) Reset() {
	s := b.lock()
	defer b.unlock(s)
	b.start = 0
	b.length = 0
}

// Resize sets the logical size and empties the buffer. n must not exceed the
// capacity.
func (b *Buffer) Resize(n int) error {
	if n <= 0 || n > len(b.data) {
		return fmt.Errorf("ringbuf: size %d outside 1..%d", n, len(b.data))
	}
	s := b.lock()
	defer b.unlock(s)
	b.size = n
	b.start = 0
	b.length = 0
	return nil
}

// PushBack appends v, or returns ErrFull
func (b *Buffer) PushBack(v byte) error {
	s := b.lock()
	defer b.unlock(s)
	if b.length == b.size {
		return ErrFull
	}
	b.put(v)
	return nil
}

// Put appends v, overwriting the oldest byte when full
func (b *Buffer) Put(v byte) {
	s := b.lock()
	defer b.unlock(s)
	b.put(v)
}

func (b *Buffer) put(v byte) {
	b.data[(b.start+b.length)%b.size] = v
	if b.length == b.size {
		b.start = (b.start + 1) % b.size
	} else {
		b.length++
	}
}

// PopFront removes and returns the oldest byte
func (b *Buffer) PopFront() (byte, bool) {
	s := b.lock()
	defer b.unlock(s)
	return b.popFront()
}

func (b *Buffer) popFront() (byte, bool) {
	if b.length == 0 {
		return 0, false
	}
	v := b.data[b.start]
	b.start = (b.start + 1) % b.size
	b.length--
	return v, true
}

// PopBack removes and returns the newest byte
func (b *Buffer) PopBack() (byte, bool) {
	s := b.lock()
	defer b.unlock(s)
	return b.popBack()
}

func (b *Buffer) popBack() (byte, bool) {
	if b.length == 0 {
		return 0, false
	}
	b.length--
	return b.data[(b.start+b.length)%b.size], true
}

// At returns the byte i positions after the oldest one
func (b *Buffer) At(i int) byte {
	s := b.lock()
	defer b.unlock(s)
	return b.peek(i)
}

func (b *Buffer) peek(i int) byte {
	return b.data[((b.start+i)%b.size+b.size)%b.size]
}

// Bytes returns a copy of the stored bytes, oldest first
func (b *Buffer) Bytes() []byte {
	s := b.lock()
	defer b.unlock(s)
	out := make([]byte, b.length)
	for i := range out {
		out[i] = b.peek(i)
	}
	return out
}
