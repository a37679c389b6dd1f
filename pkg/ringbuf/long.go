// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ringbuf

// Histories store 32-bit values most significant byte first, so a value at
// index i occupies bytes i..i+3.

// PushLong appends v big-endian, overwriting the oldest bytes when full
func (b *Buffer) PushLong(v int32) {
	s := b.lock()
	defer b.unlock(s)
	u := uint32(v)
	b.put(byte(u >> 24))
	b.put(byte(u >> 16))
	b.put(byte(u >> 8))
	b.put(byte(u))
}

// PeekLongAt returns the value stored at byte index i
func (b *Buffer) PeekLongAt(i int) int32 {
	s := b.lock()
	defer b.unlock(s)
	return b.peekLong(i)
}

func (b *Buffer) peekLong(i int) int32 {
	return int32(uint32(b.peek(i))<<24 | uint32(b.peek(i+1))<<16 |
		uint32(b.peek(i+2))<<8 | uint32(b.peek(i+3)))
}

// PeekFrontLong returns the oldest value
func (b *Buffer) PeekFrontLong() int32 {
	return b.PeekLongAt(0)
}

// PeekBackLong returns the newest value
func (b *Buffer) PeekBackLong() int32 {
	s := b.lock()
	defer b.unlock(s)
	return b.peekLong(b.length - 4)
}

// PopFrontLong removes and returns the oldest value. It returns 0 and false when
// fewer than four bytes are stored.
func (b *Buffer) PopFrontLong() (int32, bool) {
	s := b.lock()
	defer b.unlock(s)
	if b.length < 4 {
		return 0, false
	}
	v := b.peekLong(0)
	b.start = (b.start + 4) % b.size
	b.length -= 4
	return v, true
}

// PopBackLongReversed pops four bytes from the end and assembles them most
// significant first. A sender writing least significant byte first is read
// back unchanged. It returns 0 and false when fewer than four bytes are stored.
func (b *Buffer) PopBackLongReversed() (int32, bool) {
	s := b.lock()
	defer b.unlock(s)
	if b.length < 4 {
		return 0, false
	}
	var u uint32
	for i := 0; i < 4; i++ {
		v, _ := b.popBack()
		u = u<<8 | uint32(v)
	}
	return int32(u), true
}

// PushBackLongLE appends v least significant byte first, the order a receiver
// reading with PopBackLongReversed expects. It returns ErrFull without writing
// anything when fewer than four bytes are free.
func (b *Buffer) PushBackLongLE(v int32) error {
	s := b.lock()
	defer b.unlock(s)
	if b.size-b.length < 4 {
		return ErrFull
	}
	u := uint32(v)
	b.put(byte(u))
	b.put(byte(u >> 8))
	b.put(byte(u >> 16))
	b.put(byte(u >> 24))
	return nil
}
