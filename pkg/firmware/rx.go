// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
	"github.com/Thermoquad/mcbstat/pkg/ringbuf"
)

// rxBuffers is the size of the receive pool. One buffer fills while the other
// waits for the main loop.
const rxBuffers = 2

// RxByte is the receive interrupt. It must be called from a single goroutine.
//
// Bytes accumulate unescaped in the current pool buffer. On a terminator the
// last byte is taken as the checksum of the rest: a match hands the buffer to
// the main loop and moves on to the next one, a mismatch flushes it.
func (b *Board) RxByte(v byte) {
	idx := b.rxIndex.Load()
	buf := b.rx[idx]

	switch {
	case v == mcbproto.TerminatorByte:
		b.rxEscape = false
		sum, ok := buf.PopBack()
		if !ok {
			// Terminator with nothing before it
			b.rxSum = 0
			return
		}
		b.rxSum -= sum
		if b.rxSum != sum {
			b.flags.Set(flagBadChecksum)
			buf.Reset()
			b.rxSum = 0
			return
		}

		next := (idx + 1) % rxBuffers
		b.rxIndex.Store(next)
		if next == b.pkgIndex.Load() {
			// The main loop has not released the buffer this overwrites
			b.flags.Set(flagPacketOverflow)
		}
		b.rx[next].Reset()
		b.rxSum = 0
		b.signal()
		return

	case v == mcbproto.EscapeByte:
		b.rxEscape = true
		return

	case b.rxEscape:
		v ^= mcbproto.EscXor
		b.rxEscape = false
	}

	if err := buf.PushBack(v); err != nil {
		buf.Reset()
		b.rxSum = 0
		b.flags.Set(flagBufferOverflow)
		return
	}
	b.rxSum += v
}

// packet returns the buffer awaiting processing, or nil
func (b *Board) packet() *ringbuf.Buffer {
	pkg := b.pkgIndex.Load()
	if b.rxIndex.Load() == pkg {
		return nil
	}
	return b.rx[pkg]
}

// releasePacket returns the processed buffer to the pool
func (b *Board) releasePacket() {
	pkg := b.pkgIndex.Load()
	b.rx[pkg].Reset()
	b.pkgIndex.Store((pkg + 1) % rxBuffers)
}
