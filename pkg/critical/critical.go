// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package critical provides the primitives shared between interrupt handlers
// and the main loop of a board: a critical-section guard, a latch word of
// one-shot flags and an accumulate-and-drain counter.
package critical

import (
	"sync"
	"sync/atomic"
)

// Guard emulates masking interrupts around a short critical section.
// A nil *Guard is valid and guards nothing, for state owned by a single context.
// Sections must not nest.
type Guard struct {
	mu   sync.Mutex
	held atomic.Bool
}

// State is returned by Disable and handed back to Restore
type State struct {
	g *Guard
}

// Disable enters the critical section
func (g *Guard) Disable() State {
	if g == nil {
		return State{}
	}
	g.mu.Lock()
	g.held.Store(true)
	return State{g: g}
}

// Restore leaves a critical section entered with Disable
func (g *Guard) Restore(s State) {
	if s.g == nil {
		return
	}
	s.g.held.Store(false)
	s.g.mu.Unlock()
}

// Do runs fn inside the critical section
func (g *Guard) Do(fn func()) {
	s := g.Disable()
	defer g.Restore(s)
	fn()
}

// Held reports whether some context is inside the critical section
func (g *Guard) Held() bool {
	return g != nil && g.held.Load()
}

// Flag is one bit of a Flags word
type Flag uint32

// Flags is a word of one-shot latches set by interrupt handlers and consumed by
// the main loop. Each flag is a single slot: setting it twice before it is
// consumed records one event.
type Flags struct {
	bits atomic.Uint32
}

// Set latches f
func (f *Flags) Set(flag Flag) {
	f.bits.Or(uint32(flag))
}

// Clear releases f
func (f *Flags) Clear(flag Flag) {
	f.bits.And(^uint32(flag))
}

// Has reports whether any bit of flag is latched
func (f *Flags) Has(flag Flag) bool {
	return f.bits.Load()&uint32(flag) != 0
}

// Take clears flag and reports whether it was latched
func (f *Flags) Take(flag Flag) bool {
	old := f.bits.And(^uint32(flag))
	return old&uint32(flag) != 0
}

// Load returns the whole word
func (f *Flags) Load() Flag {
	return Flag(f.bits.Load())
}

// Counter accumulates signed 16-bit deltas from an interrupt handler. The sum
// wraps like the hardware counter it stands in for.
type Counter struct {
	v atomic.Int32
}

// Add accumulates d
func (c *Counter) Add(d int16) {
	for {
		old := c.v.Load()
		next := int32(int16(old) + d)
		if c.v.CompareAndSwap(old, next) {
			return
		}
	}
}

// Drain returns the accumulated value and resets it to zero
func (c *Counter) Drain() int16 {
	return int16(c.v.Swap(0))
}

// Load returns the accumulated value without resetting it
func (c *Counter) Load() int16 {
	return int16(c.v.Load())
}
