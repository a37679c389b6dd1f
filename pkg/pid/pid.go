// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pid implements the fixed-point PID regulator run by each motor channel.
//
// Arithmetic follows a 32-bit integer target: every intermediate is computed in
// 64 bits and clamped to the int32 range, so overflow saturates instead of
// wrapping. Gains are scaled by 2^Downscale, and the integrator carries four
// extra fraction bits.
package pid

import "math"

// Limits of the regulator state, before scaling by Downscale
const (
	IntegratorMax = 10000 << 4
	DErrorMax     = 1000
)

// Saturation records which output limit the last update hit
type Saturation uint8

const (
	SaturationNone   Saturation = 0
	SaturationBottom Saturation = 1
	SaturationTop    Saturation = 2
)

// String returns the saturation name
func (s Saturation) String() string {
	switch s {
	case SaturationBottom:
		return "bottom"
	case SaturationTop:
		return "top"
	default:
		return "none"
	}
}

// noError marks that no previous error has been recorded
const noError = math.MaxInt32

// PID is one regulator. Gains and limits are set directly, state is private.
type PID struct {
	PGain     uint16
	IGain     uint16
	DGain     uint16
	Downscale uint8
	MaxOutput uint16

	saturation Saturation
	integrator int32
	prevError  int32
}

// New creates a regulator with zero gains and the given output limit
func New(maxOutput uint16) *PID {
	p := &PID{MaxOutput: maxOutput}
	p.Clear()
	return p
}

// Clear resets the integrator, the derivative history and the saturation
// state. It is called whenever the input signal changes meaning.
func (p *PID) Clear() {
	p.integrator = 0
	p.prevError = noError
	p.saturation = SaturationNone
}

// Saturation returns the limit hit by the last update
func (p *PID) Saturation() Saturation {
	return p.saturation
}

// Integrator returns the integrator, with its four fraction bits
func (p *PID) Integrator() int32 {
	return p.integrator
}

// Update computes the output for one control period
func (p *PID) Update(target, actual int32) int32 {
	err := clamp32(int64(target) - int64(actual))

	if p.prevError == noError {
		p.prevError = err
	}

	limit := shl(DErrorMax, p.Downscale)
	dErr := limit64(int64(err)-int64(p.prevError), -limit, limit)
	p.prevError = err

	// While saturated, the integrator only moves away from the limit. When the
	// error opposes the integrator it bleeds off eight times faster.
	var step int64
	switch {
	case (err < 0 && p.saturation == SaturationBottom) || (err > 0 && p.saturation == SaturationTop):
		step = 0
	case (err < 0 && p.integrator > 0) || (err > 0 && p.integrator < 0):
		step = clamp(int64(p.IGain) * int64(err))
		step = clamp(step << 3)
	default:
		step = clamp(int64(p.IGain) * int64(err))
	}
	integrator := clamp(int64(p.integrator) + step)
	limit = shl(IntegratorMax, p.Downscale)
	p.integrator = int32(limit64(integrator, -limit, limit))

	out := clamp(int64(p.PGain) * int64(err))
	out = clamp(out + clamp(int64(p.DGain)*dErr))
	out = clamp(out + int64(p.integrator>>4))
	out >>= p.Downscale

	max := int64(p.MaxOutput)
	switch {
	case out < -max:
		p.saturation = SaturationBottom
		out = -max
	case out > max:
		p.saturation = SaturationTop
		out = max
	default:
		p.saturation = SaturationNone
	}
	return int32(out)
}

// shl scales a limit by 2^n, saturating at the int32 range
func shl(v int64, n uint8) int64 {
	if n >= 32 {
		return math.MaxInt32
	}
	return clamp(v << n)
}

func clamp(v int64) int64 {
	return limit64(v, math.MinInt32, math.MaxInt32)
}

func clamp32(v int64) int32 {
	return int32(clamp(v))
}

func limit64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
