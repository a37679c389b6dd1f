// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullPWM = 1100

func TestProportional(t *testing.T) {
	p := New(fullPWM)
	p.PGain = 10
	assert.Equal(t, int32(1000), p.Update(100, 0))
	assert.Equal(t, SaturationNone, p.Saturation())
	assert.Equal(t, int32(-500), p.Update(0, 50))
}

func TestOutputLimits(t *testing.T) {
	p := New(fullPWM)
	p.PGain = 100

	assert.Equal(t, int32(fullPWM), p.Update(100, 0))
	assert.Equal(t, SaturationTop, p.Saturation())

	assert.Equal(t, int32(-fullPWM), p.Update(-100, 0))
	assert.Equal(t, SaturationBottom, p.Saturation())
}

func TestSaturationLockout(t *testing.T) {
	p := New(fullPWM)
	p.PGain = 100
	p.IGain = 1

	p.Update(100, 0)
	require.Equal(t, SaturationTop, p.Saturation())
	require.Equal(t, int32(100), p.Integrator())

	// Saturated at the top with a positive error: the integrator holds
	for i := 0; i < 10; i++ {
		p.Update(100, 0)
	}
	assert.Equal(t, int32(100), p.Integrator())

	// A negative error still integrates, at the bleed rate
	p.Update(0, 1)
	assert.Equal(t, int32(100-8), p.Integrator())
}

func TestIntegratorBleed(t *testing.T) {
	p := New(fullPWM)
	p.IGain = 2

	assert.Equal(t, int32(1), p.Update(10, 0))
	require.Equal(t, int32(20), p.Integrator())

	p.Update(0, 1)
	assert.Equal(t, int32(20-16), p.Integrator())
}

func TestIntegratorClamp(t *testing.T) {
	p := New(fullPWM)
	p.IGain = math.MaxUint16
	p.Update(1000000, 0)
	assert.Equal(t, int32(IntegratorMax), p.Integrator())

	p.Clear()
	p.Downscale = 2
	p.Update(-1000000, 0)
	assert.Equal(t, int32(-IntegratorMax<<2), p.Integrator())
}

func TestDerivativeClamp(t *testing.T) {
	p := New(fullPWM)
	p.DGain = 1

	// The first update has no history
	assert.Equal(t, int32(0), p.Update(0, 0))
	assert.Equal(t, int32(DErrorMax), p.Update(5000, 0))
	assert.Equal(t, int32(0), p.Update(5000, 0))
}

func TestDownscale(t *testing.T) {
	p := New(fullPWM)
	p.PGain = 64
	p.Downscale = 4
	assert.Equal(t, int32(40), p.Update(10, 0))

	p = New(fullPWM)
	p.PGain = 1
	p.Downscale = 1
	assert.Equal(t, int32(-2), p.Update(0, 3), "arithmetic shift rounds toward negative infinity")
}

func TestOverflowSaturates(t *testing.T) {
	p := New(math.MaxUint16)
	p.PGain = math.MaxUint16
	out := p.Update(math.MaxInt32, math.MinInt32)
	assert.Equal(t, int32(math.MaxUint16), out)
	assert.Equal(t, SaturationTop, p.Saturation())
}

func TestClear(t *testing.T) {
	p := New(fullPWM)
	p.PGain = 100
	p.IGain = 5
	p.Update(100, 0)
	p.Clear()

	assert.Equal(t, int32(0), p.Integrator())
	assert.Equal(t, SaturationNone, p.Saturation())
	assert.Equal(t, "none", p.Saturation().String())
}
