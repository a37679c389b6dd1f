// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package controller

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fill runs enough periods at a constant position to fill the actual history
func fill(c *Controller, pot, enc int32) {
	for i := 0; i < int(c.HistoryDepth()); i++ {
		c.Update(pot, enc)
	}
}

func TestDefaults(t *testing.T) {
	c := New()
	assert.False(t, c.Enabled)
	assert.False(t, c.Initialized)
	assert.Equal(t, ModePosition, c.Mode)
	assert.Equal(t, FeedbackPot, c.Feedback)
	assert.Equal(t, uint16(FullPWM), c.MaxPWM)
	assert.Equal(t, uint16(FullPWM), c.Pos.MaxOutput)
	assert.Equal(t, uint16(FullPWM), c.Vel.MaxOutput)
	assert.Equal(t, uint8(DefaultActualHistory), c.HistoryDepth())
	assert.Empty(t, c.Targets())
}

func TestAbortsWithoutPreconditions(t *testing.T) {
	c := New()
	c.Pos.PGain = 1

	// No target
	c.Initialized = true
	fill(c, 0, 0)
	assert.Equal(t, int32(0), c.Output)

	// Uninitialized
	c.Initialized = false
	c.PushTarget(100)
	fill(c, 0, 0)
	assert.Equal(t, int32(0), c.Output)

	// History not yet full after a clear
	c.Initialized = true
	c.Clear()
	c.PushTarget(100)
	for i := 0; i < DefaultActualHistory-1; i++ {
		c.Update(0, 0)
		assert.Equal(t, int32(0), c.Output)
	}
	c.Update(0, 0)
	assert.Equal(t, int32(100), c.Output)
	assert.Equal(t, DirectionCW, c.Direction)
}

func TestNoTargetIgnored(t *testing.T) {
	c := New()
	assert.True(t, c.PushTarget(5))
	assert.False(t, c.PushTarget(NoTarget))
	assert.Equal(t, []int32{5}, c.Targets())
	assert.Equal(t, int32(5), c.LastTarget())
}

func TestPositionUsesLatestTarget(t *testing.T) {
	c := New()
	c.Initialized = true
	c.Pos.PGain = 2
	c.PushTarget(10)
	c.PushTarget(-40)
	fill(c, 0, 0)
	assert.Equal(t, int32(80), c.Output)
	assert.Equal(t, DirectionCCW, c.Direction)
}

func TestEncoderFeedback(t *testing.T) {
	c := New()
	c.SetFeedback(FeedbackEncoder)
	c.Initialized = true
	c.Pos.PGain = 1
	c.PushTarget(100)
	fill(c, 1000, 40)
	assert.Equal(t, int32(60), c.Output)
}

func TestPolarityFlipped(t *testing.T) {
	c := New()
	c.Initialized = true
	c.Polarity = PolarityFlipped
	c.Pos.PGain = 1
	c.PushTarget(100)
	fill(c, 0, 0)
	assert.Equal(t, int32(100), c.Output)
	assert.Equal(t, DirectionCCW, c.Direction)
}

func TestZeroOutputHasNoDirection(t *testing.T) {
	c := New()
	c.Initialized = true
	c.Pos.PGain = 1
	c.PushTarget(7)
	fill(c, 7, 0)
	assert.Equal(t, int32(0), c.Output)
	assert.Equal(t, DirectionNone, c.Direction)
}

func TestVelocityEstimate(t *testing.T) {
	c := New()
	c.Initialized = true
	c.PushTarget(0)
	for _, pos := range []int32{0, 10, 20, 30, 40} {
		c.Update(pos, 0)
	}
	assert.Equal(t, int32(40), c.ActualTickDiff)

	c.Update(55, 0)
	assert.Equal(t, int32(45), c.ActualTickDiff)
}

// ============================================================================
// Streaming
// ============================================================================

func TestStreamingWaypointAdvance(t *testing.T) {
	c := New()
	c.Initialized = true
	c.Streaming = true
	c.Pos.PGain = 16
	for _, v := range []int32{10, 20, 30} {
		c.PushTarget(v)
	}

	fill(c, 0, 0)
	require.Equal(t, []int32{10, 20, 30}, c.Targets())
	// Full waypoint buffer: no attenuation
	assert.Equal(t, int32(160), c.Output)

	// Crossing 10 advances to 20 only
	c.Update(15, 0)
	require.Equal(t, []int32{20, 30}, c.Targets())
	assert.Equal(t, int32(80>>4), c.Output)

	// Short of 20: no advance
	c.Update(18, 0)
	assert.Equal(t, []int32{20, 30}, c.Targets())

	// Crossing 20 advances to the final waypoint, which is never popped
	c.Update(25, 0)
	assert.Equal(t, []int32{30}, c.Targets())
	c.Update(40, 0)
	assert.Equal(t, []int32{30}, c.Targets())
}

func TestStreamingLandingOnWaypoint(t *testing.T) {
	c := New()
	c.Initialized = true
	c.Streaming = true
	c.PushTarget(10)
	c.PushTarget(20)

	fill(c, 0, 0)
	// Reaching a waypoint exactly counts as crossing it
	c.Update(10, 0)
	assert.Equal(t, []int32{20}, c.Targets())
}

func TestStreamingBackwards(t *testing.T) {
	c := New()
	c.Initialized = true
	c.Streaming = true
	for _, v := range []int32{-10, -20, -30} {
		c.PushTarget(v)
	}
	fill(c, 0, 0)
	c.Update(-12, 0)
	assert.Equal(t, []int32{-20, -30}, c.Targets())
}

// ============================================================================
// Velocity and mixed modes
// ============================================================================

func TestVelocityRamp(t *testing.T) {
	c := New()
	c.SetMode(ModeVelocity)
	c.Initialized = true
	c.MaxVel = 100
	c.MaxAcc = 10
	c.Vel.PGain = 1
	c.PushTarget(500)

	fill(c, 0, 0)
	assert.Equal(t, int32(10), c.CommandVel)
	assert.Equal(t, int32(10), c.Output)

	for i := 0; i < 20; i++ {
		c.Update(0, 0)
	}
	assert.Equal(t, int32(100), c.CommandVel, "clamped to the velocity limit")
	assert.Equal(t, int32(100), c.Output)
}

func TestVelocityRampNegative(t *testing.T) {
	c := New()
	c.SetMode(ModeVelocity)
	c.Initialized = true
	c.MaxVel = 30
	c.MaxAcc = 4
	c.Vel.PGain = 1
	c.PushTarget(-500)

	fill(c, 0, 0)
	assert.Equal(t, int32(-4), c.CommandVel)
	assert.Equal(t, DirectionCCW, c.Direction)

	for i := 0; i < 20; i++ {
		c.Update(0, 0)
	}
	assert.Equal(t, int32(-30), c.CommandVel)
}

func TestVelocityWithoutLimit(t *testing.T) {
	c := New()
	c.SetMode(ModeVelocity)
	c.Initialized = true
	c.Vel.PGain = 1
	c.PushTarget(25)

	for _, pos := range []int32{0, 1, 2, 3, 4} {
		c.Update(pos, 0)
	}
	// Target velocity 25 ticks per window, measured 4
	assert.Equal(t, int32(21), c.Output)
	assert.Equal(t, int32(0), c.CommandVel)
}

func TestMixedCascade(t *testing.T) {
	c := New()
	c.SetMode(ModeMixed)
	c.Initialized = true
	c.MaxVel = 50
	c.MaxAcc = 5
	c.Pos.PGain = 1
	c.Vel.PGain = 1
	c.PushTarget(1000)

	fill(c, 0, 0)
	assert.Equal(t, int32(5), c.CommandVel)
	assert.Equal(t, uint16(5), c.Pos.MaxOutput)
	assert.Equal(t, int32(5), c.Output)

	for i := 0; i < 20; i++ {
		c.Update(0, 0)
	}
	assert.Equal(t, int32(50), c.CommandVel)
	assert.Equal(t, int32(50), c.Output)
}

// ============================================================================
// Configuration
// ============================================================================

func TestMaxPWM(t *testing.T) {
	c := New()
	c.SetMaxPWM(-500)
	assert.Equal(t, uint16(500), c.MaxPWM)
	assert.Equal(t, uint16(500), c.Pos.MaxOutput)
	assert.Equal(t, uint16(FullPWM), c.Vel.MaxOutput)

	c.SetMode(ModeVelocity)
	assert.Equal(t, uint16(500), c.Vel.MaxOutput)

	c.SetMaxPWM(math.MinInt32)
	assert.Equal(t, uint16(FullPWM), c.MaxPWM)
}

func TestHistoryDepth(t *testing.T) {
	c := New()
	c.SetHistoryDepth(9)
	assert.Equal(t, uint8(MaxActualHistory), c.HistoryDepth())
	c.SetHistoryDepth(0)
	assert.Equal(t, uint8(MinActualHistory), c.HistoryDepth())

	c.Initialized = true
	c.Pos.PGain = 1
	c.PushTarget(3)
	c.Update(0, 0)
	assert.Equal(t, int32(0), c.Output)
	c.Update(0, 0)
	assert.Equal(t, int32(3), c.Output)
}

func TestClearOnModeChange(t *testing.T) {
	c := New()
	c.Initialized = true
	c.Pos.PGain = 1
	c.Pos.IGain = 1
	c.PushTarget(100)
	fill(c, 0, 0)
	require.NotZero(t, c.Pos.Integrator())

	c.SetFeedback(FeedbackEncoder)
	assert.Empty(t, c.Targets())
	assert.Zero(t, c.Pos.Integrator())
	assert.Zero(t, c.Output)
}

// ============================================================================
// Motor
// ============================================================================

func TestSlowStart(t *testing.T) {
	m := NewMotor()
	assert.Equal(t, int32(320), m.ApplySlowStart(320), "disarmed ramp passes output through")

	m.ArmSlowStart()
	assert.Equal(t, int32(320-10*31), m.ApplySlowStart(320))
	for i := 1; i < DefaultStepPeriods; i++ {
		m.ApplySlowStart(320)
	}
	assert.Equal(t, uint8(30), m.SlowEnableStep)
	assert.Equal(t, int32(320-10*30), m.ApplySlowStart(320))

	// Runs out after every step has expired
	for i := 0; i < 31*DefaultStepPeriods; i++ {
		m.ApplySlowStart(320)
	}
	assert.Equal(t, uint8(0), m.SlowEnableStep)
	assert.Equal(t, int32(320), m.ApplySlowStart(320))
}

func TestChangeDirection(t *testing.T) {
	m := NewMotor()
	assert.True(t, m.ChangeDirection(DirectionStop))
	assert.False(t, m.ChangeDirection(DirectionStop))
	assert.True(t, m.ChangeDirection(DirectionCW))
}

func TestDrainEncoderSaturates(t *testing.T) {
	m := NewMotor()
	m.Encoder.Add(3)
	m.Encoder.Add(-1)
	m.DrainEncoder()
	assert.Equal(t, int32(2), m.ActualEnc)
	assert.Equal(t, int16(0), m.Encoder.Load())

	m.ActualEnc = math.MaxInt32 - 1
	m.Encoder.Add(5)
	m.DrainEncoder()
	assert.Equal(t, int32(math.MaxInt32), m.ActualEnc)

	m.AddEncoderOffset(math.MinInt32)
	m.AddEncoderOffset(math.MinInt32)
	assert.Equal(t, int32(math.MinInt32), m.ActualEnc)
}
