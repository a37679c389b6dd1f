// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package controller implements the per-channel control loop: target and actual
// histories, position, velocity and mixed control modes, streamed waypoint
// following and the motor-side state each channel drives.
package controller

import (
	"math"

	"github.com/Thermoquad/mcbstat/pkg/pid"
	"github.com/Thermoquad/mcbstat/pkg/ringbuf"
)

// FullPWM is the PWM count at 100% duty cycle
const FullPWM = 1100

// NoTarget leaves a target history untouched when written
const NoTarget int32 = math.MaxInt32

// History depths, in 32-bit values
const (
	TargetHistory         = 3
	DefaultActualHistory  = 5
	MinActualHistory      = 2
	MaxActualHistory      = 5
	bytesPerLong          = 4
	targetHistoryCapacity = TargetHistory * bytesPerLong
)

// Mode selects the control law
type Mode uint8

const (
	ModePosition Mode = 0
	ModeVelocity Mode = 1
	ModeMixed    Mode = 2
)

// Feedback selects the position sensor
type Feedback uint8

const (
	FeedbackEncoder Feedback = 0
	FeedbackPot     Feedback = 1
)

// Polarity flips the output sign when the sensor runs against the motor
type Polarity uint8

const (
	PolarityRegular Polarity = 0
	PolarityFlipped Polarity = 1
)

// Direction of the computed output
type Direction uint8

const (
	DirectionCW   Direction = 0
	DirectionCCW  Direction = 1
	DirectionNone Direction = 2
)

// String returns the direction name
func (d Direction) String() string {
	switch d {
	case DirectionCW:
		return "CW"
	case DirectionCCW:
		return "CCW"
	default:
		return "none"
	}
}

// Controller is the control state of one channel
type Controller struct {
	targets *ringbuf.Buffer
	actuals *ringbuf.Buffer

	// Pos regulates position, Vel regulates velocity
	Pos *pid.PID
	Vel *pid.PID

	Enabled             bool
	Initialized         bool
	NotifiedInitialized bool

	Mode      Mode
	Feedback  Feedback
	Polarity  Polarity
	Streaming bool

	CommandVel int32
	MaxVel     int32
	MaxAcc     int32
	MaxPWM     uint16

	ActualTickDiff int32
	Output         int32
	Direction      Direction
}

// New creates a disabled channel in position mode with potentiometer feedback
func New() *Controller {
	c := &Controller{
		targets:  ringbuf.New(targetHistoryCapacity),
		actuals:  ringbuf.New(MaxActualHistory * bytesPerLong),
		Pos:      pid.New(FullPWM),
		Vel:      pid.New(FullPWM),
		Mode:     ModePosition,
		Feedback: FeedbackPot,
		Polarity: PolarityRegular,
		MaxPWM:   FullPWM,
	}
	// Resize cannot fail for a depth within the capacity
	_ = c.actuals.Resize(DefaultActualHistory * bytesPerLong)
	c.Clear()
	return c
}

// Clear resets the regulators, both histories and the derived output. It runs
// whenever the meaning of the input signal changes.
func (c *Controller) Clear() {
	c.Output = 0
	c.Direction = DirectionCW
	c.CommandVel = 0
	c.Pos.Clear()
	c.Vel.Clear()
	c.targets.Reset()
	c.actuals.Reset()
}

// SetFeedback switches the position sensor
func (c *Controller) SetFeedback(f Feedback) {
	c.Feedback = f
	c.Clear()
}

// SetMode switches the control law and hands the PWM limit to the regulator
// that drives the output in that mode
func (c *Controller) SetMode(m Mode) {
	c.Mode = m
	c.applyMaxPWM()
	c.Clear()
}

// SetMaxPWM sets the PWM limit from a signed value, clamped to FullPWM
func (c *Controller) SetMaxPWM(v int32) {
	mag := int64(v)
	if mag < 0 {
		mag = -mag
	}
	if mag > FullPWM {
		mag = FullPWM
	}
	c.MaxPWM = uint16(mag)
	c.applyMaxPWM()
}

func (c *Controller) applyMaxPWM() {
	if c.Mode == ModePosition {
		c.Pos.MaxOutput = c.MaxPWM
	} else {
		c.Vel.MaxOutput = c.MaxPWM
	}
}

// HistoryDepth returns the actual history depth, the velocity estimation window
func (c *Controller) HistoryDepth() uint8 {
	return uint8(c.actuals.Size() / bytesPerLong)
}

// SetHistoryDepth clamps n to 2..5, resizes the actual history and empties it
func (c *Controller) SetHistoryDepth(n uint8) {
	if n < MinActualHistory {
		n = MinActualHistory
	}
	if n > MaxActualHistory {
		n = MaxActualHistory
	}
	_ = c.actuals.Resize(int(n) * bytesPerLong)
}

// PushTarget appends a target unless it is NoTarget
func (c *Controller) PushTarget(v int32) bool {
	if v == NoTarget {
		return false
	}
	c.targets.PushLong(v)
	return true
}

// LastTarget returns the most recently written target
func (c *Controller) LastTarget() int32 {
	return c.targets.PeekBackLong()
}

// Targets returns the buffered targets, oldest first
func (c *Controller) Targets() []int32 {
	n := c.targets.Len() / bytesPerLong
	out := make([]int32, n)
	for i := range out {
		out[i] = c.targets.PeekLongAt(i * bytesPerLong)
	}
	return out
}

// Actual selects the reading of the configured feedback sensor
func (c *Controller) Actual(pot, enc int32) int32 {
	if c.Feedback == FeedbackPot {
		return pot
	}
	return enc
}

// Update runs one control period. pot and enc are the current sensor readings.
func (c *Controller) Update(pot, enc int32) {
	actual := c.Actual(pot, enc)
	c.actuals.PushLong(actual)

	if c.targets.Len() < bytesPerLong || !c.actuals.Full() || !c.Initialized {
		c.Output = 0
		return
	}

	c.ActualTickDiff = sat32(int64(actual) - int64(c.actuals.PeekFrontLong()))

	desired := c.selectTarget(actual)

	switch c.Mode {
	case ModeVelocity:
		if c.MaxVel > 0 {
			if desired > 0 {
				c.CommandVel = sat32(int64(c.CommandVel) + min64(int64(desired)-int64(c.CommandVel), int64(c.MaxAcc)))
			} else {
				c.CommandVel = sat32(int64(c.CommandVel) + max64(int64(desired)-int64(c.CommandVel), -int64(c.MaxAcc)))
			}
			c.CommandVel = int32(limit64(int64(c.CommandVel), -int64(c.MaxVel), int64(c.MaxVel)))
			c.Output = c.Vel.Update(c.CommandVel, c.ActualTickDiff)
		} else {
			c.Output = c.Vel.Update(desired, c.ActualTickDiff)
		}

	case ModePosition:
		c.Output = c.Pos.Update(desired, actual)

	case ModeMixed:
		// Accelerate toward the velocity limit in the direction of the last output
		if c.Output >= 0 {
			c.CommandVel = sat32(int64(c.CommandVel) + min64(int64(c.MaxVel)-int64(c.CommandVel), int64(c.MaxAcc)))
		} else {
			c.CommandVel = sat32(int64(c.CommandVel) + max64(-int64(c.MaxVel)-int64(c.CommandVel), -int64(c.MaxAcc)))
		}
		// The commanded velocity bounds the position loop so it does not wind up
		// while the ramp is capped
		mag := int64(c.CommandVel)
		if mag < 0 {
			mag = -mag
		}
		c.Pos.MaxOutput = uint16(mag)

		velTarget := c.Pos.Update(desired, actual)
		c.Output = c.Vel.Update(velTarget, c.ActualTickDiff)
	}

	// Slow down toward intermediate waypoints
	if c.Streaming {
		c.Output >>= uint(targetHistoryCapacity - c.targets.Len())
	}

	if c.Polarity == PolarityFlipped {
		c.Output = -c.Output
	}

	switch {
	case c.Output < 0:
		c.Output = -c.Output
		c.Direction = DirectionCCW
	case c.Output > 0:
		c.Direction = DirectionCW
	default:
		c.Direction = DirectionNone
	}
}

// selectTarget returns the latest target, or when streaming the first waypoint
// the actual position has not yet crossed
func (c *Controller) selectTarget(actual int32) int32 {
	if !c.Streaming {
		return c.targets.PeekBackLong()
	}

	last := c.actuals.PeekLongAt(c.actuals.Len() - 2*bytesPerLong)
	desired := c.targets.PeekFrontLong()

	for c.targets.Len() > bytesPerLong {
		crossed := (actual >= desired && last <= desired) || (actual <= desired && last >= desired)
		if !crossed {
			break
		}
		c.targets.PopFrontLong()
		desired = c.targets.PeekFrontLong()
	}
	return desired
}

func sat32(v int64) int32 {
	return int32(limit64(v, math.MinInt32, math.MaxInt32))
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

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
