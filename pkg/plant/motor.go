// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package plant simulates the hardware around a servo board: two brushed DC
// motors with quadrature encoders, potentiometers and current sense, the bus
// line, the status LED and the auxiliary pins. Hardware implements the board's
// HAL on top of the simulation and raises the board's interrupts.
package plant

import (
	"math"
	"time"

	"github.com/Thermoquad/mcbstat/pkg/controller"
)

// Converter range
const (
	ADCMax    = 1023
	PotCenter = 512
)

// MotorParams describe one simulated motor
type MotorParams struct {
	// MaxSpeed is the no-load speed at full duty, in encoder ticks per second
	MaxSpeed float64
	// TimeConstant is the mechanical time constant
	TimeConstant time.Duration
	// TicksPerPotCount relates encoder ticks to potentiometer counts
	TicksPerPotCount float64
	// StallCurrent is the current sense reading at full duty with the rotor
	// locked
	StallCurrent float64
	// Reversed swaps the motor leads, so clockwise drive decreases the position
	Reversed bool
}

// DefaultMotorParams returns a small gearmotor with a 10 turn potentiometer
func DefaultMotorParams() MotorParams {
	return MotorParams{
		MaxSpeed:         8000,
		TimeConstant:     50 * time.Millisecond,
		TicksPerPotCount: 16,
		StallCurrent:     600,
	}
}

// Motor is the state of one simulated motor. It is not safe for concurrent use.
type Motor struct {
	params MotorParams

	position float64
	velocity float64
	ticks    int64
	drive    float64
}

// NewMotor creates a motor at rest in the potentiometer's center position
func NewMotor(p MotorParams) *Motor {
	if p.TimeConstant <= 0 {
		p.TimeConstant = time.Millisecond
	}
	if p.TicksPerPotCount <= 0 {
		p.TicksPerPotCount = 1
	}
	return &Motor{params: p}
}

// Position returns the shaft position in encoder ticks
func (m *Motor) Position() float64 {
	return m.position
}

// Velocity returns the shaft speed in encoder ticks per second
func (m *Motor) Velocity() float64 {
	return m.velocity
}

// Ticks returns the number of whole encoder ticks the shaft has moved
func (m *Motor) Ticks() int64 {
	return m.ticks
}

// Drive returns the applied drive as a fraction of full duty, -1..1
func (m *Motor) Drive() float64 {
	return m.drive
}

// Step advances the motor by dt under the given bridge state and calls edge
// once per encoder tick crossed, with +1 or -1
func (m *Motor) Step(dt time.Duration, duty uint16, dir controller.Direction, edge func(delta int)) {
	drive := math.Min(float64(duty)/controller.FullPWM, 1)
	switch dir {
	case controller.DirectionCW:
	case controller.DirectionCCW:
		drive = -drive
	default:
		drive = 0
	}
	if m.params.Reversed {
		drive = -drive
	}
	m.drive = drive

	// First order response toward the steady state speed
	alpha := math.Min(dt.Seconds()/m.params.TimeConstant.Seconds(), 1)
	m.velocity += (drive*m.params.MaxSpeed - m.velocity) * alpha
	m.position += m.velocity * dt.Seconds()

	target := int64(math.Floor(m.position))
	for m.ticks < target {
		m.ticks++
		edge(1)
	}
	for m.ticks > target {
		m.ticks--
		edge(-1)
	}
}

// Pot returns the potentiometer reading, clamped to the converter range
func (m *Motor) Pot() uint16 {
	return clampADC(PotCenter + m.position/m.params.TicksPerPotCount)
}

// Current returns the current sense reading. The back EMF of a spinning motor
// opposes the drive.
func (m *Motor) Current() uint16 {
	emf := 0.0
	if m.params.MaxSpeed > 0 {
		emf = m.velocity / m.params.MaxSpeed
	}
	return clampADC(math.Abs(m.drive-emf) * m.params.StallCurrent)
}

func clampADC(v float64) uint16 {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= ADCMax:
		return ADCMax
	default:
		return uint16(v)
	}
}
