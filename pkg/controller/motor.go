// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package controller

import (
	"math"

	"github.com/Thermoquad/mcbstat/pkg/critical"
)

// Slow start defaults
const (
	SlowEnableSteps    = 31
	DefaultStepPeriods = 30
)

// DirectionInvalid forces the first direction change through to the driver
const DirectionInvalid Direction = 99

// DirectionStop is the driver state with both bridge inputs released
const DirectionStop = DirectionNone

// Motor holds the sensor and actuator state of one channel
type Motor struct {
	ActualPot    int32
	MotorCurrent int32
	ActualEnc    int32

	// Encoder accumulates quadrature edges between control periods
	Encoder critical.Counter

	LastDirection Direction

	SlowEnableStep     uint8
	SlowEnableStepTime uint8
	SlowEnableCounter  uint8
}

// NewMotor creates a stopped motor with the default slow start timing
func NewMotor() *Motor {
	return &Motor{
		LastDirection:      DirectionInvalid,
		SlowEnableStepTime: DefaultStepPeriods,
		SlowEnableCounter:  DefaultStepPeriods,
	}
}

// ChangeDirection records d and reports whether the driver must be updated
func (m *Motor) ChangeDirection(d Direction) bool {
	if m.LastDirection == d {
		return false
	}
	m.LastDirection = d
	return true
}

// DrainEncoder moves the pending edge count into ActualEnc, saturating
func (m *Motor) DrainEncoder() {
	m.AddEncoderOffset(int32(m.Encoder.Drain()))
}

// AddEncoderOffset adds delta to ActualEnc, saturating at the int32 range
func (m *Motor) AddEncoderOffset(delta int32) {
	m.ActualEnc = sat32(int64(m.ActualEnc) + int64(delta))
}

// ArmSlowStart restarts the slow start ramp
func (m *Motor) ArmSlowStart() {
	m.SlowEnableStep = SlowEnableSteps
	m.SlowEnableCounter = m.SlowEnableStepTime
}

// ApplySlowStart reduces output by one 32nd per remaining step and advances the
// ramp by one control period
func (m *Motor) ApplySlowStart(output int32) int32 {
	if m.SlowEnableCounter == 0 || m.SlowEnableStep == 0 {
		return output
	}
	reduced := int64(output) - int64(output>>5)*int64(m.SlowEnableStep)
	m.SlowEnableCounter--
	if m.SlowEnableCounter == 0 {
		m.SlowEnableCounter = m.SlowEnableStepTime
		m.SlowEnableStep--
	}
	return int32(limit64(reduced, math.MinInt32, math.MaxInt32))
}
