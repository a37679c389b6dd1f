// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package peripheral

import "time"

// ClockHz is the board's CPU clock, the base of every timer
const ClockHz = 20000000

// ControlTimerPrescaler divides the clock for the control period timer
const ControlTimerPrescaler = 1024

// DefaultControlPeriod gives a control rate of about 100 Hz
const DefaultControlPeriod = 195

// TimerDuration returns the time a timer clocked at ClockHz/prescaler takes to
// count ticks
func TimerDuration(prescaler uint32, ticks uint32) time.Duration {
	return time.Duration(uint64(ticks) * uint64(prescaler) * uint64(time.Second) / ClockHz)
}

// ControlPeriod converts a control period register value into a duration
func ControlPeriod(period uint8) time.Duration {
	return TimerDuration(ControlTimerPrescaler, uint32(period))
}
