// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package peripheral implements the board's timer-driven helpers: the status
// LED pattern generator, the servo pulse train on the auxiliary pins and the
// round-robin analog sampler.
package peripheral

import "fmt"

// LEDMode selects a status LED pattern
type LEDMode uint8

const (
	LEDAllOn  LEDMode = 0
	LEDBlink1 LEDMode = 1
	LEDBlink2 LEDMode = 2
	LEDBlink3 LEDMode = 3
	LEDPulse1 LEDMode = 4
	LEDPulse2 LEDMode = 5
	LEDPulse3 LEDMode = 6
	LEDPulse4 LEDMode = 7

	ledModeCount = 8
)

// A pattern is LEDStateCount states, each held for LEDTicksPerState control periods
const (
	LEDStateCount    = 16
	LEDTicksPerState = 12
)

var ledModeNames = [ledModeCount]string{
	"all-on", "blink-1", "blink-2", "blink-3",
	"pulse-1", "pulse-2", "pulse-3", "pulse-4",
}

// String returns the mode name
func (m LEDMode) String() string {
	if m < ledModeCount {
		return ledModeNames[m]
	}
	return fmt.Sprintf("led-mode-%d", uint8(m))
}

// LED is the pattern generator state. The zero value is solid on.
type LED struct {
	mode    LEDMode
	state   uint8
	counter uint8
}

// Mode returns the current pattern
func (l *LED) Mode() LEDMode {
	return l.mode
}

// SetMode restarts the pattern in mode m. Unknown modes and the current mode
// are ignored so repeated requests do not restart the pattern.
func (l *LED) SetMode(m LEDMode) {
	if m >= ledModeCount || m == l.mode {
		return
	}
	l.mode = m
	l.state = 0
	l.counter = 0
}

// Tick returns the LED level for this control period and advances the pattern
func (l *LED) Tick() bool {
	on := l.on()
	l.counter++
	if l.counter == LEDTicksPerState {
		l.counter = 0
		l.state = (l.state + 1) % LEDStateCount
	}
	return on
}

func (l *LED) on() bool {
	s := l.state
	switch l.mode {
	case LEDAllOn:
		return true
	case LEDBlink1:
		return (s>>3)%2 == 0
	case LEDBlink2:
		return (s>>2)%2 == 0
	case LEDBlink3:
		return (s>>1)%2 == 0
	case LEDPulse1:
		return s == 0
	case LEDPulse2:
		return s == 0 || s == 3
	case LEDPulse3:
		return s == 0 || s == 3 || s == 6
	case LEDPulse4:
		return s == 0 || s == 3 || s == 6 || s == 9
	}
	return false
}
