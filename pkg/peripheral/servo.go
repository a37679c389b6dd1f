// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package peripheral

import "time"

// ServoState is the position of the pulse generator in its frame
type ServoState uint8

const (
	ServoIdle ServoState = iota
	ServoStartA
	ServoLengthA
	ServoEndA
	ServoStartB
	ServoLengthB
	ServoEndB
	ServoLongWait1
	ServoLongWait2
)

var servoStateNames = [...]string{
	"idle", "start-a", "length-a", "end-a",
	"start-b", "length-b", "end-b", "long-wait-1", "long-wait-2",
}

// String returns the state name
func (s ServoState) String() string {
	if int(s) < len(servoStateNames) {
		return servoStateNames[s]
	}
	return "invalid"
}

// Servo frame timing. Every pulse is a fixed ServoShortWait followed by a
// variable part of up to 255 ticks of the pulse timer, and a frame ends with two
// long waits.
var (
	ServoShortWait = TimerDuration(256, 77+1)
	ServoLongWait  = TimerDuration(1024, 190+1)
)

// ServoPulseWait returns the variable part of a pulse for value v
func ServoPulseWait(v uint8) time.Duration {
	return TimerDuration(128, uint32(v)+1)
}

// ServoChannel is the view of one auxiliary pin the pulse generator needs
type ServoChannel struct {
	Enabled bool
	Value   uint8
}

// ServoPin drives auxiliary pin ch
type ServoPin func(ch int, high bool)

// Servo generates a pulse train on both auxiliary pins, one pin after the other
type Servo struct {
	state  ServoState
	active uint8
}

// State returns the current state
func (s *Servo) State() ServoState {
	return s.state
}

// Reset restarts the frame and returns the delay to the first tick
func (s *Servo) Reset() time.Duration {
	s.state = ServoIdle
	return ServoLongWait
}

// Tick runs on each timer expiry and returns the delay to the next one. It
// returns 0 when no pin is in servo mode, leaving the timer as it was.
func (s *Servo) Tick(ch [2]ServoChannel, pin ServoPin) time.Duration {
	if s.state == ServoIdle {
		switch {
		case ch[0].Enabled:
			s.state = ServoStartA
		case ch[1].Enabled:
			s.state = ServoStartB
		default:
			return 0
		}
	}

	for {
		switch s.state {
		case ServoStartA:
			s.active = ch[0].Value
			if ch[0].Enabled {
				pin(0, true)
			}
			s.state = ServoLengthA
			return ServoShortWait

		case ServoLengthA:
			s.state = ServoEndA
			if s.active != 0 {
				return ServoPulseWait(s.active)
			}

		case ServoEndA:
			if ch[0].Enabled {
				pin(0, false)
			}
			if ch[1].Enabled {
				s.state = ServoStartB
			} else {
				s.state = ServoLongWait1
			}

		case ServoStartB:
			s.active = ch[1].Value
			if ch[1].Enabled {
				pin(1, true)
			}
			s.state = ServoLengthB
			return ServoShortWait

		case ServoLengthB:
			s.state = ServoEndB
			if s.active != 0 {
				return ServoPulseWait(s.active)
			}

		case ServoEndB:
			if ch[1].Enabled {
				pin(1, false)
			}
			s.state = ServoLongWait1

		case ServoLongWait1:
			s.state = ServoLongWait2
			return ServoLongWait

		case ServoLongWait2:
			s.state = ServoIdle
			return ServoLongWait

		default:
			s.state = ServoIdle
			return ServoLongWait
		}
	}
}
