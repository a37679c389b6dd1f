// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"time"

	"github.com/Thermoquad/mcbstat/pkg/controller"
	"github.com/Thermoquad/mcbstat/pkg/peripheral"
)

// ExtraMode is the function of a channel's auxiliary pin
type ExtraMode uint8

const (
	ExtraOff    ExtraMode = 0
	ExtraSwitch ExtraMode = 1
	ExtraAnalog ExtraMode = 2
	ExtraServo  ExtraMode = 3
)

// HAL is the hardware a Board drives. Methods are called from the main loop
// and from interrupt handlers and must not block.
//
// Operations that complete asynchronously report back through the Board's
// interrupt entry points: SendByte through TxComplete, StartConversion through
// ADCReady and SetServoTimer through ServoTick. Only SendByte may call back
// synchronously; the other methods can run inside a critical section.
type HAL interface {
	// SetTxEnable drives the bus transceiver's driver enable
	SetTxEnable(on bool)
	// SendByte starts transmitting one byte
	SendByte(b byte)

	// SetPWM sets the duty cycle of a channel, 0..FullPWM
	SetPWM(ch int, duty uint16)
	// SetDirection sets the bridge inputs of a channel
	SetDirection(ch int, d controller.Direction)

	// StartConversion starts an analog conversion on the given input
	StartConversion(in peripheral.AnalogInput)

	// SetLED drives the status LED
	SetLED(on bool)

	// ConfigureExtraPin sets up an auxiliary pin for a mode
	ConfigureExtraPin(ch int, mode ExtraMode)
	// ExtraPin reads the level of an auxiliary pin
	ExtraPin(ch int) bool
	// SetExtraPin drives an auxiliary pin configured as an output
	SetExtraPin(ch int, high bool)

	// SetServoTimer sets the period of the servo timer. Zero stops it.
	SetServoTimer(d time.Duration)
}
