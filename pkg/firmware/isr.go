// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"github.com/golang/glog"

	"github.com/Thermoquad/mcbstat/pkg/controller"
	"github.com/Thermoquad/mcbstat/pkg/peripheral"
)

// EncoderEdge is the interrupt for an edge on encoder input A of channel ch.
// a and b are the levels of both inputs after the edge.
func (b *Board) EncoderEdge(ch int, a, bLevel bool) {
	if a == bLevel {
		b.ch[ch].motor.Encoder.Add(-1)
	} else {
		b.ch[ch].motor.Encoder.Add(1)
	}
}

// Fault is the bridge diagnostic interrupt. The channel is disabled, its bridge
// stopped and a fault notification latched.
func (b *Board) Fault(ch int) {
	led := peripheral.LEDPulse2
	if ch == 1 {
		led = peripheral.LEDPulse3
	}

	b.guard.Do(func() {
		c := b.ch[ch]
		c.ctrl.Enabled = false
		b.hal.SetPWM(ch, 0)
		b.hal.SetDirection(ch, controller.DirectionStop)
		c.motor.LastDirection = controller.DirectionStop
		b.led.SetMode(led)
	})
	b.flags.Set(faultFlag(ch))
	glog.Warningf("firmware: bridge fault on channel %d", ch)
}

// ADCReady is the conversion-complete interrupt
func (b *Board) ADCReady(value uint16) {
	b.adcValue.Store(uint32(value))
	b.adcReady.Store(true)
	b.signal()
}

// PinChange is the pin-change interrupt of the auxiliary pin of channel ch. In
// switch mode a level change latches an ExtraValue notification.
func (b *Board) PinChange(ch int, level bool) {
	changed := false
	b.guard.Do(func() {
		c := b.ch[ch]
		if c.extraMode != ExtraSwitch || c.extraSwitch == level {
			return
		}
		c.extraSwitch = level
		changed = true
	})
	if changed {
		b.flags.Set(extraFlag(ch))
	}
}

// ServoTick is the servo timer interrupt. It advances the pulse train and
// reprograms the timer for the next edge.
func (b *Board) ServoTick() {
	b.guard.Do(func() {
		var pins [2]peripheral.ServoChannel
		for i, c := range b.ch {
			pins[i] = peripheral.ServoChannel{
				Enabled: c.extraMode == ExtraServo,
				Value:   c.extraServo,
			}
		}
		if d := b.servo.Tick(pins, b.hal.SetExtraPin); d > 0 {
			b.hal.SetServoTimer(d)
		}
	})
}
