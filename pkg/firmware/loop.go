// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"github.com/golang/glog"

	"github.com/Thermoquad/mcbstat/pkg/controller"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
	"github.com/Thermoquad/mcbstat/pkg/peripheral"
)

// beginPeriod starts a control period. The id is read once, a number of periods
// after power-up.
func (b *Board) beginPeriod() {
	b.loopCount++
	if b.loopCount == b.cfg.IDReadLoop && b.id == idUnset {
		b.loadID()
	}
}

func (b *Board) loadID() {
	if b.ids == nil {
		b.id = mcbproto.InvalidID
	} else {
		b.id = b.ids.ReadID()
	}
	if b.id == mcbproto.InvalidID {
		glog.Warningf("firmware: no valid board id stored, answering as %d", b.id)
		return
	}
	glog.Infof("firmware: board id %d", b.id)
}

// drain services pending work until there is none left
func (b *Board) drain() {
	for b.service() {
	}
}

// service handles at most one conversion, one packet and one id change. It
// reports whether it did anything.
func (b *Board) service() bool {
	worked := false

	if b.adcReady.Swap(false) {
		b.handleConversion(uint16(b.adcValue.Load()))
		worked = true
	}

	if pkt := b.packet(); pkt != nil {
		b.processPacket(pkt)
		b.releasePacket()
		worked = true
	}

	if b.idChange {
		b.changeID()
		worked = true
	}
	return worked
}

// handleConversion accumulates a conversion result and starts the next one
// until the round is complete
func (b *Board) handleConversion(v uint16) {
	if b.sampler.Accumulate(v) {
		b.hal.StartConversion(b.sampler.Input())
	}
}

// endPeriod runs the control loop once the period has elapsed
func (b *Board) endPeriod() {
	b.checkTimeout()

	var on bool
	b.guard.Do(func() { on = b.led.Tick() })
	b.hal.SetLED(on)

	if b.sampler.Ready() {
		avg := b.sampler.Collect()
		for i, c := range b.ch {
			c.motor.ActualPot = avg[i].Pot
			c.motor.MotorCurrent = avg[i].Current
			c.extraAnalog = avg[i].Extra
		}
		b.hal.StartConversion(b.sampler.Input())
	}

	for i := range b.ch {
		b.driveChannel(i)
	}
	b.publishStatus()
}

// checkTimeout disables both channels once when no packet addressed to this
// board has arrived for timeoutPeriods periods. The timer only runs after a
// channel has been initialized.
func (b *Board) checkTimeout() {
	if b.timeout > timeoutPeriods && b.timeout != timeoutLatched {
		b.guard.Do(func() {
			for _, c := range b.ch {
				c.ctrl.Enabled = false
			}
		})
		b.flags.Set(flagTimeout)
		b.timeout = timeoutLatched
		glog.Warningf("firmware: board %d timed out, both channels disabled", b.id)
	}

	if b.timeout != timeoutLatched && (b.ch[0].ctrl.Initialized || b.ch[1].ctrl.Initialized) {
		b.timeout++
	}
}

// driveChannel updates the controller of one channel and applies its output
func (b *Board) driveChannel(i int) {
	c := b.ch[i]
	c.motor.DrainEncoder()
	c.ctrl.Update(c.motor.ActualPot, c.motor.ActualEnc)

	var enabled bool
	b.guard.Do(func() { enabled = c.ctrl.Enabled })
	if !enabled {
		b.setPWM(i, 0)
		return
	}

	switch c.ctrl.Direction {
	case controller.DirectionCW, controller.DirectionCCW:
		b.changeDirection(i, c.ctrl.Direction)
	}

	c.ctrl.Output = c.motor.ApplySlowStart(c.ctrl.Output)
	out := c.ctrl.Output
	switch {
	case out < 0:
		out = 0
	case out > controller.FullPWM:
		out = controller.FullPWM
	}
	b.setPWM(i, uint16(out))
}

func (b *Board) setPWM(ch int, duty uint16) {
	b.ch[ch].pwm = duty
	b.hal.SetPWM(ch, duty)
}

// changeDirection drives the bridge of a channel only when the direction
// actually changes
func (b *Board) changeDirection(ch int, d controller.Direction) {
	b.guard.Do(func() {
		if b.ch[ch].motor.ChangeDirection(d) {
			b.hal.SetDirection(ch, d)
		}
	})
}

func (b *Board) setLEDMode(m peripheral.LEDMode) {
	b.guard.Do(func() { b.led.SetMode(m) })
}
