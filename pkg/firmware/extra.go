// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

// String returns the mode name
func (m ExtraMode) String() string {
	switch m {
	case ExtraOff:
		return "off"
	case ExtraSwitch:
		return "switch"
	case ExtraAnalog:
		return "analog"
	case ExtraServo:
		return "servo"
	default:
		return "invalid"
	}
}

// setExtraMode reconfigures the auxiliary pin of channel ch. The servo timer
// runs while either pin is in servo mode. Entering switch mode samples the pin
// and latches a notification carrying its level.
func (b *Board) setExtraMode(ch int, mode ExtraMode) {
	if mode > ExtraServo {
		return
	}

	notify := false
	b.guard.Do(func() {
		c := b.ch[ch]
		if c.extraMode == mode {
			return
		}
		c.extraMode = mode

		servo := b.ch[0].extraMode == ExtraServo || b.ch[1].extraMode == ExtraServo
		switch {
		case servo && !b.servoRunning:
			b.hal.SetServoTimer(b.servo.Reset())
			b.servoRunning = true
		case !servo && b.servoRunning:
			b.hal.SetServoTimer(0)
			b.servoRunning = false
		}

		b.hal.ConfigureExtraPin(ch, mode)
		switch mode {
		case ExtraSwitch:
			c.extraSwitch = b.hal.ExtraPin(ch)
			notify = true
		case ExtraServo:
			b.hal.SetExtraPin(ch, false)
		}
	})
	if notify {
		b.flags.Set(extraFlag(ch))
	}
}
