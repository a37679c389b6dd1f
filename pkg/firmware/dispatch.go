// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"github.com/golang/glog"

	"github.com/Thermoquad/mcbstat/pkg/controller"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
	"github.com/Thermoquad/mcbstat/pkg/peripheral"
	"github.com/Thermoquad/mcbstat/pkg/ringbuf"
)

// request is one packet being dispatched. Fields are popped from the end of
// the packet, so they come out in reverse wire order.
type request struct {
	pkt *ringbuf.Buffer
	ch  int
	op  mcbproto.Opcode

	// override lets a pending notification replace the reply
	override bool
}

func (r *request) byte() byte {
	v, _ := r.pkt.PopBack()
	return v
}

func (r *request) int32() int32 {
	v, _ := r.pkt.PopBackLongReversed()
	return v
}

type handler func(b *Board, r *request)

// command holds the handlers of one opcode. A nil handler ignores the request.
type command struct {
	read  handler
	write handler
}

func (c command) defined() bool {
	return c.read != nil || c.write != nil
}

var commands [128]command

func init() {
	commands[mcbproto.OpID] = command{read: readID, write: writeID}
	commands[mcbproto.OpEnable] = command{read: readEnable, write: writeEnable}
	commands[mcbproto.OpTargetTick] = command{read: readTarget, write: writeTarget}
	commands[mcbproto.OpControlPeriod] = command{read: readControlPeriod, write: writeControlPeriod}
	commands[mcbproto.OpEmptyResponse] = command{read: emptyResponse, write: emptyResponse}
	commands[mcbproto.OpRequestMessage] = command{read: emptyResponse}
	commands[mcbproto.OpExtraMode] = command{read: readExtraMode, write: writeExtraMode}
	commands[mcbproto.OpExtraValue] = command{read: readExtraValue, write: writeExtraValue}

	for _, op := range []mcbproto.Opcode{
		mcbproto.Op2TargetMotorCurrent, mcbproto.Op2TargetActual, mcbproto.Op2TargetVelocity,
		mcbproto.Op2TargetPot, mcbproto.Op2TargetEncoder, mcbproto.Op2Target2Actual,
		mcbproto.Op2Target2Velocity, mcbproto.Op2Target2MotorCurrent, mcbproto.Op2Target2Pot,
		mcbproto.Op2Target2Encoder,
	} {
		commands[op] = command{read: dualTarget, write: dualTarget}
	}

	// Gains
	commands[mcbproto.OpPosPGain] = gainParam(func(c *channel) *uint16 { return &c.ctrl.Pos.PGain })
	commands[mcbproto.OpPosIGain] = gainParam(func(c *channel) *uint16 { return &c.ctrl.Pos.IGain })
	commands[mcbproto.OpPosDGain] = gainParam(func(c *channel) *uint16 { return &c.ctrl.Pos.DGain })
	commands[mcbproto.OpVelPGain] = gainParam(func(c *channel) *uint16 { return &c.ctrl.Vel.PGain })
	commands[mcbproto.OpVelIGain] = gainParam(func(c *channel) *uint16 { return &c.ctrl.Vel.IGain })
	commands[mcbproto.OpVelDGain] = gainParam(func(c *channel) *uint16 { return &c.ctrl.Vel.DGain })

	// Limits
	commands[mcbproto.OpMaxVelocity] = int32Param(
		func(c *channel) int32 { return c.ctrl.MaxVel },
		func(c *channel, v int32) { c.ctrl.MaxVel = v })
	commands[mcbproto.OpMaxAcceleration] = int32Param(
		func(c *channel) int32 { return c.ctrl.MaxAcc },
		func(c *channel, v int32) { c.ctrl.MaxAcc = v })
	commands[mcbproto.OpMaxPwmDutyCycle] = int32Param(
		func(c *channel) int32 { return int32(c.ctrl.MaxPWM) },
		func(c *channel, v int32) { c.ctrl.SetMaxPWM(v) })

	// Modes
	commands[mcbproto.OpPolarity] = byteParam(
		func(c *channel) byte { return byte(c.ctrl.Polarity) },
		func(c *channel, v byte) { c.ctrl.Polarity = controller.Polarity(v) })
	commands[mcbproto.OpFeedbackMode] = byteParam(
		func(c *channel) byte { return byte(c.ctrl.Feedback) },
		func(c *channel, v byte) { c.ctrl.SetFeedback(controller.Feedback(v)) })
	commands[mcbproto.OpControlMode] = byteParam(
		func(c *channel) byte { return byte(c.ctrl.Mode) },
		func(c *channel, v byte) { c.ctrl.SetMode(controller.Mode(v)) })
	commands[mcbproto.OpStreamMode] = byteParam(
		func(c *channel) byte { return boolByte(c.ctrl.Streaming) },
		func(c *channel, v byte) { c.ctrl.Streaming = v == 1 })
	commands[mcbproto.OpPosDownscale] = byteParam(
		func(c *channel) byte { return c.ctrl.Pos.Downscale },
		func(c *channel, v byte) { c.ctrl.Pos.Downscale = v })
	commands[mcbproto.OpVelDownscale] = byteParam(
		func(c *channel) byte { return c.ctrl.Vel.Downscale },
		func(c *channel, v byte) { c.ctrl.Vel.Downscale = v })
	commands[mcbproto.OpVelTimeDelta] = byteParam(
		func(c *channel) byte { return c.ctrl.HistoryDepth() },
		func(c *channel, v byte) { c.ctrl.SetHistoryDepth(v) })
	commands[mcbproto.OpSlowEnableTime] = byteParam(
		func(c *channel) byte { return c.motor.SlowEnableStepTime },
		func(c *channel, v byte) { c.motor.SlowEnableStepTime = v })

	// Position
	commands[mcbproto.OpActualTick] = int32Param(
		func(c *channel) int32 { return c.ctrl.Actual(c.motor.ActualPot, c.motor.ActualEnc) },
		setEncoder)
	commands[mcbproto.OpEncoderValue] = int32Param(
		func(c *channel) int32 { return c.motor.ActualEnc },
		setEncoder)
	commands[mcbproto.OpOffsetEncoderTick] = command{
		read:  func(*Board, *request) {},
		write: offsetEncoder,
	}

	// Read only
	commands[mcbproto.OpMotorCurrent] = int32Param(func(c *channel) int32 { return c.motor.MotorCurrent }, nil)
	commands[mcbproto.OpActualVelocity] = int32Param(func(c *channel) int32 { return c.ctrl.ActualTickDiff }, nil)
	commands[mcbproto.OpPidOutput] = int32Param(func(c *channel) int32 { return c.ctrl.Output }, nil)
	commands[mcbproto.OpPotValue] = int32Param(func(c *channel) int32 { return c.motor.ActualPot }, nil)
	commands[mcbproto.OpIComponent] = int32Param(func(c *channel) int32 { return c.ctrl.Pos.Integrator() }, nil)
	commands[mcbproto.OpSaturation] = byteParam(func(c *channel) byte { return byte(c.ctrl.Pos.Saturation()) }, nil)
	commands[mcbproto.OpFirmwareVersion] = int32Param(func(*channel) int32 { return mcbproto.FirmwareVersion }, nil)
}

// processPacket dispatches the packet at the head of the receive pool
func (b *Board) processPacket(pkt *ringbuf.Buffer) {
	addr, _ := pkt.PopBack()
	id := mcbproto.IDOf(addr)
	if id != b.id && id != mcbproto.BroadcastID {
		return
	}

	if !b.received {
		b.received = true
		b.setLEDMode(peripheral.LEDBlink1)
	}
	if id == b.id {
		b.timeout = 0
	}

	cmdByte, _ := pkt.PopBack()
	r := &request{
		pkt: pkt,
		ch:  int(mcbproto.ChannelOf(addr)),
		op:  mcbproto.OpcodeOf(cmdByte),
	}
	read := mcbproto.ResponseRequested(cmdByte)

	if glog.V(2) {
		glog.Infof("firmware: rx %s ch=%d read=%v payload=%d", mcbproto.FormatOpcode(r.op), r.ch, read, pkt.Len())
	}

	b.reply.Reset()
	cmd := commands[r.op]
	switch {
	case !cmd.defined():
		b.putError(mcbproto.ErrCodeBadCommand, byte(r.op))
	case read && cmd.read != nil:
		cmd.read(b, r)
	case !read && cmd.write != nil:
		cmd.write(b, r)
	}

	ch := r.ch
	if r.override || (b.reply.Len() == 0 && r.op != mcbproto.OpID) {
		ch = b.notify(ch)
	}
	if b.reply.Len() == 0 && r.op != mcbproto.OpID {
		b.putOp(mcbproto.OpEmptyResponse)
	}
	b.sendReply(ch)
}

// ============================================================================
// Parameter helpers
// ============================================================================

func int32Param(get func(*channel) int32, set func(*channel, int32)) command {
	cmd := command{
		read: func(b *Board, r *request) {
			b.putInt32(get(b.ch[r.ch]))
			b.putOp(r.op)
		},
	}
	if set != nil {
		cmd.write = func(b *Board, r *request) {
			set(b.ch[r.ch], r.int32())
		}
	}
	return cmd
}

func byteParam(get func(*channel) byte, set func(*channel, byte)) command {
	cmd := command{
		read: func(b *Board, r *request) {
			b.put(get(b.ch[r.ch]))
			b.putOp(r.op)
		},
	}
	if set != nil {
		cmd.write = func(b *Board, r *request) {
			set(b.ch[r.ch], r.byte())
		}
	}
	return cmd
}

// gainParam reads a gain as a 32-bit value and stores the low 16 bits of a write
func gainParam(field func(*channel) *uint16) command {
	return int32Param(
		func(c *channel) int32 { return int32(*field(c)) },
		func(c *channel, v int32) { *field(c) = uint16(v) })
}

func setEncoder(c *channel, v int32) {
	c.motor.ActualEnc = v
	c.ctrl.Clear()
}

func offsetEncoder(b *Board, r *request) {
	c := b.ch[r.ch]
	c.motor.AddEncoderOffset(r.int32())
	c.ctrl.Clear()
}

// ============================================================================
// Handlers
// ============================================================================

func readID(b *Board, r *request) {
	b.put(b.id)
	b.putOp(r.op)
}

// writeID accepts a new id only behind the 1, 2, 3 header. Either way both
// channels are disabled, and each one that was running reports it.
func writeID(b *Board, r *request) {
	var bad byte
	for _, want := range []byte{1, 2, 3} {
		if r.byte() != want {
			bad = 1
		}
	}
	newID := r.byte()

	if bad == 0 {
		b.idChange = true
		b.newID = newID
	} else {
		b.putError(mcbproto.ErrCodeBadIDPacket, bad)
	}

	for i, c := range b.ch {
		var was bool
		b.guard.Do(func() {
			was = c.ctrl.Enabled
			c.ctrl.Enabled = false
		})
		if was {
			b.putError(mcbproto.ErrCodeSetParamDuringEnable, byte(i))
		}
	}
}

// changeID stores a pending id change and adopts the id once it reads back
func (b *Board) changeID() {
	b.idChange = false
	if b.ids == nil {
		b.id = b.newID
		return
	}
	if b.ids.WriteID(b.newID) {
		glog.Infof("firmware: board id changed from %d to %d", b.id, b.newID)
		b.id = b.newID
		return
	}
	glog.Errorf("firmware: failed to store board id %d", b.newID)
}

func readEnable(b *Board, r *request) {
	var on bool
	b.guard.Do(func() { on = b.ch[r.ch].ctrl.Enabled })
	b.put(boolByte(on))
	b.putOp(r.op)
}

// writeEnable arms the slow start and clears the controller on a rising
// enable. Enabling marks the channel initialized.
func writeEnable(b *Board, r *request) {
	v := r.byte()
	c := b.ch[r.ch]

	var was bool
	b.guard.Do(func() { was = c.ctrl.Enabled })
	if !was && v == 1 {
		c.motor.ArmSlowStart()
		c.ctrl.Clear()
	}
	c.ctrl.Initialized = true

	b.guard.Do(func() {
		c.ctrl.Enabled = v == 1
		a, bb := b.ch[0].ctrl.Enabled, b.ch[1].ctrl.Enabled
		switch {
		case a && bb:
			b.led.SetMode(peripheral.LEDBlink3)
		case a || bb:
			b.led.SetMode(peripheral.LEDBlink2)
		default:
			b.led.SetMode(peripheral.LEDBlink1)
		}
	})
}

func readTarget(b *Board, r *request) {
	b.putInt32(b.ch[r.ch].ctrl.LastTarget())
	b.putOp(r.op)
}

func writeTarget(b *Board, r *request) {
	b.notifyUninitialized(r.ch)
	b.ch[r.ch].ctrl.PushTarget(r.int32())
}

// dualTarget sets the targets of both channels and replies with the value the
// opcode selects. A pending notification may replace the reply.
func dualTarget(b *Board, r *request) {
	r.override = true
	for i, c := range b.ch {
		c.ctrl.PushTarget(r.int32())
		b.notifyUninitialized(i)
	}

	actual := func(c *channel) int32 {
		if !c.ctrl.Initialized {
			return mcbproto.NoTarget
		}
		return c.ctrl.Actual(c.motor.ActualPot, c.motor.ActualEnc)
	}
	// Both-channel replies are staged channel B first so channel A is read first
	both := func(get func(*channel) int32) {
		b.putInt32(get(b.ch[1]))
		b.putInt32(get(b.ch[0]))
	}
	c := b.ch[r.ch]

	switch r.op {
	case mcbproto.Op2TargetActual:
		b.putInt32(actual(c))
	case mcbproto.Op2TargetMotorCurrent:
		b.putInt32(c.motor.MotorCurrent)
	case mcbproto.Op2TargetVelocity:
		b.putInt32(c.ctrl.ActualTickDiff)
	case mcbproto.Op2TargetPot:
		b.putInt32(c.motor.ActualPot)
	case mcbproto.Op2TargetEncoder:
		b.putInt32(c.motor.ActualEnc)
	case mcbproto.Op2Target2Actual:
		both(actual)
	case mcbproto.Op2Target2Velocity:
		both(func(c *channel) int32 { return c.ctrl.ActualTickDiff })
	case mcbproto.Op2Target2MotorCurrent:
		both(func(c *channel) int32 { return c.motor.MotorCurrent })
	case mcbproto.Op2Target2Pot:
		both(func(c *channel) int32 { return c.motor.ActualPot })
	case mcbproto.Op2Target2Encoder:
		both(func(c *channel) int32 { return c.motor.ActualEnc })
	}
	b.putOp(r.op)
}

func readControlPeriod(b *Board, r *request) {
	b.put(b.period)
	b.putOp(r.op)
}

func writeControlPeriod(b *Board, r *request) {
	b.period = r.byte()
}

func emptyResponse(b *Board, _ *request) {
	b.putOp(mcbproto.OpEmptyResponse)
}

func readExtraMode(b *Board, r *request) {
	var mode ExtraMode
	b.guard.Do(func() { mode = b.ch[r.ch].extraMode })
	b.put(byte(mode))
	b.putOp(r.op)
}

func writeExtraMode(b *Board, r *request) {
	b.setExtraMode(r.ch, ExtraMode(r.byte()))
}

func readExtraValue(b *Board, r *request) {
	c := b.ch[r.ch]
	var (
		mode  ExtraMode
		level bool
		servo uint8
	)
	b.guard.Do(func() {
		mode, level, servo = c.extraMode, c.extraSwitch, c.extraServo
	})

	switch mode {
	case ExtraSwitch:
		b.putInt32(int32(boolByte(level)))
	case ExtraAnalog:
		b.putInt32(c.extraAnalog)
	case ExtraServo:
		b.putInt32(int32(servo))
	case ExtraOff:
		b.putInt32(-1)
	}
	b.putOp(r.op)
}

// writeExtraValue sets the servo position, 0..255, of a pin in servo mode
func writeExtraValue(b *Board, r *request) {
	c := b.ch[r.ch]
	var mode ExtraMode
	b.guard.Do(func() { mode = c.extraMode })
	if mode != ExtraServo {
		return
	}

	v := r.int32()
	switch {
	case v < 0:
		v = 0
	case v > 255:
		v = 255
	}
	b.guard.Do(func() { c.extraServo = uint8(v) })
}
