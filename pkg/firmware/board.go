// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package firmware is the onboard engine of an MCB servo board: the receive
// pool and transmit queue of the bus, the command dispatcher, the control loop
// over both motor channels and the interrupt handlers that feed them.
//
// The engine is hosted. Interrupt handlers are exported methods (RxByte,
// TxComplete, EncoderEdge, Fault, ADCReady, PinChange, ServoTick) that a HAL
// calls from its own goroutines, and Run is the main loop.
package firmware

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/Thermoquad/mcbstat/pkg/controller"
	"github.com/Thermoquad/mcbstat/pkg/critical"
	"github.com/Thermoquad/mcbstat/pkg/idstore"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
	"github.com/Thermoquad/mcbstat/pkg/peripheral"
	"github.com/Thermoquad/mcbstat/pkg/ringbuf"
)

// idUnset is the board id until the id store has been read
const idUnset = 255

// Communication timeout, in control periods
const (
	timeoutPeriods = 250
	timeoutLatched = 255
)

// Config holds the board's startup settings
type Config struct {
	// ControlPeriod is the initial control period register value. Each count
	// is 1024 CPU clocks.
	ControlPeriod uint8
	// IDReadLoop is the control period at which the id is read, after power-up
	// transients have settled
	IDReadLoop uint32
}

// DefaultConfig returns the settings of a freshly flashed board
func DefaultConfig() Config {
	return Config{
		ControlPeriod: peripheral.DefaultControlPeriod,
		IDReadLoop:    25,
	}
}

// channel is the state of one motor channel
type channel struct {
	ctrl  *controller.Controller
	motor *controller.Motor

	// Guarded by Board.guard
	extraMode   ExtraMode
	extraSwitch bool
	extraServo  uint8

	extraAnalog int32
	pwm         uint16
}

// Board is one emulated servo board
type Board struct {
	cfg Config
	hal HAL
	ids *idstore.Store

	// guard masks the interrupt handlers that share channel state with the
	// main loop
	guard critical.Guard
	flags critical.Flags

	ch           [2]*channel
	led          peripheral.LED
	servo        peripheral.Servo
	servoRunning bool

	sampler  peripheral.Sampler
	adcValue atomic.Uint32
	adcReady atomic.Bool

	id        uint8
	loopCount uint32
	timeout   uint8
	received  bool
	period    uint8
	idChange  bool
	newID     uint8

	rx       [rxBuffers]*ringbuf.Buffer
	rxIndex  atomic.Uint32
	pkgIndex atomic.Uint32
	rxSum    byte
	rxEscape bool

	tx      *ringbuf.Buffer
	txReady atomic.Bool
	txIdle  chan struct{}
	reply   *mcbproto.FrameWriter

	wake   chan struct{}
	status atomic.Pointer[Status]
}

// New creates a board in its power-up state and starts its peripherals
func New(hal HAL, ids *idstore.Store, cfg Config) *Board {
	b := &Board{
		cfg:    cfg,
		hal:    hal,
		ids:    ids,
		id:     idUnset,
		period: cfg.ControlPeriod,
		txIdle: make(chan struct{}, 1),
		reply:  mcbproto.NewFrameWriter(),
		wake:   make(chan struct{}, 1),
	}
	b.tx = ringbuf.NewGuarded(mcbproto.BoardBufferSize, &b.guard)
	for i := range b.rx {
		b.rx[i] = ringbuf.NewGuarded(mcbproto.BoardBufferSize, &b.guard)
	}
	for i := range b.ch {
		b.ch[i] = &channel{
			ctrl:  controller.New(),
			motor: controller.NewMotor(),
		}
		hal.SetPWM(i, 0)
	}

	b.txReady.Store(true)
	hal.SetTxEnable(false)

	for i := range b.ch {
		b.setExtraMode(i, ExtraAnalog)
	}
	b.guard.Do(func() { b.led.SetMode(peripheral.LEDAllOn) })

	hal.StartConversion(b.sampler.Input())
	b.publishStatus()
	return b
}

// Run is the main loop. Between control periods it services conversions,
// packets and id changes as they arrive. It returns when ctx is done.
func (b *Board) Run(ctx context.Context) error {
	glog.Infof("firmware: main loop started, control period %v", b.periodDuration())

	timer := time.NewTimer(b.periodDuration())
	defer timer.Stop()

	for {
		b.beginPeriod()
		b.drain()
	wait:
		for {
			select {
			case <-ctx.Done():
				glog.Infof("firmware: main loop stopped after %d periods", b.loopCount)
				return ctx.Err()
			case <-b.wake:
				b.drain()
			case <-timer.C:
				break wait
			}
		}
		timer.Reset(b.periodDuration())
		b.endPeriod()
	}
}

// Step runs one control period without waiting for the period to elapse
func (b *Board) Step() {
	b.beginPeriod()
	b.drain()
	b.endPeriod()
}

func (b *Board) periodDuration() time.Duration {
	if b.period == 0 {
		return peripheral.ControlPeriod(1)
	}
	return peripheral.ControlPeriod(b.period)
}

func (b *Board) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// ChannelStatus is a snapshot of one channel
type ChannelStatus struct {
	Enabled     bool
	Initialized bool
	Mode        controller.Mode
	Feedback    controller.Feedback
	Streaming   bool
	Target      int32
	Actual      int32
	Pot         int32
	Encoder     int32
	Current     int32
	Velocity    int32
	Output      int32
	Direction   controller.Direction
	PWM         uint16
	ExtraMode   ExtraMode
}

// Status is a snapshot of the board taken at the end of a control period
type Status struct {
	ID       uint8
	Loop     uint32
	TimedOut bool
	LED      peripheral.LEDMode
	Channels [2]ChannelStatus
}

// Status returns the snapshot of the last completed control period. It is safe
// to call from any goroutine.
func (b *Board) Status() Status {
	if s := b.status.Load(); s != nil {
		return *s
	}
	return Status{}
}

func (b *Board) publishStatus() {
	s := &Status{
		ID:       b.id,
		Loop:     b.loopCount,
		TimedOut: b.timeout == timeoutLatched,
	}
	b.guard.Do(func() {
		s.LED = b.led.Mode()
		for i, c := range b.ch {
			s.Channels[i].Enabled = c.ctrl.Enabled
			s.Channels[i].ExtraMode = c.extraMode
		}
	})
	for i, c := range b.ch {
		cs := &s.Channels[i]
		cs.Initialized = c.ctrl.Initialized
		cs.Mode = c.ctrl.Mode
		cs.Feedback = c.ctrl.Feedback
		cs.Streaming = c.ctrl.Streaming
		cs.Target = mcbproto.NoTarget
		if targets := c.ctrl.Targets(); len(targets) > 0 {
			cs.Target = targets[len(targets)-1]
		}
		cs.Actual = c.ctrl.Actual(c.motor.ActualPot, c.motor.ActualEnc)
		cs.Pot = c.motor.ActualPot
		cs.Encoder = c.motor.ActualEnc
		cs.Current = c.motor.MotorCurrent
		cs.Velocity = c.ctrl.ActualTickDiff
		cs.Output = c.ctrl.Output
		cs.Direction = c.ctrl.Direction
		cs.PWM = c.pwm
	}
	b.status.Store(s)
}
