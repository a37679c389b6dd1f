// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package plant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/Thermoquad/mcbstat/pkg/controller"
	"github.com/Thermoquad/mcbstat/pkg/firmware"
	"github.com/Thermoquad/mcbstat/pkg/peripheral"
)

// Interrupts are the board entry points the hardware raises
type Interrupts interface {
	RxByte(v byte)
	TxComplete()
	EncoderEdge(ch int, a, b bool)
	Fault(ch int)
	ADCReady(v uint16)
	PinChange(ch int, level bool)
	ServoTick()
}

// DefaultStep is the integration step of the motor simulation
const DefaultStep = time.Millisecond

// Config configures the simulated hardware
type Config struct {
	Motors [2]MotorParams
	// Step is the motor integration step
	Step time.Duration
}

// DefaultConfig returns two default motors
func DefaultConfig() Config {
	return Config{
		Motors: [2]MotorParams{DefaultMotorParams(), DefaultMotorParams()},
		Step:   DefaultStep,
	}
}

// Hardware implements firmware.HAL over the simulation. Create it, build the
// board on it, Attach the board and start Run.
type Hardware struct {
	cfg  Config
	line io.Writer

	mu     sync.Mutex
	irq    Interrupts
	motors [2]*Motor
	pwm    [2]uint16
	dir    [2]controller.Direction
	led    bool

	pinModes [2]firmware.ExtraMode
	pins     [2]bool
	pinOut   [2]bool
	extra    [2]uint16
	riseAt   [2]time.Time
	pulse    [2]time.Duration

	servoTimer  *time.Timer
	servoPeriod time.Duration
	servoGen    uint64

	// Bytes of the frame being sent, and of frames the board has finished
	txFrame []byte
	txDone  []byte

	txq  chan byte
	conv chan peripheral.AnalogInput
}

// New creates the hardware. Frames the board transmits are written to line.
func New(cfg Config, line io.Writer) *Hardware {
	if cfg.Step <= 0 {
		cfg.Step = DefaultStep
	}
	h := &Hardware{
		cfg:  cfg,
		line: line,
		txq:  make(chan byte, 64),
		conv: make(chan peripheral.AnalogInput, 8),
	}
	for i := range h.motors {
		h.motors[i] = NewMotor(cfg.Motors[i])
		h.dir[i] = controller.DirectionStop
	}
	return h
}

// Attach connects the interrupt lines. It must be called before Run.
func (h *Hardware) Attach(irq Interrupts) {
	h.mu.Lock()
	h.irq = irq
	h.mu.Unlock()
}

func (h *Hardware) interrupts() Interrupts {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.irq
}

// Run simulates the motors and completes transmissions and conversions until
// ctx is done
func (h *Hardware) Run(ctx context.Context) error {
	irq := h.interrupts()
	if irq == nil {
		return errors.New("plant: no board attached")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.transmitter(ctx, irq)
	}()
	go func() {
		defer wg.Done()
		h.converter(ctx, irq)
	}()

	ticker := time.NewTicker(h.cfg.Step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.SetServoTimer(0)
			cancel()
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			h.step(irq)
		}
	}
}

// step advances both motors by one integration step and raises an encoder
// interrupt for every tick crossed
func (h *Hardware) step(irq Interrupts) {
	type edge struct {
		ch    int
		delta int
		tick  int64
	}
	var edges []edge

	h.mu.Lock()
	for i, m := range h.motors {
		m.Step(h.cfg.Step, h.pwm[i], h.dir[i], func(delta int) {
			edges = append(edges, edge{ch: i, delta: delta, tick: m.Ticks()})
		})
	}
	h.mu.Unlock()

	// Channel A toggles on every tick. B leads A when moving forward.
	for _, e := range edges {
		a := e.tick&1 == 1
		b := !a
		if e.delta < 0 {
			b = a
		}
		irq.EncoderEdge(e.ch, a, b)
	}
}

// transmitter shifts out queued bytes. A frame is written to the line in one
// piece once the board releases the driver.
func (h *Hardware) transmitter(ctx context.Context, irq Interrupts) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-h.txq:
			h.mu.Lock()
			h.txFrame = append(h.txFrame, v)
			h.mu.Unlock()

			irq.TxComplete()

			h.mu.Lock()
			frame := h.txDone
			h.txDone = nil
			h.mu.Unlock()

			if frame != nil {
				if _, err := h.line.Write(frame); err != nil {
					glog.Errorf("plant: writing %d byte frame: %v", len(frame), err)
				}
			}
		}
	}
}

// converter completes analog conversions with the current sensor readings
func (h *Hardware) converter(ctx context.Context, irq Interrupts) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-h.conv:
			irq.ADCReady(h.sample(in))
		}
	}
}

func (h *Hardware) sample(in peripheral.AnalogInput) uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch in {
	case peripheral.AnalogPotA, peripheral.AnalogPotB:
		return h.motors[in-peripheral.AnalogPotA].Pot()
	case peripheral.AnalogCurrentA, peripheral.AnalogCurrentB:
		return h.motors[in-peripheral.AnalogCurrentA].Current()
	case peripheral.AnalogExtraA, peripheral.AnalogExtraB:
		return h.extra[in-peripheral.AnalogExtraA]
	}
	return 0
}

// Receive feeds bytes read from r to the receive interrupt until r fails. It
// must not run more than once at a time.
func (h *Hardware) Receive(r io.Reader) error {
	irq := h.interrupts()
	if irq == nil {
		return errors.New("plant: no board attached")
	}

	buf := make([]byte, 128)
	for {
		n, err := r.Read(buf)
		for _, v := range buf[:n] {
			irq.RxByte(v)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("plant: bus read: %w", err)
		}
	}
}

// ============================================================================
// firmware.HAL
// ============================================================================

// SetTxEnable drives the transceiver's driver enable. Releasing the driver
// completes the frame sent so far.
func (h *Hardware) SetTxEnable(on bool) {
	h.mu.Lock()
	if !on && len(h.txFrame) > 0 {
		h.txDone = append(h.txDone, h.txFrame...)
		h.txFrame = nil
	}
	h.mu.Unlock()
}

// SendByte queues a byte for the transmitter
func (h *Hardware) SendByte(v byte) {
	select {
	case h.txq <- v:
	default:
		glog.Errorf("plant: transmit queue full, byte 0x%02X dropped", v)
	}
}

// SetPWM sets the duty cycle of a channel
func (h *Hardware) SetPWM(ch int, duty uint16) {
	h.mu.Lock()
	h.pwm[ch] = duty
	h.mu.Unlock()
}

// SetDirection sets the bridge state of a channel
func (h *Hardware) SetDirection(ch int, d controller.Direction) {
	h.mu.Lock()
	h.dir[ch] = d
	h.mu.Unlock()
}

// StartConversion starts a conversion, completed by Run
func (h *Hardware) StartConversion(in peripheral.AnalogInput) {
	select {
	case h.conv <- in:
	default:
		glog.Warningf("plant: conversion of input %d dropped, converter busy", in)
	}
}

// SetLED drives the status LED
func (h *Hardware) SetLED(on bool) {
	h.mu.Lock()
	h.led = on
	h.mu.Unlock()
}

// ConfigureExtraPin records the mode of an auxiliary pin
func (h *Hardware) ConfigureExtraPin(ch int, mode firmware.ExtraMode) {
	h.mu.Lock()
	h.pinModes[ch] = mode
	h.mu.Unlock()
}

// ExtraPin reads the external level of an auxiliary pin
func (h *Hardware) ExtraPin(ch int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pins[ch]
}

// SetExtraPin drives an auxiliary pin and measures servo pulses on it
func (h *Hardware) SetExtraPin(ch int, high bool) {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if high && !h.pinOut[ch] {
		h.riseAt[ch] = now
	}
	if !high && h.pinOut[ch] && !h.riseAt[ch].IsZero() {
		h.pulse[ch] = now.Sub(h.riseAt[ch])
	}
	h.pinOut[ch] = high
}

// SetServoTimer programs the servo timer period. Zero stops it.
func (h *Hardware) SetServoTimer(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.servoGen++
	if h.servoTimer != nil {
		h.servoTimer.Stop()
		h.servoTimer = nil
	}
	h.servoPeriod = d
	if d > 0 {
		h.armServo(h.servoGen)
	}
}

// armServo must be called with h.mu held
func (h *Hardware) armServo(gen uint64) {
	h.servoTimer = time.AfterFunc(h.servoPeriod, func() { h.servoFired(gen) })
}

func (h *Hardware) servoFired(gen uint64) {
	h.mu.Lock()
	irq := h.irq
	current := gen == h.servoGen
	h.mu.Unlock()
	if !current || irq == nil {
		return
	}

	irq.ServoTick()

	// A tick that did not reprogram the timer leaves it running at its period
	h.mu.Lock()
	if gen == h.servoGen && h.servoPeriod > 0 {
		h.armServo(gen)
	}
	h.mu.Unlock()
}

// ============================================================================
// External stimulus
// ============================================================================

// SetSwitch sets the external level of an auxiliary pin. In switch mode a change
// raises the pin-change interrupt.
func (h *Hardware) SetSwitch(ch int, level bool) {
	h.mu.Lock()
	changed := h.pins[ch] != level
	h.pins[ch] = level
	irq := h.irq
	switchMode := h.pinModes[ch] == firmware.ExtraSwitch
	h.mu.Unlock()

	if changed && switchMode && irq != nil {
		irq.PinChange(ch, level)
	}
}

// SetExtraAnalog sets the voltage on an auxiliary pin, in converter counts
func (h *Hardware) SetExtraAnalog(ch int, v uint16) {
	h.mu.Lock()
	h.extra[ch] = v
	h.mu.Unlock()
}

// InjectFault makes the bridge of a channel report a fault
func (h *Hardware) InjectFault(ch int) {
	glog.Infof("plant: injecting bridge fault on channel %d", ch)
	if irq := h.interrupts(); irq != nil {
		irq.Fault(ch)
	}
}

// MotorState is a snapshot of one motor and its bridge
type MotorState struct {
	Position  float64
	Velocity  float64
	Ticks     int64
	PWM       uint16
	Direction controller.Direction
	Pot       uint16
	Current   uint16
}

// Snapshot is the externally visible state of the hardware
type Snapshot struct {
	Motors     [2]MotorState
	LED        bool
	PinModes   [2]firmware.ExtraMode
	PinOut     [2]bool
	ServoPulse [2]time.Duration
}

// Snapshot returns the current state
func (h *Hardware) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Snapshot{
		LED:        h.led,
		PinModes:   h.pinModes,
		PinOut:     h.pinOut,
		ServoPulse: h.pulse,
	}
	for i, m := range h.motors {
		s.Motors[i] = MotorState{
			Position:  m.Position(),
			Velocity:  m.Velocity(),
			Ticks:     m.Ticks(),
			PWM:       h.pwm[i],
			Direction: h.dir[i],
			Pot:       m.Pot(),
			Current:   m.Current(),
		}
	}
	return s
}

var (
	_ firmware.HAL = (*Hardware)(nil)
	_ Interrupts   = (*firmware.Board)(nil)
)
