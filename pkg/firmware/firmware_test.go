// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/mcbstat/pkg/controller"
	"github.com/Thermoquad/mcbstat/pkg/idstore"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
	"github.com/Thermoquad/mcbstat/pkg/peripheral"
	"github.com/Thermoquad/mcbstat/pkg/pid"
)

const testID = 5

// fakeHAL records everything the board drives. Transmission and conversions
// complete synchronously.
type fakeHAL struct {
	mu sync.Mutex

	board   *Board
	pending bool

	analog   [6]uint16
	tx       []byte
	txEnable bool
	pwm      [2]uint16
	dir      [2]controller.Direction
	led      bool
	pin      [2]bool
	pinOut   [2]bool
	pinMode  [2]ExtraMode
	servo    time.Duration
}

func (h *fakeHAL) SetTxEnable(on bool) {
	h.mu.Lock()
	h.txEnable = on
	h.mu.Unlock()
}

func (h *fakeHAL) SendByte(v byte) {
	h.mu.Lock()
	h.tx = append(h.tx, v)
	b := h.board
	h.mu.Unlock()
	if b != nil {
		b.TxComplete()
	}
}

func (h *fakeHAL) SetPWM(ch int, duty uint16) {
	h.mu.Lock()
	h.pwm[ch] = duty
	h.mu.Unlock()
}

func (h *fakeHAL) SetDirection(ch int, d controller.Direction) {
	h.mu.Lock()
	h.dir[ch] = d
	h.mu.Unlock()
}

func (h *fakeHAL) StartConversion(in peripheral.AnalogInput) {
	h.mu.Lock()
	b := h.board
	v := h.analog[in]
	if b == nil {
		h.pending = true
	}
	h.mu.Unlock()
	if b != nil {
		b.ADCReady(v)
	}
}

func (h *fakeHAL) SetLED(on bool) {
	h.mu.Lock()
	h.led = on
	h.mu.Unlock()
}

func (h *fakeHAL) ConfigureExtraPin(ch int, mode ExtraMode) {
	h.mu.Lock()
	h.pinMode[ch] = mode
	h.mu.Unlock()
}

func (h *fakeHAL) ExtraPin(ch int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pin[ch]
}

func (h *fakeHAL) SetExtraPin(ch int, high bool) {
	h.mu.Lock()
	h.pinOut[ch] = high
	h.mu.Unlock()
}

func (h *fakeHAL) SetServoTimer(d time.Duration) {
	h.mu.Lock()
	h.servo = d
	h.mu.Unlock()
}

func (h *fakeHAL) attach(b *Board) {
	h.mu.Lock()
	h.board = b
	pending := h.pending
	h.pending = false
	v := h.analog[b.sampler.Input()]
	h.mu.Unlock()
	if pending {
		b.ADCReady(v)
	}
}

func (h *fakeHAL) setAnalog(in peripheral.AnalogInput, v uint16) {
	h.mu.Lock()
	h.analog[in] = v
	h.mu.Unlock()
}

// frames decodes and clears everything transmitted so far
func (h *fakeHAL) frames(t *testing.T) []*mcbproto.Packet {
	t.Helper()
	h.mu.Lock()
	raw := h.tx
	h.tx = nil
	h.mu.Unlock()

	d := mcbproto.NewDecoder()
	var out []*mcbproto.Packet
	for _, v := range raw {
		p, err := d.DecodeByte(v)
		require.NoError(t, err)
		if p != nil {
			out = append(out, p)
		}
	}
	require.Zero(t, d.Pending(), "partial frame on the bus")
	return out
}

func newTestBoard(t *testing.T) (*Board, *fakeHAL, *idstore.Store) {
	t.Helper()
	ids := idstore.New(idstore.NewImage())
	require.True(t, ids.WriteID(testID))

	h := &fakeHAL{}
	b := New(h, ids, Config{ControlPeriod: peripheral.DefaultControlPeriod, IDReadLoop: 1})
	h.attach(b)
	b.Step()
	require.Equal(t, uint8(testID), b.Status().ID)
	require.Empty(t, h.frames(t))
	return b, h, ids
}

func send(b *Board, raw []byte) {
	for _, v := range raw {
		b.RxByte(v)
	}
}

// exchange delivers a packet, services it and returns the frames sent back
func exchange(t *testing.T, b *Board, h *fakeHAL, pkt *mcbproto.Packet) []*mcbproto.Packet {
	t.Helper()
	h.frames(t)
	send(b, mcbproto.EncodePacket(pkt))
	b.drain()
	return h.frames(t)
}

// transact exchanges a packet that must be answered with exactly one reply
func transact(t *testing.T, b *Board, h *fakeHAL, pkt *mcbproto.Packet) *mcbproto.Reply {
	t.Helper()
	frames := exchange(t, b, h, pkt)
	require.Len(t, frames, 1)
	reply, err := mcbproto.ParseReply(frames[0])
	require.NoError(t, err)
	return reply
}

func write(id uint8, ch mcbproto.Channel, op mcbproto.Opcode, v int32) *mcbproto.Packet {
	return mcbproto.MustWrite(id, ch, op, v)
}

func requireEmpty(t *testing.T, r *mcbproto.Reply) {
	t.Helper()
	require.Nil(t, r.Err)
	require.Equal(t, mcbproto.OpEmptyResponse, r.Opcode)
}

func requireError(t *testing.T, r *mcbproto.Reply, code mcbproto.ErrorCode) {
	t.Helper()
	require.NotNil(t, r.Err, "expected error reply, got %s", mcbproto.FormatOpcode(r.Opcode))
	require.Equal(t, code, r.Err.Code)
}

// ============================================================================
// Addressing
// ============================================================================

func TestSilentForOtherBoards(t *testing.T) {
	b, h, _ := newTestBoard(t)

	assert.Empty(t, exchange(t, b, h, mcbproto.NewRead(testID+1, mcbproto.ChannelA, mcbproto.OpEnable)))
	assert.Empty(t, exchange(t, b, h, write(testID+1, mcbproto.ChannelA, mcbproto.OpPosPGain, 3)))
	assert.Equal(t, uint16(0), b.ch[0].ctrl.Pos.PGain)

	// Broadcasts are applied and answered like any other request
	requireEmpty(t, transact(t, b, h, write(mcbproto.BroadcastID, mcbproto.ChannelA, mcbproto.OpPosPGain, 3)))
	assert.Equal(t, uint16(3), b.ch[0].ctrl.Pos.PGain)
	r := transact(t, b, h, mcbproto.NewRead(mcbproto.BroadcastID, mcbproto.ChannelA, mcbproto.OpPosPGain))
	assert.Equal(t, int32(3), r.Value())
}

func TestReadReply(t *testing.T) {
	b, h, _ := newTestBoard(t)

	r := transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelB, mcbproto.OpFirmwareVersion))
	assert.Equal(t, mcbproto.OpFirmwareVersion, r.Opcode)
	assert.Equal(t, uint8(testID), r.BoardID)
	assert.Equal(t, mcbproto.ChannelB, r.Channel)
	assert.Equal(t, int32(mcbproto.FirmwareVersion), r.Value())

	r = transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.OpControlPeriod))
	assert.Equal(t, int32(peripheral.DefaultControlPeriod), r.Value())
}

func TestWriteAnsweredWithEmptyResponse(t *testing.T) {
	b, h, _ := newTestBoard(t)

	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelB, mcbproto.OpVelIGain, 0x12345)))
	assert.Equal(t, uint16(0x2345), b.ch[1].ctrl.Vel.IGain)

	r := transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelB, mcbproto.OpVelIGain))
	assert.Equal(t, int32(0x2345), r.Value())
}

func TestUnknownOpcode(t *testing.T) {
	b, h, _ := newTestBoard(t)

	r := transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.Opcode(60)))
	requireError(t, r, mcbproto.ErrCodeBadCommand)
	assert.Equal(t, []byte{60}, r.Err.Detail)
}

// ============================================================================
// Control
// ============================================================================

func TestEnableAndTarget(t *testing.T) {
	b, h, _ := newTestBoard(t)
	h.setAnalog(peripheral.AnalogPotA, 300)

	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpSlowEnableTime, 0)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 2)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpEnable, 1)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpTargetTick, 500)))

	for i := 0; i < controller.DefaultActualHistory; i++ {
		b.Step()
	}

	s := b.Status()
	assert.True(t, s.Channels[0].Enabled)
	assert.Equal(t, int32(300), s.Channels[0].Pot)
	assert.Equal(t, int32(500), s.Channels[0].Target)
	assert.Equal(t, int32(400), s.Channels[0].Output)
	assert.Equal(t, uint16(400), h.pwm[0])
	assert.Equal(t, controller.DirectionCW, h.dir[0])
	assert.Equal(t, uint16(0), h.pwm[1], "disabled channel stays off")

	r := transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.OpActualTick))
	assert.Equal(t, int32(300), r.Value())
	r = transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.OpTargetTick))
	assert.Equal(t, int32(500), r.Value())

	// Disabling drops the output
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpEnable, 0)))
	b.Step()
	assert.Equal(t, uint16(0), h.pwm[0])
}

func TestReenableClearsRegulator(t *testing.T) {
	b, h, _ := newTestBoard(t)
	h.setAnalog(peripheral.AnalogPotA, 300)

	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpSlowEnableTime, 0)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosIGain, 5)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosDGain, 1)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpEnable, 1)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpTargetTick, 500)))
	for i := 0; i < controller.DefaultActualHistory+5; i++ {
		b.Step()
	}
	pos := b.ch[0].ctrl.Pos
	require.NotZero(t, pos.Integrator())
	r := transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.OpIComponent))
	assert.Equal(t, pos.Integrator(), r.Value())

	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpEnable, 0)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpEnable, 1)))

	assert.Equal(t, int32(0), pos.Integrator())
	assert.Equal(t, pid.SaturationNone, pos.Saturation())
	assert.True(t, b.ch[0].ctrl.Initialized)
	assert.True(t, b.ch[0].ctrl.Enabled)

	// With no previous error the first update carries no derivative kick, only
	// the fresh integrator step: 5*200 >> 4
	assert.Equal(t, int32(62), pos.Update(500, 300))
}

func TestSlowStartRamp(t *testing.T) {
	b, h, _ := newTestBoard(t)

	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 1)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpEnable, 1)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpTargetTick, 640)))
	for i := 0; i < controller.DefaultActualHistory; i++ {
		b.Step()
	}
	// 640 reduced by 31 32nds on the first applied period
	assert.Equal(t, uint16(640-20*31), h.pwm[0])

	// The reduced output is what the channel reports
	assert.Equal(t, int32(640-20*31), b.Status().Channels[0].Output)
	r := transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.OpPidOutput))
	assert.Equal(t, int32(640-20*31), r.Value())
}

func TestDualTargetBothChannels(t *testing.T) {
	b, h, _ := newTestBoard(t)
	h.setAnalog(peripheral.AnalogPotA, 100)
	h.setAnalog(peripheral.AnalogPotB, 200)
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpEnable, 1)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelB, mcbproto.OpEnable, 1)))
	// The first round still holds a conversion started before the inputs changed
	b.Step()
	b.Step()

	pkt, err := mcbproto.NewDualTarget(testID, mcbproto.ChannelA, mcbproto.Op2Target2Pot, 11, 22)
	require.NoError(t, err)
	r := transact(t, b, h, pkt)
	assert.Equal(t, []int32{100, 200}, r.Values)
	assert.Equal(t, int32(11), b.ch[0].ctrl.LastTarget())
	assert.Equal(t, int32(22), b.ch[1].ctrl.LastTarget())

	pkt, err = mcbproto.NewDualTarget(testID, mcbproto.ChannelB, mcbproto.Op2TargetActual, mcbproto.NoTarget, 33)
	require.NoError(t, err)
	r = transact(t, b, h, pkt)
	assert.Equal(t, mcbproto.ChannelB, r.Channel)
	assert.Equal(t, int32(200), r.Value())
	assert.Equal(t, int32(11), b.ch[0].ctrl.LastTarget(), "NoTarget leaves the target alone")
	assert.Equal(t, int32(33), b.ch[1].ctrl.LastTarget())
}

func TestUninitializedNotifiedOncePerChannel(t *testing.T) {
	b, h, _ := newTestBoard(t)

	pkt, err := mcbproto.NewDualTarget(testID, mcbproto.ChannelA, mcbproto.Op2TargetActual, 10, 20)
	require.NoError(t, err)

	r := transact(t, b, h, pkt)
	requireError(t, r, mcbproto.ErrCodeUninitialized)
	assert.Equal(t, mcbproto.ChannelA, r.Channel)

	r = transact(t, b, h, pkt)
	requireError(t, r, mcbproto.ErrCodeUninitialized)
	assert.Equal(t, mcbproto.ChannelB, r.Channel)

	r = transact(t, b, h, pkt)
	require.Nil(t, r.Err)
	assert.Equal(t, mcbproto.NoTarget, r.Value(), "uninitialized channels report no position")
}

func TestEncoderEdges(t *testing.T) {
	b, h, _ := newTestBoard(t)

	for i := 0; i < 3; i++ {
		b.EncoderEdge(0, true, false)
	}
	b.EncoderEdge(0, true, true)
	b.EncoderEdge(1, false, false)
	b.Step()

	r := transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.OpEncoderValue))
	assert.Equal(t, int32(2), r.Value())
	r = transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelB, mcbproto.OpEncoderValue))
	assert.Equal(t, int32(-1), r.Value())

	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpOffsetEncoderTick, -12)))
	r = transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.OpEncoderValue))
	assert.Equal(t, int32(-10), r.Value())
}

func TestLEDFollowsEnable(t *testing.T) {
	b, h, _ := newTestBoard(t)
	assert.Equal(t, peripheral.LEDAllOn, b.Status().LED)

	transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.OpEnable))
	b.Step()
	assert.Equal(t, peripheral.LEDBlink1, b.Status().LED)

	transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpEnable, 1))
	b.Step()
	assert.Equal(t, peripheral.LEDBlink2, b.Status().LED)

	transact(t, b, h, write(testID, mcbproto.ChannelB, mcbproto.OpEnable, 1))
	b.Step()
	assert.Equal(t, peripheral.LEDBlink3, b.Status().LED)
}

// ============================================================================
// Notifications
// ============================================================================

func TestTimeoutNotifiedExactlyOnce(t *testing.T) {
	b, h, _ := newTestBoard(t)
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpEnable, 1)))

	for i := 0; i <= timeoutPeriods; i++ {
		b.Step()
	}
	require.False(t, b.Status().TimedOut)
	b.Step()
	require.True(t, b.Status().TimedOut)
	assert.False(t, b.Status().Channels[0].Enabled)

	// The next reply is replaced by an empty frame and the timeout error
	frames := exchange(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 1))
	require.Len(t, frames, 2)
	assert.Equal(t, mcbproto.OpEmptyResponse, frames[0].Opcode())
	r, err := mcbproto.ParseReply(frames[1])
	require.NoError(t, err)
	requireError(t, r, mcbproto.ErrCodeTimeoutDisable)

	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 1)))
}

func TestBadChecksum(t *testing.T) {
	b, h, _ := newTestBoard(t)

	cmd := mcbproto.CommandByte(mcbproto.OpEnable, true)
	addr := mcbproto.AddressByte(mcbproto.ChannelA, testID)
	send(b, []byte{cmd, addr, cmd + addr + 1, mcbproto.TerminatorByte})
	b.drain()
	assert.Empty(t, h.frames(t))

	requireError(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 1)), mcbproto.ErrCodeBadChecksum)
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 1)))
}

func TestChecksumCollisionAccepted(t *testing.T) {
	b, h, _ := newTestBoard(t)

	// Gain 0x1020 travels as 20 10 00 00; moving one count between the first
	// two bytes leaves the additive checksum unchanged
	wire := mcbproto.EncodePacket(write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 0x1020))
	require.Equal(t, []byte{0x20, 0x10}, wire[:2])
	wire[0]++
	wire[1]--

	h.frames(t)
	send(b, wire)
	b.drain()
	frames := h.frames(t)
	require.Len(t, frames, 1)
	reply, err := mcbproto.ParseReply(frames[0])
	require.NoError(t, err)
	requireEmpty(t, reply)
	assert.Equal(t, uint16(0x0F21), b.ch[0].ctrl.Pos.PGain)
}

func TestBufferOverflowOutranksChecksum(t *testing.T) {
	b, h, _ := newTestBoard(t)

	junk := make([]byte, mcbproto.BoardBufferSize+5)
	for i := range junk {
		junk[i] = 0x01
	}
	send(b, append(junk, mcbproto.TerminatorByte))
	b.drain()
	assert.Empty(t, h.frames(t))

	requireError(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 1)), mcbproto.ErrCodeBufferOverflow)
	requireError(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 1)), mcbproto.ErrCodeBadChecksum)
}

func TestPacketOverflow(t *testing.T) {
	b, h, _ := newTestBoard(t)

	// Two packets before the main loop gets to the first
	send(b, mcbproto.EncodePacket(write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 7)))
	send(b, mcbproto.EncodePacket(write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 8)))
	b.drain()
	assert.Empty(t, h.frames(t))

	requireError(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosDGain, 1)), mcbproto.ErrCodePacketOverflow)
}

func TestFault(t *testing.T) {
	b, h, _ := newTestBoard(t)
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpEnable, 1)))

	b.Fault(0)
	assert.Equal(t, controller.DirectionStop, h.dir[0])
	assert.Equal(t, uint16(0), h.pwm[0])
	b.Step()
	assert.False(t, b.Status().Channels[0].Enabled)
	assert.Equal(t, peripheral.LEDPulse2, b.Status().LED)

	r := transact(t, b, h, write(testID, mcbproto.ChannelB, mcbproto.OpPosPGain, 1))
	requireError(t, r, mcbproto.ErrCodeFault)
	assert.Equal(t, mcbproto.ChannelA, r.Channel)
}

// ============================================================================
// Identity
// ============================================================================

func TestIDChange(t *testing.T) {
	b, h, ids := newTestBoard(t)
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpEnable, 1)))
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelB, mcbproto.OpEnable, 1)))

	// Both running channels are reported in a single frame
	frames := exchange(t, b, h, mcbproto.NewIDChange(testID, 9))
	require.Len(t, frames, 1)
	assert.Equal(t, byte(mcbproto.OpError), frames[0].Command())
	assert.Equal(t, []byte{0, 9, 18, 1, 9}, frames[0].Payload())
	assert.Equal(t, uint8(testID), frames[0].BoardID())

	assert.Equal(t, uint8(9), ids.ReadID())
	assert.Empty(t, exchange(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.OpEnable)))

	r := transact(t, b, h, mcbproto.NewRead(9, mcbproto.ChannelA, mcbproto.OpEnable))
	assert.Equal(t, int32(0), r.Value())
}

func TestIDChangeRejectsBadHeader(t *testing.T) {
	b, h, ids := newTestBoard(t)

	pkt := mcbproto.NewPacket([]byte{9, 9, 3, 2, 2}, mcbproto.CommandByte(mcbproto.OpID, false),
		mcbproto.AddressByte(mcbproto.ChannelA, testID))
	r := transact(t, b, h, pkt)
	requireError(t, r, mcbproto.ErrCodeBadIDPacket)
	assert.Equal(t, []byte{1}, r.Err.Detail)
	assert.Equal(t, uint8(testID), ids.ReadID())
}

func TestIDReadAfterStartup(t *testing.T) {
	ids := idstore.New(idstore.NewImage())
	require.True(t, ids.WriteID(42))

	h := &fakeHAL{}
	b := New(h, ids, DefaultConfig())
	h.attach(b)
	for i := uint32(1); i < DefaultConfig().IDReadLoop; i++ {
		b.Step()
	}
	assert.Equal(t, uint8(idUnset), b.Status().ID)
	b.Step()
	assert.Equal(t, uint8(42), b.Status().ID)
}

// ============================================================================
// Extra pins
// ============================================================================

func TestExtraSwitch(t *testing.T) {
	b, h, _ := newTestBoard(t)
	assert.Equal(t, ExtraAnalog, h.pinMode[1])
	h.pin[1] = true

	// Entering switch mode reports the current level
	r := transact(t, b, h, write(testID, mcbproto.ChannelB, mcbproto.OpExtraMode, int32(ExtraSwitch)))
	assert.Equal(t, mcbproto.OpExtraValue, r.Opcode)
	assert.Equal(t, mcbproto.ChannelB, r.Channel)
	assert.Equal(t, []int32{1}, r.Values)
	assert.Equal(t, ExtraSwitch, h.pinMode[1])

	b.PinChange(1, false)
	r = transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 1))
	assert.Equal(t, mcbproto.OpExtraValue, r.Opcode)
	assert.Equal(t, []int32{0}, r.Values)

	// Pins outside switch mode do not notify
	b.PinChange(0, true)
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpPosPGain, 1)))

	r = transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelB, mcbproto.OpExtraValue))
	assert.Equal(t, int32(0), r.Value())
}

func TestExtraServo(t *testing.T) {
	b, h, _ := newTestBoard(t)

	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpExtraMode, int32(ExtraServo))))
	assert.Equal(t, peripheral.ServoLongWait, h.servo)

	b.ServoTick()
	assert.True(t, h.pinOut[0])
	assert.Equal(t, peripheral.ServoShortWait, h.servo)

	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpExtraValue, 300)))
	r := transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.OpExtraValue))
	assert.Equal(t, int32(255), r.Value())

	// Writes are ignored outside servo mode
	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelB, mcbproto.OpExtraValue, 10)))
	assert.Equal(t, uint8(0), b.ch[1].extraServo)

	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelA, mcbproto.OpExtraMode, int32(ExtraAnalog))))
	assert.Equal(t, time.Duration(0), h.servo)
}

func TestExtraAnalog(t *testing.T) {
	b, h, _ := newTestBoard(t)
	h.setAnalog(peripheral.AnalogExtraB, 777)
	b.Step()

	r := transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelB, mcbproto.OpExtraValue))
	assert.Equal(t, int32(777), r.Value())

	requireEmpty(t, transact(t, b, h, write(testID, mcbproto.ChannelB, mcbproto.OpExtraMode, int32(ExtraOff))))
	r = transact(t, b, h, mcbproto.NewRead(testID, mcbproto.ChannelB, mcbproto.OpExtraValue))
	assert.Equal(t, int32(-1), r.Value())
}

// ============================================================================
// Main loop
// ============================================================================

func TestRun(t *testing.T) {
	ids := idstore.New(idstore.NewImage())
	require.True(t, ids.WriteID(testID))

	h := &fakeHAL{}
	b := New(h, ids, Config{ControlPeriod: 1, IDReadLoop: 1})
	h.attach(b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return b.Status().ID == testID }, time.Second, time.Millisecond)

	send(b, mcbproto.EncodePacket(mcbproto.NewRead(testID, mcbproto.ChannelA, mcbproto.OpFirmwareVersion)))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.tx) > 0 && h.tx[len(h.tx)-1] == mcbproto.TerminatorByte
	}, time.Second, time.Millisecond)

	frames := h.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, mcbproto.OpFirmwareVersion, frames[0].Opcode())

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("main loop did not stop")
	}
}
