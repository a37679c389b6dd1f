// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/mcbstat/pkg/firmware"
	"github.com/Thermoquad/mcbstat/pkg/host"
	"github.com/Thermoquad/mcbstat/pkg/idstore"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
	"github.com/Thermoquad/mcbstat/pkg/peripheral"
	"github.com/Thermoquad/mcbstat/pkg/plant"
)

const testBoard = 3

type rw struct {
	io.Reader
	io.Writer
}

// newTestClient connects a client to an emulated board over pipes
func newTestClient(t *testing.T) *host.Client {
	t.Helper()
	ids := idstore.New(idstore.NewImage())
	require.True(t, ids.WriteID(testBoard))

	boardR, hostW := io.Pipe()
	hostR, boardW := io.Pipe()

	hw := plant.New(plant.DefaultConfig(), boardW)
	board := firmware.New(hw, ids, firmware.Config{
		ControlPeriod: peripheral.DefaultControlPeriod,
		IDReadLoop:    1,
	})
	hw.Attach(board)

	opts := host.DefaultOptions()
	opts.ReplyTimeout = 200 * time.Millisecond
	client := host.NewClient(rw{hostR, hostW}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hw.Run(ctx) }()
	go func() { _ = board.Run(ctx) }()
	go func() { _ = hw.Receive(boardR) }()
	go func() { _ = client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = hostW.Close()
		_ = boardW.Close()
	})

	require.Eventually(t, func() bool { return board.Status().ID == testBoard }, time.Second, time.Millisecond)
	return client
}

// ============================================================================
// Argument parsing
// ============================================================================

func TestParseChannel(t *testing.T) {
	for _, s := range []string{"A", "a", "0", " a "} {
		ch, err := parseChannel(s)
		require.NoError(t, err, s)
		assert.Equal(t, mcbproto.ChannelA, ch)
	}
	for _, s := range []string{"B", "b", "1"} {
		ch, err := parseChannel(s)
		require.NoError(t, err, s)
		assert.Equal(t, mcbproto.ChannelB, ch)
	}
	_, err := parseChannel("C")
	assert.Error(t, err)
}

func TestParseBoardID(t *testing.T) {
	id, err := parseBoardID(0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), id)

	id, err = parseBoardID(mcbproto.MaxBoardID)
	require.NoError(t, err)
	assert.Equal(t, uint8(mcbproto.MaxBoardID), id)

	id, err = parseBoardID(mcbproto.BroadcastID)
	require.NoError(t, err)
	assert.Equal(t, uint8(mcbproto.BroadcastID), id)

	for _, v := range []int{-1, mcbproto.InvalidID, 128, 300} {
		_, err := parseBoardID(v)
		assert.Error(t, err, v)
	}
}

func TestParseOpcode(t *testing.T) {
	op, err := parseOpcode("target_tick")
	require.NoError(t, err)
	assert.Equal(t, mcbproto.OpTargetTick, op)

	op, err = parseOpcode("24")
	require.NoError(t, err)
	assert.Equal(t, mcbproto.OpFirmwareVersion, op)

	op, err = parseOpcode("0x32")
	require.NoError(t, err)
	assert.Equal(t, mcbproto.OpControlPeriod, op)

	// 14 is a gap in the opcode table
	_, err = parseOpcode("14")
	assert.Error(t, err)
	_, err = parseOpcode("NOT_AN_OPCODE")
	assert.Error(t, err)
}

func TestParseBoardList(t *testing.T) {
	ids, err := parseBoardList("3, 4,10,,")
	require.NoError(t, err)
	assert.Equal(t, []uint8{3, 4, 10}, ids)

	ids, err = parseBoardList("")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = parseBoardList("3,x")
	assert.Error(t, err)
	_, err = parseBoardList("126")
	assert.Error(t, err)
}

func TestMergeBoards(t *testing.T) {
	assert.Equal(t, []uint8{3, 4, 7}, mergeBoards([]uint8{3, 4}, []uint8{4, 7, 3}))
	assert.Equal(t, []uint8{1}, mergeBoards(nil, []uint8{1, 1}))
}

// ============================================================================
// Monitor commands
// ============================================================================

func TestParseMonitorCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    monitorCommand
		wantErr bool
	}{
		{line: "target 1000", want: monitorCommand{verb: "target", values: []int32{1000}}},
		{line: "t -5 0x10", want: monitorCommand{verb: "target", values: []int32{-5, 16}}},
		{line: "enable", want: monitorCommand{verb: "enable"}},
		{line: "DISABLE", want: monitorCommand{verb: "disable"}},
		{line: "set pos_p_gain 7", want: monitorCommand{verb: "set", op: mcbproto.OpPosPGain, values: []int32{7}}},
		{line: "get ACTUAL_TICK", want: monitorCommand{verb: "get", op: mcbproto.OpActualTick}},
		{line: "channel b", want: monitorCommand{verb: "ch", channel: mcbproto.ChannelB}},
		{line: "", wantErr: true},
		{line: "target", wantErr: true},
		{line: "target 1 2 3", wantErr: true},
		{line: "target abc", wantErr: true},
		{line: "enable now", wantErr: true},
		{line: "set ID 4", wantErr: true},
		{line: "set DEADBAND", wantErr: true},
		{line: "get BOGUS", wantErr: true},
		{line: "ch X", wantErr: true},
		{line: "jump", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseMonitorCommand(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecuteMonitorCommand(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	run := func(line string, ch mcbproto.Channel) commandResultMsg {
		c, err := parseMonitorCommand(line)
		require.NoError(t, err)
		return executeMonitorCommand(ctx, client, testBoard, ch, c)
	}

	res := run("set POS_P_GAIN 7", mcbproto.ChannelB)
	require.NoError(t, res.err)
	assert.Equal(t, "Board 3/B: POS_P_GAIN <- 7", res.text)

	res = run("get POS_P_GAIN", mcbproto.ChannelB)
	require.NoError(t, res.err)
	assert.Equal(t, "Board 3/B: POS_P_GAIN = 7", res.text)

	res = run("enable", mcbproto.ChannelA)
	require.NoError(t, res.err)
	assert.Equal(t, "Board 3/A: enabled", res.text)

	res = run("target 250", mcbproto.ChannelA)
	require.NoError(t, res.err)
	assert.Equal(t, "Board 3/A: target 250", res.text)

	v, err := client.Read(ctx, testBoard, mcbproto.ChannelA, mcbproto.OpTargetTick)
	require.NoError(t, err)
	assert.Equal(t, int32(250), v)

	// Both channels must be running, or the board warns about channel B
	res = run("enable", mcbproto.ChannelB)
	require.NoError(t, res.err)

	res = run("target 300 -300", mcbproto.ChannelA)
	require.NoError(t, res.err)
	assert.True(t, strings.HasPrefix(res.text, "Board 3/A: targets 300/-300"), res.text)

	res = run("disable", mcbproto.ChannelA)
	require.NoError(t, res.err)
	assert.Equal(t, "Board 3/A: disabled", res.text)
}

func TestExecuteMonitorCommandAbsentBoard(t *testing.T) {
	client := newTestClient(t)

	c, err := parseMonitorCommand("get ACTUAL_TICK")
	require.NoError(t, err)
	res := executeMonitorCommand(context.Background(), client, 9, mcbproto.ChannelA, c)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "Board 9/A: ")
	assert.Empty(t, res.text)
}

// ============================================================================
// Monitor model
// ============================================================================

func TestMonitorBoardState(t *testing.T) {
	m := initialMonitorModel(nil, "test", []uint8{3, 4})
	require.Len(t, m.boards, 2)
	assert.Equal(t, "waiting...", m.boards[0].Description())

	var states [2]host.ChannelState
	states[0] = host.ChannelState{BoardID: 3, Enabled: true, Target: 10, Actual: 9}
	model, _ := m.Update(boardStateMsg{id: 3, states: states})
	m = model.(monitorModel)

	b := m.board(3)
	require.NotNil(t, b)
	assert.True(t, b.seen)
	assert.Equal(t, int32(9), b.states[0].Actual)
	assert.Equal(t, "A on  B off", b.Description())
	assert.Empty(t, m.eventLog)

	// Enable transitions are logged once the board has been seen
	states[0].Enabled = false
	model, _ = m.Update(boardStateMsg{id: 3, states: states})
	m = model.(monitorModel)
	require.Len(t, m.eventLog, 1)
	assert.Equal(t, "Board 3/A disabled", m.eventLog[0].message)
	assert.True(t, m.eventLog[0].isError)

	// Unknown boards are ignored
	model, _ = m.Update(boardStateMsg{id: 9})
	m = model.(monitorModel)
	assert.Nil(t, m.board(9))
}

func TestMonitorPollErrorLoggedOnce(t *testing.T) {
	m := initialMonitorModel(nil, "test", []uint8{3})

	for i := 0; i < 3; i++ {
		model, _ := m.Update(pollErrorMsg{id: 3, err: host.ErrNoResponse})
		m = model.(monitorModel)
	}
	require.Len(t, m.eventLog, 1)
	assert.Equal(t, "no response", m.board(3).Description())

	model, _ := m.Update(boardStateMsg{id: 3})
	m = model.(monitorModel)
	require.Len(t, m.eventLog, 2)
	assert.Equal(t, "Board 3 responding again", m.eventLog[1].message)
	assert.Empty(t, m.board(3).err)
}

func TestMonitorBoardsFound(t *testing.T) {
	m := initialMonitorModel(nil, "test", []uint8{3})
	model, _ := m.Update(boardStateMsg{id: 3})
	m = model.(monitorModel)

	model, _ = m.Update(boardsFoundMsg{ids: []uint8{3, 5}})
	m = model.(monitorModel)
	require.Len(t, m.boards, 2)
	assert.True(t, m.board(3).seen, "existing state is kept")
	assert.False(t, m.board(5).seen)
	assert.Equal(t, "Discovery found 2 board(s)", m.eventLog[len(m.eventLog)-1].message)
}

func TestMonitorChannelKeys(t *testing.T) {
	m := initialMonitorModel(nil, "test", []uint8{3})

	model, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'b'}})
	m = model.(monitorModel)
	assert.Equal(t, mcbproto.ChannelB, m.channel)

	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'a'}})
	m = model.(monitorModel)
	assert.Equal(t, mcbproto.ChannelA, m.channel)

	// With the command line focused, letters go to the input
	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = model.(monitorModel)
	assert.Equal(t, focusCommandInput, m.focusedField)
	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'b'}})
	m = model.(monitorModel)
	assert.Equal(t, mcbproto.ChannelA, m.channel)
	assert.Equal(t, "b", m.input.Value())
}

func TestMonitorRunCommand(t *testing.T) {
	m := initialMonitorModel(nil, "test", []uint8{3})

	assert.Nil(t, m.runCommand("ch B"))
	assert.Equal(t, mcbproto.ChannelB, m.channel)

	assert.Nil(t, m.runCommand("bogus"))
	require.Len(t, m.eventLog, 1)
	assert.True(t, m.eventLog[0].isError)

	m.connectionLost = true
	assert.Nil(t, m.runCommand("enable"))
	assert.Equal(t, "Cannot send command: connection lost", m.eventLog[len(m.eventLog)-1].message)

	m.connectionLost = false
	assert.NotNil(t, m.runCommand("enable"))

	empty := initialMonitorModel(nil, "test", nil)
	assert.Nil(t, empty.runCommand("enable"))
	assert.Equal(t, "No board selected", empty.eventLog[0].message)
}

func TestMonitorEventLogBounded(t *testing.T) {
	m := initialMonitorModel(nil, "test", nil)
	for i := 0; i < m.maxLogEntries+10; i++ {
		m.addLogEntry("entry", false)
	}
	assert.Len(t, m.eventLog, m.maxLogEntries)
}

func TestFormatNotification(t *testing.T) {
	r := &mcbproto.Reply{BoardID: 3, Channel: mcbproto.ChannelB, Opcode: mcbproto.OpActualTick, Values: []int32{42}}
	assert.Equal(t, "Board 3/B: ACTUAL_TICK 42", formatNotification(r))

	r = &mcbproto.Reply{BoardID: 3, Opcode: mcbproto.OpEmptyResponse}
	assert.Equal(t, "Board 3/A: EMPTY_RESPONSE", formatNotification(r))

	r = &mcbproto.Reply{BoardID: 4, Opcode: mcbproto.OpError, Err: &mcbproto.BoardError{Code: mcbproto.ErrCodeTimeoutDisable}}
	assert.Equal(t, "Board 4/A: TIMEOUT_DISABLE", formatNotification(r))
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "0 seconds", formatUptime(0))
	assert.Equal(t, "1 second", formatUptime(time.Second))
	assert.Equal(t, "1 minute", formatUptime(time.Minute))
	assert.Equal(t, "2 hours and 1 second", formatUptime(2*time.Hour+time.Second))
	assert.Equal(t, "1 day, 1 hour, 1 minute, and 1 second",
		formatUptime(25*time.Hour+time.Minute+time.Second))
}

// ============================================================================
// Frame checking
// ============================================================================

func TestFrameCheckerReplay(t *testing.T) {
	addr := mcbproto.AddressByte(mcbproto.ChannelA, testBoard)
	good := mcbproto.EncodePacket(mcbproto.NewRead(testBoard, mcbproto.ChannelA, mcbproto.OpTargetTick))
	corrupt := mcbproto.EncodePacket(mcbproto.NewRead(testBoard, mcbproto.ChannelA, mcbproto.OpTargetTick))
	corrupt[0]++
	unknown := mcbproto.EncodeFrame(nil, 60, addr)

	var capture bytes.Buffer
	w := mcbproto.NewCaptureWriter(&capture)
	now := time.Now()
	// Noise before the first frame is skipped while synchronizing
	require.NoError(t, w.Write(now, []byte{0x01, mcbproto.TerminatorByte}))
	require.NoError(t, w.Write(now, good))
	require.NoError(t, w.Write(now, corrupt))
	require.NoError(t, w.Write(now, append(append([]byte(nil), unknown...), good...)))
	assert.Equal(t, 4, w.Count())

	fc := newFrameChecker()
	require.NoError(t, mcbproto.Replay(&capture, fc.check))

	assert.True(t, fc.synchronized)
	assert.Equal(t, 1, fc.skipped)
	assert.Equal(t, uint64(4), fc.stats.TotalPackets)
	assert.Equal(t, uint64(2), fc.stats.ValidPackets)
	assert.Equal(t, uint64(1), fc.stats.ChecksumErrors)
	assert.Equal(t, uint64(1), fc.stats.UnknownOpcodes)
}

// ============================================================================
// WebSocket bus
// ============================================================================

func TestWebSocketBus(t *testing.T) {
	bus := newWebSocketBus()
	srv := httptest.NewServer(http.HandlerFunc(bus.serve))
	defer srv.Close()
	defer bus.Close()

	conn, err := OpenWebSocketConnection("ws"+strings.TrimPrefix(srv.URL, "http"), "", "", false)
	require.NoError(t, err)
	defer conn.Close()

	// Client to board
	_, err = conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(bus, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf)

	// Board to every client, one message read in pieces
	_, err = bus.Write([]byte{4, 5, 6})
	require.NoError(t, err)
	buf = make([]byte, 2)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, buf[:n])
	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{6}, buf[:n])
}

func TestOpenWebSocketConnectionRejectsScheme(t *testing.T) {
	_, err := OpenWebSocketConnection("http://localhost/mcb", "", "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported URL scheme")
}
