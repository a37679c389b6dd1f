// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/mcbstat/pkg/firmware"
	"github.com/Thermoquad/mcbstat/pkg/host"
	"github.com/Thermoquad/mcbstat/pkg/idstore"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
	"github.com/Thermoquad/mcbstat/pkg/peripheral"
	"github.com/Thermoquad/mcbstat/pkg/plant"
)

// ============================================================================
// Broker options
// ============================================================================

func TestClientOptionsFromURL(t *testing.T) {
	tests := []struct {
		url      string
		server   string
		prefix   string
		user     string
		clientID string
	}{
		{"mqtt://broker:1883", "tcp://broker:1883", "", "", ""},
		{"tcp://broker:1883/lab", "tcp://broker:1883", "lab/", "", ""},
		{"ssl://me:pw@broker:8883/lab/bench/?client-id=bench", "ssl://broker:8883", "lab/bench/", "me", "bench"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			opts, prefix, err := ClientOptionsFromURL(tt.url)
			require.NoError(t, err)
			require.Len(t, opts.Servers, 1)
			assert.Equal(t, tt.server, opts.Servers[0].String())
			assert.Equal(t, tt.prefix, prefix)
			assert.Equal(t, tt.user, opts.Username)
			assert.Equal(t, tt.clientID, opts.ClientID)
		})
	}

	_, _, err := ClientOptionsFromURL("://bad")
	assert.Error(t, err)
}

func TestDefaultClientID(t *testing.T) {
	id := DefaultClientID()
	assert.True(t, strings.HasPrefix(id, "mcbstat-"))
	assert.Equal(t, id, DefaultClientID())
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "mcb/3/A/state", StateTopic(3, mcbproto.ChannelA))
	assert.Equal(t, "mcb/12/B/state", StateTopic(12, mcbproto.ChannelB))
	assert.Equal(t, "mcb/3/event", EventTopic(3))
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(&mcbproto.Reply{
		BoardID: 4,
		Channel: mcbproto.ChannelB,
		Opcode:  mcbproto.OpError,
		Err:     &mcbproto.BoardError{Code: mcbproto.ErrCodeFault, BoardID: 4, Channel: mcbproto.ChannelB},
	})
	assert.Equal(t, "error", e.Kind)
	assert.Equal(t, mcbproto.FormatErrorCode(mcbproto.ErrCodeFault), e.Message)
	assert.Nil(t, e.Value)

	e = NewEvent(&mcbproto.Reply{BoardID: 4, Opcode: mcbproto.OpExtraValue, Values: []int32{1}})
	assert.Equal(t, "notification", e.Kind)
	require.NotNil(t, e.Value)
	assert.Equal(t, int32(1), *e.Value)

	data, err := json.Marshal(&e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"value":1`)
}

// ============================================================================
// Bridge
// ============================================================================

type recordingSink struct {
	mu     sync.Mutex
	states []host.ChannelState
	events []Event
}

func (s *recordingSink) PublishState(st host.ChannelState) error {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) PublishEvent(e Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

type rw struct {
	io.Reader
	io.Writer
}

const testID = 6

func newBridge(t *testing.T) (*Bridge, *recordingSink, *plant.Hardware) {
	t.Helper()
	ids := idstore.New(idstore.NewImage())
	require.True(t, ids.WriteID(testID))

	boardR, hostW := io.Pipe()
	hostR, boardW := io.Pipe()
	hw := plant.New(plant.DefaultConfig(), boardW)
	board := firmware.New(hw, ids, firmware.Config{ControlPeriod: peripheral.DefaultControlPeriod, IDReadLoop: 1})
	hw.Attach(board)

	sink := &recordingSink{}
	bridge := &Bridge{Sink: sink, Boards: []uint8{testID, testID + 1}, Interval: 10 * time.Millisecond}
	opts := host.DefaultOptions()
	opts.ReplyTimeout = 50 * time.Millisecond
	opts.Notify = bridge.Notify
	bridge.Client = host.NewClient(rw{hostR, hostW}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hw.Run(ctx) }()
	go func() { _ = board.Run(ctx) }()
	go func() { _ = hw.Receive(boardR) }()
	go func() { _ = bridge.Client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = hostW.Close()
		_ = boardW.Close()
	})

	// Wait for the id and a few analog rounds
	require.Eventually(t, func() bool {
		s := board.Status()
		return s.ID == testID && s.Loop >= 3
	}, time.Second, time.Millisecond)
	return bridge, sink, hw
}

func TestBridgePoll(t *testing.T) {
	bridge, sink, hw := newBridge(t)

	hw.InjectFault(0)
	require.NoError(t, bridge.Poll(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()

	// The absent board is skipped
	require.Len(t, sink.states, 2)
	assert.Equal(t, mcbproto.ChannelA, sink.states[0].Channel)
	assert.Equal(t, mcbproto.ChannelB, sink.states[1].Channel)
	for _, s := range sink.states {
		assert.Equal(t, uint8(testID), s.BoardID)
		assert.False(t, s.Enabled)
		assert.Equal(t, int32(plant.PotCenter), s.Pot)
	}

	require.Len(t, sink.events, 1)
	assert.Equal(t, "error", sink.events[0].Kind)
	assert.Equal(t, mcbproto.ChannelA, sink.events[0].Channel)
}

func TestBridgeRunStops(t *testing.T) {
	bridge, sink, _ := newBridge(t)
	bridge.Boards = []uint8{testID}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.states) >= 6
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
}
