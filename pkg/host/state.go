// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package host

import (
	"context"
	"fmt"
	"time"

	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

// ChannelState is the polled state of one channel
type ChannelState struct {
	BoardID uint8            `json:"board_id"`
	Channel mcbproto.Channel `json:"channel"`
	Time    time.Time        `json:"time"`

	Enabled  bool  `json:"enabled"`
	Target   int32 `json:"target"`
	Actual   int32 `json:"actual"`
	Velocity int32 `json:"velocity"`
	Output   int32 `json:"output"`
	Current  int32 `json:"current"`
	Pot      int32 `json:"pot"`
	Encoder  int32 `json:"encoder"`
}

// Initialized reports whether the channel has ever received a target
func (s *ChannelState) Initialized() bool {
	return s.Target != mcbproto.NoTarget
}

// pollOrder lists the registers ReadChannel reads, with where each one goes
var pollOrder = []struct {
	op  mcbproto.Opcode
	get func(*ChannelState) *int32
}{
	{mcbproto.OpTargetTick, func(s *ChannelState) *int32 { return &s.Target }},
	{mcbproto.OpActualTick, func(s *ChannelState) *int32 { return &s.Actual }},
	{mcbproto.OpActualVelocity, func(s *ChannelState) *int32 { return &s.Velocity }},
	{mcbproto.OpPidOutput, func(s *ChannelState) *int32 { return &s.Output }},
	{mcbproto.OpMotorCurrent, func(s *ChannelState) *int32 { return &s.Current }},
	{mcbproto.OpPotValue, func(s *ChannelState) *int32 { return &s.Pot }},
	{mcbproto.OpEncoderValue, func(s *ChannelState) *int32 { return &s.Encoder }},
}

// ReadChannel polls the state registers of a channel
func (c *Client) ReadChannel(ctx context.Context, id uint8, ch mcbproto.Channel) (ChannelState, error) {
	s := ChannelState{BoardID: id, Channel: ch, Time: time.Now()}

	enabled, err := c.Read(ctx, id, ch, mcbproto.OpEnable)
	if err != nil {
		return s, fmt.Errorf("board %d channel %s: %w", id, ch, err)
	}
	s.Enabled = enabled == 1

	for _, reg := range pollOrder {
		v, err := c.Read(ctx, id, ch, reg.op)
		if err != nil {
			return s, fmt.Errorf("board %d channel %s %s: %w", id, ch, mcbproto.FormatOpcode(reg.op), err)
		}
		*reg.get(&s) = v
	}
	return s, nil
}
