// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

// Read reads one parameter of a channel
func (c *Client) Read(ctx context.Context, id uint8, ch mcbproto.Channel, op mcbproto.Opcode) (int32, error) {
	if id == mcbproto.BroadcastID {
		return mcbproto.NoTarget, fmt.Errorf("reading %s: broadcast replies cannot be told apart", mcbproto.FormatOpcode(op))
	}
	reply, err := c.Transact(ctx, mcbproto.NewRead(id, ch, op))
	if err != nil {
		return mcbproto.NoTarget, err
	}
	if reply.Err != nil {
		return mcbproto.NoTarget, reply.Err
	}
	if reply.Opcode != op {
		c.notify(reply)
		return mcbproto.NoTarget, fmt.Errorf("%w: %s for %s", ErrUnexpectedReply,
			mcbproto.FormatOpcode(reply.Opcode), mcbproto.FormatOpcode(op))
	}
	return reply.Value(), nil
}

// Write writes one parameter of a channel. An error reply is returned as a
// *mcbproto.BoardError. Writes to mcbproto.BroadcastID are not acknowledged.
func (c *Client) Write(ctx context.Context, id uint8, ch mcbproto.Channel, op mcbproto.Opcode, v int32) error {
	pkt, err := mcbproto.NewWrite(id, ch, op, v)
	if err != nil {
		return err
	}
	reply, err := c.Transact(ctx, pkt)
	if err != nil || reply == nil {
		return err
	}
	if reply.Err != nil {
		return reply.Err
	}
	// A pending notification may stand in for the acknowledgement
	c.notify(reply)
	return nil
}

// DualTarget sets the targets of both channels and returns the feedback the
// opcode selects: one value describing channel ch, or channel A then B for the
// two-value opcodes
func (c *Client) DualTarget(ctx context.Context, id uint8, ch mcbproto.Channel, op mcbproto.Opcode, targetA, targetB int32) ([]int32, error) {
	pkt, err := mcbproto.NewDualTarget(id, ch, op, targetA, targetB)
	if err != nil {
		return nil, err
	}
	reply, err := c.Transact(ctx, pkt)
	if err != nil || reply == nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	if reply.Opcode != op {
		c.notify(reply)
		return nil, fmt.Errorf("%w: %s for %s", ErrUnexpectedReply,
			mcbproto.FormatOpcode(reply.Opcode), mcbproto.FormatOpcode(op))
	}
	return reply.Values, nil
}

// Ping sends a keep-alive, which also resets the board's communication timeout
func (c *Client) Ping(ctx context.Context, id uint8) error {
	reply, err := c.Transact(ctx, mcbproto.NewEmptyRequest(id, mcbproto.ChannelA))
	if err != nil || reply == nil {
		return err
	}
	if reply.Err != nil {
		return reply.Err
	}
	c.notify(reply)
	return nil
}

// PollNotification asks a board for its most urgent pending notification. It
// returns nil when the board has nothing to report.
func (c *Client) PollNotification(ctx context.Context, id uint8) (*mcbproto.Reply, error) {
	reply, err := c.Transact(ctx, mcbproto.NewRequestMessage(id, mcbproto.ChannelA))
	if err != nil || reply == nil {
		return nil, err
	}
	if reply.Opcode == mcbproto.OpEmptyResponse {
		return nil, nil
	}
	return reply, nil
}

// ChangeID stores a new id on a board. Boards only answer an id write when it
// fails, so silence is success.
func (c *Client) ChangeID(ctx context.Context, id, newID uint8) error {
	if newID > mcbproto.MaxBoardID {
		return fmt.Errorf("board id %d out of range 0..%d", newID, mcbproto.MaxBoardID)
	}
	reply, err := c.Transact(ctx, mcbproto.NewIDChange(id, newID))
	if errors.Is(err, ErrNoResponse) {
		glog.Infof("host: board %d now has id %d", id, newID)
		return nil
	}
	if err != nil || reply == nil {
		return err
	}
	if reply.Err != nil {
		return reply.Err
	}
	return nil
}

// Param is one channel parameter value
type Param struct {
	Op    mcbproto.Opcode
	Value int32
}

// Configure writes channel parameters in order, then the enable state. Boards
// leave initialization only when the enable is written, so it always comes last.
func (c *Client) Configure(ctx context.Context, id uint8, ch mcbproto.Channel, params []Param, enable bool) error {
	for _, p := range params {
		if p.Op == mcbproto.OpEnable {
			continue
		}
		if err := c.Write(ctx, id, ch, p.Op, p.Value); err != nil {
			return fmt.Errorf("writing %s: %w", mcbproto.FormatOpcode(p.Op), err)
		}
	}
	var v int32
	if enable {
		v = 1
	}
	if err := c.Write(ctx, id, ch, mcbproto.OpEnable, v); err != nil {
		return fmt.Errorf("writing %s: %w", mcbproto.FormatOpcode(mcbproto.OpEnable), err)
	}
	return nil
}

// Discover reads the id of every board in ids and returns those that answered.
// A board that answers with an error is still present.
func (c *Client) Discover(ctx context.Context, ids []uint8, found func(id uint8)) ([]uint8, error) {
	var present []uint8
	for _, id := range ids {
		v, err := c.Read(ctx, id, mcbproto.ChannelA, mcbproto.OpID)
		var boardErr *mcbproto.BoardError
		switch {
		case err == nil:
			if uint8(v) != id {
				glog.Warningf("host: board at %d reports id %d", id, v)
			}
		case errors.As(err, &boardErr), errors.Is(err, ErrUnexpectedReply):
		case errors.Is(err, ErrNoResponse):
			continue
		default:
			return present, err
		}
		present = append(present, id)
		if found != nil {
			found(id)
		}
	}
	return present, nil
}

// AllIDs returns every addressable board id
func AllIDs() []uint8 {
	ids := make([]uint8, 0, mcbproto.MaxBoardID+1)
	for id := 0; id <= mcbproto.MaxBoardID; id++ {
		ids = append(ids, uint8(id))
	}
	return ids
}
