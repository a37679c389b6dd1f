// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcbproto

import "fmt"

// BoardError is an error reported by a board in an OpError reply
type BoardError struct {
	Code    ErrorCode
	BoardID uint8
	Channel Channel
	// Detail holds any bytes preceding the code, e.g. the rejected opcode
	// for ErrCodeBadCommand
	Detail []byte
}

// Error implements the error interface
func (e *BoardError) Error() string {
	msg := fmt.Sprintf("board %d channel %s: %s", e.BoardID, e.Channel, FormatErrorCode(e.Code))
	if e.Code == ErrCodeBadCommand && len(e.Detail) > 0 {
		op := Opcode(e.Detail[len(e.Detail)-1])
		msg += fmt.Sprintf(" (%s)", FormatOpcode(op))
	}
	return msg
}

// Reply is a decoded board response
type Reply struct {
	BoardID uint8
	Channel Channel
	Opcode  Opcode
	// Values holds one value for single-value replies. Replies covering both
	// channels hold channel A then channel B.
	Values []int32
	Err    *BoardError
}

// Value returns the first value, or NoTarget when the reply carries none
func (r *Reply) Value() int32 {
	if len(r.Values) == 0 {
		return NoTarget
	}
	return r.Values[0]
}

// ParseReply interprets a packet received from a board
func ParseReply(p *Packet) (*Reply, error) {
	reply := &Reply{
		BoardID: p.BoardID(),
		Channel: p.Channel(),
		Opcode:  p.Opcode(),
	}
	fields := p.Fields()

	switch reply.Opcode {
	case OpError:
		boardErr := &BoardError{BoardID: reply.BoardID, Channel: reply.Channel}
		code, err := fields.Byte()
		if err != nil {
			// A bare error frame is what a board manages to send while its
			// bridge is faulting
			boardErr.Code = ErrCodeFault
		} else {
			boardErr.Code = ErrorCode(code)
		}
		boardErr.Detail = append([]byte(nil), p.payload[:fields.Remaining()]...)
		reply.Err = boardErr
		return reply, nil

	case OpEmptyResponse, OpRequestMessage:
		return reply, nil
	}

	size, ok := reply.Opcode.DataSize()
	if !ok {
		return nil, fmt.Errorf("reply with unknown opcode %d", reply.Opcode)
	}

	// A switch-mode extra pin reports level changes as a single byte
	if reply.Opcode == OpExtraValue && fields.Remaining() == 1 {
		size = SizeU08
	}

	switch size {
	case SizeU08:
		b, err := fields.Byte()
		if err != nil {
			return nil, fmt.Errorf("%s reply: %w", FormatOpcode(reply.Opcode), err)
		}
		reply.Values = []int32{int32(b)}
	case SizeS32:
		v, err := fields.Int32()
		if err != nil {
			return nil, fmt.Errorf("%s reply: %w", FormatOpcode(reply.Opcode), err)
		}
		reply.Values = []int32{v}
	case SizeDoubleS32:
		a, err := fields.Int32()
		if err != nil {
			return nil, fmt.Errorf("%s reply: %w", FormatOpcode(reply.Opcode), err)
		}
		b, err := fields.Int32()
		if err != nil {
			return nil, fmt.Errorf("%s reply: %w", FormatOpcode(reply.Opcode), err)
		}
		reply.Values = []int32{a, b}
	}
	return reply, nil
}
