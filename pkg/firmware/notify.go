// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"github.com/Thermoquad/mcbstat/pkg/critical"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

// Notification latches. Each is a single slot: an event raised twice before a
// reply has room for it is reported once.
const (
	flagExtraA critical.Flag = 1 << iota
	flagExtraB
	flagTimeout
	flagFaultA
	flagFaultB
	flagBufferOverflow
	flagPacketOverflow
	flagBadChecksum
	flagUninitA
	flagUninitB
)

func extraFlag(ch int) critical.Flag {
	if ch == 0 {
		return flagExtraA
	}
	return flagExtraB
}

func faultFlag(ch int) critical.Flag {
	if ch == 0 {
		return flagFaultA
	}
	return flagFaultB
}

func uninitFlag(ch int) critical.Flag {
	if ch == 0 {
		return flagUninitA
	}
	return flagUninitB
}

// notify replaces the staged reply with the most urgent pending notification,
// if any, and returns the channel the reply is addressed to
func (b *Board) notify(ch int) int {
	switch {
	case b.flags.Take(flagExtraA):
		return b.notifyExtra(0)

	case b.flags.Take(flagExtraB):
		return b.notifyExtra(1)

	case b.flags.Take(flagTimeout):
		// An empty reply first flushes whatever the host was receiving when the
		// board timed out
		b.reply.Reset()
		b.putOp(mcbproto.OpEmptyResponse)
		b.sendReply(ch)
		b.putError(mcbproto.ErrCodeTimeoutDisable)

	case b.flags.Take(flagFaultA):
		b.reply.Reset()
		b.putError(mcbproto.ErrCodeFault)
		ch = 0

	case b.flags.Take(flagFaultB):
		b.reply.Reset()
		b.putError(mcbproto.ErrCodeFault)
		ch = 1

	case b.flags.Take(flagBufferOverflow):
		b.reply.Reset()
		b.putError(mcbproto.ErrCodeBufferOverflow)

	case b.flags.Take(flagPacketOverflow):
		b.reply.Reset()
		b.putError(mcbproto.ErrCodePacketOverflow)

	case b.flags.Take(flagBadChecksum):
		b.reply.Reset()
		b.putError(mcbproto.ErrCodeBadChecksum)

	case b.flags.Take(flagUninitA):
		b.reply.Reset()
		b.putError(mcbproto.ErrCodeUninitialized)
		ch = 0

	case b.flags.Take(flagUninitB):
		b.reply.Reset()
		b.putError(mcbproto.ErrCodeUninitialized)
		ch = 1
	}
	return ch
}

func (b *Board) notifyExtra(ch int) int {
	var level bool
	b.guard.Do(func() { level = b.ch[ch].extraSwitch })

	b.reply.Reset()
	b.put(boolByte(level))
	b.putOp(mcbproto.OpExtraValue)
	return ch
}

// notifyUninitialized latches the uninitialized warning for a channel that
// receives targets before it was ever enabled, once per channel
func (b *Board) notifyUninitialized(ch int) {
	c := b.ch[ch].ctrl
	if c.Initialized || c.NotifiedInitialized {
		return
	}
	c.NotifiedInitialized = true
	b.flags.Set(uninitFlag(ch))
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
