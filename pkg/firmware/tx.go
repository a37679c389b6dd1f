// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"time"

	"github.com/golang/glog"

	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

// txTimeout bounds the wait for the previous frame to drain
const txTimeout = 100 * time.Millisecond

// Replies are staged in b.reply, which escapes bytes and sums the checksum as
// they are added, and copied to the transmit queue once the transmitter is idle.

func (b *Board) put(v byte) {
	b.reply.WriteByte(v)
}

func (b *Board) putInt32(v int32) {
	b.reply.WriteInt32(v)
}

func (b *Board) putOp(op mcbproto.Opcode) {
	b.reply.WriteByte(byte(op))
}

// putError stages an error reply: any detail bytes, the code and the error
// command
func (b *Board) putError(code mcbproto.ErrorCode, detail ...byte) {
	for _, d := range detail {
		b.put(d)
	}
	b.put(byte(code))
	b.putOp(mcbproto.OpError)
}

// sendReply completes the staged reply with the address of channel ch and
// transmits it. Nothing is sent when no reply is staged.
func (b *Board) sendReply(ch int) {
	if b.reply.Len() == 0 {
		return
	}
	frame := b.reply.Finish(mcbproto.AddressByte(mcbproto.Channel(ch), b.id))
	b.transmit(frame)
}

func (b *Board) transmit(frame []byte) {
	if !b.waitTxReady() {
		glog.Warningf("firmware: transmitter did not drain in %v, previous frame dropped", txTimeout)
	}

	b.txReady.Store(false)
	for _, v := range frame {
		if err := b.tx.PushBack(v); err != nil {
			glog.Errorf("firmware: %d byte frame truncated: %v", len(frame), err)
			break
		}
	}

	b.hal.SetTxEnable(true)
	if v, ok := b.tx.PopFront(); ok {
		b.hal.SendByte(v)
	}
}

// waitTxReady blocks until the transmitter is idle. It reports false when it
// gave up and reset the transmitter.
func (b *Board) waitTxReady() bool {
	if b.txReady.Load() {
		return true
	}

	timer := time.NewTimer(txTimeout)
	defer timer.Stop()
	for !b.txReady.Load() {
		select {
		case <-b.txIdle:
		case <-timer.C:
			b.tx.Reset()
			b.txReady.Store(true)
			b.hal.SetTxEnable(false)
			return false
		}
	}
	return true
}

// TxComplete is the transmit-complete interrupt. It sends the next queued byte,
// or releases the bus when the queue is empty.
func (b *Board) TxComplete() {
	if v, ok := b.tx.PopFront(); ok {
		b.hal.SendByte(v)
		return
	}

	b.tx.Reset()
	b.txReady.Store(true)
	b.hal.SetTxEnable(false)
	select {
	case b.txIdle <- struct{}{}:
	default:
	}
}
