// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package host implements the bus master. A Client writes padded request
// frames to a bus connection and matches the frames boards send back to the
// request that caused them. Frames that arrive outside a transaction, such as a
// board's second timeout frame, are handed to a notification callback.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

var (
	// ErrNoResponse indicates that no frame arrived within the reply window
	ErrNoResponse = errors.New("no response")
	// ErrTimeout indicates that the caller's deadline passed while waiting for
	// a reply
	ErrTimeout = errors.New("timed out")
	// ErrClosed indicates that the connection reader has stopped
	ErrClosed = errors.New("connection closed")
	// ErrUnexpectedReply indicates a reply for a different opcode
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// DefaultReplyTimeout is how long a board has to start answering
const DefaultReplyTimeout = 100 * time.Millisecond

// Options configure a Client
type Options struct {
	// ReplyTimeout bounds the wait for each reply
	ReplyTimeout time.Duration
	// MinPacketSize pads request frames with leading zeros. Boards older than
	// firmware 32 need mcbproto.MinMasterPacketSizeLegacy.
	MinPacketSize int
	// Notify receives frames that are not the reply to a request. It is called
	// from the transacting goroutine and must not start a transaction.
	Notify func(*mcbproto.Reply)
}

// DefaultOptions returns options for current firmware
func DefaultOptions() Options {
	return Options{
		ReplyTimeout:  DefaultReplyTimeout,
		MinPacketSize: mcbproto.MinMasterPacketSize,
	}
}

// Client is a bus master. Transactions are serialized; it is safe to use
// from several goroutines.
type Client struct {
	conn io.ReadWriter
	opts Options

	mu     sync.Mutex // one transaction at a time
	frames chan *mcbproto.Packet

	done chan struct{}

	statsMu sync.Mutex
	stats   *mcbproto.Statistics
}

// NewClient creates a client on conn. Run must be started to receive replies.
func NewClient(conn io.ReadWriter, opts Options) *Client {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	return &Client{
		conn:   conn,
		opts:   opts,
		frames: make(chan *mcbproto.Packet, 16),
		done:   make(chan struct{}),
		stats:  mcbproto.NewStatistics(),
	}
}

// Run decodes frames from the connection until a read fails or ctx is done.
// Cancelling ctx takes effect at the next read; close the connection to stop
// a blocked read.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)
	return c.read(ctx)
}

func (c *Client) read(ctx context.Context) error {
	decoder := mcbproto.NewDecoder()
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.conn.Read(buf)
		for _, b := range buf[:n] {
			pkt, decodeErr := decoder.DecodeByte(b)
			if pkt == nil && decodeErr == nil {
				continue
			}
			c.received(pkt, decodeErr)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrClosed
			}
			return fmt.Errorf("host: bus read: %w", err)
		}
	}
}

func (c *Client) received(pkt *mcbproto.Packet, decodeErr error) {
	var anomalies []mcbproto.ValidationError
	if pkt != nil {
		anomalies = mcbproto.ValidatePacket(pkt)
	}
	c.statsMu.Lock()
	c.stats.Update(pkt, decodeErr, anomalies)
	c.statsMu.Unlock()

	if decodeErr != nil {
		glog.V(1).Infof("host: frame rejected: %v", decodeErr)
		return
	}
	if glog.V(2) {
		glog.Infof("host: RX %s", mcbproto.FormatPacket(pkt))
	}

	select {
	case c.frames <- pkt:
	default:
		glog.Warningf("host: reply queue full, dropped %s", mcbproto.FormatPacket(pkt))
	}
}

// Statistics returns a copy of the receive statistics
func (c *Client) Statistics() mcbproto.Statistics {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.CalculateRates()
	return *c.stats
}

// ResetStatistics clears the receive statistics
func (c *Client) ResetStatistics() {
	c.statsMu.Lock()
	c.stats.Reset()
	c.statsMu.Unlock()
}

// Send writes a request without waiting for a reply
func (c *Client) Send(pkt *mcbproto.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(pkt)
}

func (c *Client) send(pkt *mcbproto.Packet) error {
	if glog.V(2) {
		glog.Infof("host: TX %s", mcbproto.FormatPacket(pkt))
	}
	if _, err := c.conn.Write(mcbproto.EncodeMasterPacket(pkt, c.opts.MinPacketSize)); err != nil {
		return fmt.Errorf("host: bus write: %w", err)
	}
	return nil
}

// Transact writes a request and returns the first reply from the addressed
// board. Every board answers a broadcast, so those replies are passed to Notify
// for one reply timeout and the returned reply is nil.
func (c *Client) Transact(ctx context.Context, pkt *mcbproto.Packet) (*mcbproto.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flush()
	if err := c.send(pkt); err != nil {
		return nil, err
	}
	if pkt.BoardID() == mcbproto.BroadcastID {
		c.settle(ctx)
		return nil, nil
	}

	timer := time.NewTimer(c.opts.ReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: board %d %s", ErrTimeout, pkt.BoardID(), mcbproto.FormatOpcode(pkt.Opcode()))
			}
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		case <-timer.C:
			return nil, fmt.Errorf("%w: board %d %s", ErrNoResponse, pkt.BoardID(), mcbproto.FormatOpcode(pkt.Opcode()))
		case p := <-c.frames:
			reply, err := mcbproto.ParseReply(p)
			if err != nil {
				glog.Warningf("host: unparseable reply %s: %v", mcbproto.FormatPacket(p), err)
				continue
			}
			if reply.BoardID != pkt.BoardID() {
				c.notify(reply)
				continue
			}
			return reply, nil
		}
	}
}

// settle passes frames to Notify until the reply timeout expires, so late
// answers to a broadcast are not taken for the next reply
func (c *Client) settle(ctx context.Context) {
	timer := time.NewTimer(c.opts.ReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-timer.C:
			return
		case p := <-c.frames:
			reply, err := mcbproto.ParseReply(p)
			if err != nil {
				glog.Warningf("host: unparseable frame %s: %v", mcbproto.FormatPacket(p), err)
				continue
			}
			c.notify(reply)
		}
	}
}

// flush hands frames that arrived since the last transaction to Notify
func (c *Client) flush() {
	for {
		select {
		case p := <-c.frames:
			reply, err := mcbproto.ParseReply(p)
			if err != nil {
				glog.Warningf("host: unparseable frame %s: %v", mcbproto.FormatPacket(p), err)
				continue
			}
			c.notify(reply)
		default:
			return
		}
	}
}

func (c *Client) notify(r *mcbproto.Reply) {
	if r.Opcode == mcbproto.OpEmptyResponse {
		return
	}
	if c.opts.Notify != nil {
		c.opts.Notify(r)
		return
	}
	if r.Err != nil {
		glog.Warningf("host: unsolicited %v", r.Err)
	} else {
		glog.V(1).Infof("host: unsolicited %s from board %d", mcbproto.FormatOpcode(r.Opcode), r.BoardID)
	}
}
