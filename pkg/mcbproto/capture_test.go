// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcbproto

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

// ============================================================
// Capture Tests
// ============================================================

func TestCaptureRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewCaptureWriter(&buf)

	start := time.Unix(1700000000, 0)
	first := EncodePacket(NewRead(1, ChannelA, OpTargetTick))
	second := EncodePacket(replyPacket(OpTargetTick, ChannelA, 1, 42))

	// Split the second frame across records the way a serial read would
	if err := w.Write(start, append(first, second[:2]...)); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := w.Write(start.Add(time.Millisecond), second[2:]); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if w.Count() != 2 {
		t.Errorf("Expected 2 records, got %d", w.Count())
	}

	r := NewCaptureReader(bytes.NewReader(buf.Bytes()))
	rec, err := r.Next()
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if !rec.Time().Equal(start) {
		t.Errorf("Expected timestamp %v, got %v", start, rec.Time())
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}

	var packets []*Packet
	err = Replay(bytes.NewReader(buf.Bytes()), func(p *Packet, err error) {
		if err != nil {
			t.Errorf("Unexpected replay error: %v", err)
			return
		}
		packets = append(packets, p)
	})
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("Expected 2 packets, got %d", len(packets))
	}
	reply, err := ParseReply(packets[1])
	if err != nil || reply.Value() != 42 {
		t.Errorf("Expected value 42, got %v (%v)", reply, err)
	}
	if !packets[1].Timestamp().Equal(start.Add(time.Millisecond)) {
		t.Errorf("Replayed packet should carry the record time, got %v", packets[1].Timestamp())
	}
}

func TestCaptureReaderCorrupt(t *testing.T) {
	r := NewCaptureReader(bytes.NewReader([]byte{0xFF, 0x00}))
	if _, err := r.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("Expected decode error, got %v", err)
	}
}
