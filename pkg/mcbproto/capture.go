// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcbproto

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CaptureRecord is one chunk of bus traffic as it arrived from a connection.
// Records are stored as a sequence of CBOR maps with integer keys.
type CaptureRecord struct {
	Timestamp int64  `cbor:"0,keyasint"` // Unix nanoseconds
	Data      []byte `cbor:"1,keyasint"`
	Note      string `cbor:"2,keyasint,omitempty"`
}

// Time returns the record timestamp
func (r CaptureRecord) Time() time.Time {
	return time.Unix(0, r.Timestamp)
}

// CaptureWriter appends capture records to a stream
type CaptureWriter struct {
	enc   *cbor.Encoder
	count int
}

// NewCaptureWriter creates a writer on w
func NewCaptureWriter(w io.Writer) *CaptureWriter {
	return &CaptureWriter{enc: cbor.NewEncoder(w)}
}

// Write records data received at t
func (c *CaptureWriter) Write(t time.Time, data []byte) error {
	rec := CaptureRecord{Timestamp: t.UnixNano(), Data: data}
	if err := c.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode capture record: %w", err)
	}
	c.count++
	return nil
}

// Count returns the number of records written
func (c *CaptureWriter) Count() int {
	return c.count
}

// CaptureReader reads capture records back
type CaptureReader struct {
	dec *cbor.Decoder
}

// NewCaptureReader creates a reader on r
func NewCaptureReader(r io.Reader) *CaptureReader {
	return &CaptureReader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the stream
func (c *CaptureReader) Next() (*CaptureRecord, error) {
	var rec CaptureRecord
	if err := c.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode capture record: %w", err)
	}
	return &rec, nil
}

// Replay feeds every captured byte through a fresh decoder and calls fn for each
// decoded packet or decode error
func Replay(r io.Reader, fn func(*Packet, error)) error {
	reader := NewCaptureReader(r)
	decoder := NewDecoder()
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		for _, b := range rec.Data {
			packet, err := decoder.DecodeByte(b)
			if err != nil || packet != nil {
				if packet != nil {
					packet.timestamp = rec.Time()
				}
				fn(packet, err)
			}
		}
	}
}
