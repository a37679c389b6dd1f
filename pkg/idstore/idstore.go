// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package idstore persists the board's bus id in EEPROM.
//
// The id is written to four slots. Each slot holds the header 1, 2, 3, 4 followed
// by the id and the id plus ten; a slot is valid only when both checks pass. A
// read takes the first valid slot, so a single corrupted slot does not lose the
// id.
package idstore

import "github.com/golang/glog"

// InvalidID is returned when no slot holds a valid id
const InvalidID = 126

// Slot layout
const (
	firstSlot    = 10
	slotSpacing  = 10
	slotCount    = 4
	attempts     = 10
	checkOffset  = 10
	headerLength = 4
)

// EEPROM is byte-addressed non-volatile memory
type EEPROM interface {
	ByteAt(addr uint16) byte
	SetByte(addr uint16, v byte)
}

// Flusher is implemented by memories that buffer writes
type Flusher interface {
	Flush() error
}

// Store reads and writes the id
type Store struct {
	mem EEPROM
}

// New returns a store over mem
func New(mem EEPROM) *Store {
	return &Store{mem: mem}
}

func slotAddr(i int) uint16 {
	return uint16(firstSlot + i*slotSpacing)
}

// ReadID returns the id of the first valid slot, or InvalidID
func (s *Store) ReadID() uint8 {
	for i := 0; i < slotCount; i++ {
		for try := 0; try < attempts; try++ {
			if id := s.readSlot(slotAddr(i)); id != InvalidID {
				return id
			}
		}
	}
	return InvalidID
}

// WriteID writes id to every slot, verifying each write and retrying a slot up
// to ten times. It reports whether the id now reads back.
func (s *Store) WriteID(id uint8) bool {
	for i := 0; i < slotCount; i++ {
		addr := slotAddr(i)
		ok := false
		for try := 0; try < attempts; try++ {
			s.writeSlot(addr, id)
			if s.readSlot(addr) == id {
				ok = true
				break
			}
		}
		if !ok {
			glog.Warningf("idstore: slot at %d failed to verify id %d", addr, id)
		}
	}

	if f, ok := s.mem.(Flusher); ok {
		if err := f.Flush(); err != nil {
			glog.Errorf("idstore: %v", err)
			return false
		}
	}
	return s.ReadID() == id
}

func (s *Store) writeSlot(addr uint16, id uint8) {
	for i := 0; i < headerLength; i++ {
		s.mem.SetByte(addr+uint16(i), byte(i+1))
	}
	s.mem.SetByte(addr+headerLength, id)
	s.mem.SetByte(addr+headerLength+1, id+checkOffset)
}

func (s *Store) readSlot(addr uint16) uint8 {
	for i := 0; i < headerLength; i++ {
		if s.mem.ByteAt(addr+uint16(i)) != byte(i+1) {
			return InvalidID
		}
	}
	id := s.mem.ByteAt(addr + headerLength)
	check := s.mem.ByteAt(addr + headerLength + 1)
	if int(check) != int(id)+checkOffset {
		return InvalidID
	}
	return id
}
