// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package idstore

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Size is the EEPROM size in bytes
const Size = 512

// erased is the value of a never written EEPROM cell
const erased = 0xFF

// imageVersion is the on-disk format version
const imageVersion = 1

// imageFile is the CBOR document an Image is saved as
type imageFile struct {
	Version int    `cbor:"1,keyasint"`
	Data    []byte `cbor:"2,keyasint"`
	Saved   int64  `cbor:"3,keyasint,omitempty"`
}

// Image is an in-memory EEPROM, optionally backed by a file
type Image struct {
	mu   sync.Mutex
	data [Size]byte
	path string
}

// NewImage returns an erased EEPROM that is not backed by a file
func NewImage() *Image {
	m := &Image{}
	for i := range m.data {
		m.data[i] = erased
	}
	return m
}

// Open loads the EEPROM image at path. A missing file yields an erased image
// that is created on the first Flush.
func Open(path string) (*Image, error) {
	m := NewImage()
	m.path = path

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read EEPROM image: %w", err)
	}

	var f imageFile
	if err := cbor.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode EEPROM image %s: %w", path, err)
	}
	if f.Version != imageVersion {
		return nil, fmt.Errorf("unsupported EEPROM image version %d", f.Version)
	}
	if len(f.Data) > Size {
		return nil, fmt.Errorf("EEPROM image too large: %d bytes", len(f.Data))
	}
	copy(m.data[:], f.Data)
	return m, nil
}

// Path returns the backing file, empty for a memory-only image
func (m *Image) Path() string {
	return m.path
}

// ByteAt returns the byte at addr. Addresses wrap at Size.
func (m *Image) ByteAt(addr uint16) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[int(addr)%Size]
}

// SetByte stores v at addr. Addresses wrap at Size.
func (m *Image) SetByte(addr uint16, v byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[int(addr)%Size] = v
}

// Flush saves the image to its backing file
func (m *Image) Flush() error {
	if m.path == "" {
		return nil
	}

	m.mu.Lock()
	f := imageFile{
		Version: imageVersion,
		Data:    append([]byte(nil), m.data[:]...),
		Saved:   time.Now().Unix(),
	}
	m.mu.Unlock()

	raw, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode EEPROM image: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write EEPROM image: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace EEPROM image: %w", err)
	}
	return nil
}
