// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package vport provides a virtual serial port. An emulated board serves the
// master side of a pseudo-terminal; host tools open Name() like any serial
// device.
package vport

import (
	"errors"
	"fmt"
	"os"
)

// Port is the master side of a pseudo-terminal
type Port struct {
	file *os.File
	name string
	link string
}

// Name returns the path of the device host tools open
func (p *Port) Name() string {
	return p.name
}

// Link creates a symlink at path pointing to the device, giving the port a
// stable name. The link is removed on Close.
func (p *Port) Link(path string) error {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("vport: %s exists and is not a symlink", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("vport: replacing %s: %w", path, err)
		}
	}
	if err := os.Symlink(p.name, path); err != nil {
		return fmt.Errorf("vport: %w", err)
	}
	p.link = path
	return nil
}

// Read reads bytes written to the device
func (p *Port) Read(b []byte) (int, error) {
	return p.file.Read(b)
}

// Write writes bytes for the device to read
func (p *Port) Write(b []byte) (int, error) {
	return p.file.Write(b)
}

// Close releases the pseudo-terminal and removes the link, if any
func (p *Port) Close() error {
	err := p.file.Close()
	if p.link != "" {
		if rmErr := os.Remove(p.link); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
		p.link = ""
	}
	return err
}
