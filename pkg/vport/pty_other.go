// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !linux

package vport

import (
	"fmt"
	"runtime"
)

// Open allocates a pseudo-terminal. It is only supported on Linux.
func Open() (*Port, error) {
	return nil, fmt.Errorf("vport: pseudo-terminals are not supported on %s", runtime.GOOS)
}
