// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// mcbstat - MCB servo board bus toolkit
//
// Talks to MCB dual-channel servo boards on an RS-485 multidrop bus, and runs
// emulated boards for bench work without hardware.

package main

import (
	"flag"
	"os"

	"github.com/golang/glog"

	"github.com/Thermoquad/mcbstat/cmd"
)

func main() {
	// glog flags are parsed by cobra; mark the Go flag set parsed so glog
	// does not complain
	flag.CommandLine.Parse([]string{})
	defer glog.Flush()

	if err := cmd.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
}
