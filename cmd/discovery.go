// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/mcbstat/pkg/host"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

var (
	discoveryTimeout int
	discoveryFirst   int
	discoveryLast    int
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Discover boards on the bus",
	Long: `Read the id of every board address and list the boards that answer.

Each address gets one ID read; boards answer within the reply timeout or are
considered absent. The scan covers ids 0 to 125 unless --first/--last narrow it.
For every board found the firmware version is read as well.

Examples:
  # Scan the whole bus
  mcbstat discovery --port /dev/ttyUSB0

  # Scan the first ten ids through a WebSocket bridge
  mcbstat discovery --url ws://bridge.local/mcb --last 9

Exit codes:
  0 - Discovery successful (at least one board found)
  1 - Discovery failed (no boards or timeout)
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 30, "Timeout in seconds for the whole scan")
	discoveryCmd.Flags().IntVar(&discoveryFirst, "first", 0, "First board id to query")
	discoveryCmd.Flags().IntVar(&discoveryLast, "last", mcbproto.MaxBoardID, "Last board id to query")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	if discoveryFirst < 0 || discoveryLast > mcbproto.MaxBoardID || discoveryFirst > discoveryLast {
		return fmt.Errorf("invalid id range %d..%d (ids are 0..%d)", discoveryFirst, discoveryLast, mcbproto.MaxBoardID)
	}

	client, connInfo, stop, err := openClient(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer stop()

	ids := host.AllIDs()[discoveryFirst : discoveryLast+1]

	fmt.Printf("mcbstat - Board Discovery\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Probing ids %d..%d\n", discoveryFirst, discoveryLast)
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(discoveryTimeout)*time.Second)
	defer cancel()

	boards, err := client.Discover(ctx, ids, func(id uint8) {
		fmt.Printf("Board found: id %d\n", id)
	})
	if err != nil {
		if errors.Is(err, host.ErrTimeout) {
			fmt.Printf("\nTIMEOUT: scan did not finish in %ds\n", discoveryTimeout)
		} else {
			fmt.Printf("READ FAILED: %v\n", err)
			os.Exit(2)
		}
	}

	// Summary
	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Boards found: %d\n", len(boards))
	for _, id := range boards {
		version, err := client.Read(context.Background(), id, mcbproto.ChannelA, mcbproto.OpFirmwareVersion)
		if err != nil {
			fmt.Printf("  id %3d  firmware: %v\n", id, err)
			continue
		}
		fmt.Printf("  id %3d  firmware: %d\n", id, version)
	}

	if len(boards) == 0 {
		fmt.Printf("No boards discovered. Check connection, termination and board power.\n")
		os.Exit(1)
	}

	return nil
}
