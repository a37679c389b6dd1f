// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

var (
	packetTestTimeout int
	packetTestPing    int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid frame",
	Long: `Wait for a valid bus frame on the connection until timeout.

This command connects to a serial port or WebSocket and waits for any valid
frame. It ignores invalid bytes and waits for a complete frame with a good
checksum. Boards only talk when asked, so --ping sends an empty request to
the given board id first.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
	packetTestCmd.Flags().IntVar(&packetTestPing, "ping", -1, "Board id to send an empty request to (-1 to only listen)")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("mcbstat - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)

	if packetTestPing >= 0 {
		if packetTestPing > mcbproto.MaxBoardID {
			fmt.Fprintf(os.Stderr, "Invalid board id %d\n", packetTestPing)
			os.Exit(2)
		}
		ping := mcbproto.NewEmptyRequest(uint8(packetTestPing), mcbproto.ChannelA)
		if _, err := conn.Write(mcbproto.EncodeMasterPacket(ping, clientOptions().MinPacketSize)); err != nil {
			fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
			os.Exit(2)
		}
		fmt.Printf("Sent empty request to board %d\n", packetTestPing)
	}
	fmt.Printf("Waiting for valid frame...\n\n")

	decoder := mcbproto.NewDecoder()
	buf := make([]byte, 128)

	// Channel for frame reception
	packetChan := make(chan *mcbproto.Packet, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		skipped := 0
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			for i := 0; i < n; i++ {
				packet, decodeErr := decoder.DecodeByte(buf[i])
				if decodeErr != nil {
					// Ignore decode errors until the first frame
					skipped++
					continue
				}
				if packet != nil {
					if skipped > 0 {
						fmt.Printf("(skipped %d invalid frames before sync)\n", skipped)
					}
					packetChan <- packet
					return
				}
			}
		}
	}()

	// Wait for frame or timeout
	select {
	case packet := <-packetChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Opcode: %s (0x%02X)\n", mcbproto.FormatOpcode(packet.Opcode()), uint8(packet.Opcode()))
		fmt.Printf("  Address: %s\n", mcbproto.FormatAddress(packet.Address()))
		fmt.Printf("  Length: %d bytes\n", len(packet.Payload()))
		fmt.Printf("  Checksum: 0x%02X\n", packet.Checksum())
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
