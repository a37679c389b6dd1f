// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

var (
	showAll       bool
	statsInterval int
	detectReplay  string
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze malformed frames and errors",
	Long: `Track frame errors, board error replies and anomalous values with statistics.

This command listens to the bus without sending anything and validates each
frame, detecting:
  - Checksum errors and decode failures
  - Unknown opcodes and short payloads
  - Error replies from boards (timeouts, faults, bad commands)
  - Anomalous values (uninitialized targets, PWM out of range)

By default, only errors are displayed. Use --show-all to display valid frames too.

Frames are validated in real-time, with errors highlighted immediately and
periodic statistics summaries displayed at configurable intervals. --replay
validates a capture written by 'raw_log --record' instead.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().StringVar(&detectReplay, "replay", "", "Validate a capture file instead of a connection")
}

// frameChecker validates frames and keeps statistics
type frameChecker struct {
	stats        *mcbproto.Statistics
	synchronized bool
	skipped      int
}

func newFrameChecker() *frameChecker {
	return &frameChecker{stats: mcbproto.NewStatistics()}
}

// check handles one decoder result
func (fc *frameChecker) check(packet *mcbproto.Packet, decodeErr error) {
	if decodeErr != nil {
		if !fc.synchronized {
			// Not synced yet, just count
			fc.skipped++
			return
		}
		fc.stats.Update(nil, decodeErr, nil)
		printDecodeError(decodeErr)
		return
	}

	if !fc.synchronized {
		fc.synchronized = true
		if fc.skipped > 0 {
			fmt.Printf("[SYNC] Synchronized after skipping %d invalid frames\n\n", fc.skipped)
		} else {
			fmt.Printf("[SYNC] Synchronized\n\n")
		}
	}

	validationErrors := mcbproto.ValidatePacket(packet)
	fc.stats.Update(packet, nil, validationErrors)

	if len(validationErrors) > 0 {
		printValidationErrors(packet, validationErrors)
	} else if showAll {
		fmt.Print(mcbproto.FormatPacket(packet))
	}
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	fc := newFrameChecker()

	if detectReplay != "" {
		f, err := os.Open(detectReplay)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := mcbproto.Replay(f, fc.check); err != nil {
			return err
		}
		fmt.Println()
		fmt.Print(fc.stats.String())
		return nil
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("mcbstat - Error Detection Mode\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := mcbproto.NewDecoder()

	// Statistics ticker
	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	// Channel for non-blocking reads
	readBuf := make(chan []byte, 10)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				readBuf <- data
			}
			if err != nil {
				if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
					readErr <- err
					return
				}
				glog.Warningf("Read error: %v", err)
			}
		}
	}()

	for {
		select {
		case data := <-readBuf:
			for _, b := range data {
				packet, decodeErr := decoder.DecodeByte(b)
				if decodeErr != nil || packet != nil {
					fc.check(packet, decodeErr)
				}
			}

		case err := <-readErr:
			fmt.Printf("\nConnection closed: %v\n\n", err)
			fmt.Print(fc.stats.String())
			return nil

		case <-statsTicker.C:
			// Print statistics
			fmt.Println()
			fmt.Print(fc.stats.String())
			fmt.Println()
		}
	}
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> DECODE FAILED <<<\n\n")
}

// printValidationErrors prints validation errors for a frame
func printValidationErrors(packet *mcbproto.Packet, errs []mcbproto.ValidationError) {
	timestamp := packet.Timestamp().Format("15:04:05.000")
	op := packet.Opcode()

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X) %s\n",
		timestamp, mcbproto.FormatOpcode(op), uint8(op), mcbproto.FormatAddress(packet.Address()))
	fmt.Printf("  Checksum: \033[1;32mOK\033[0m\n")

	for i, err := range errs {
		switch err.Type {
		case mcbproto.AnomalyUnknownOpcode, mcbproto.AnomalyLengthMismatch, mcbproto.AnomalyDecodeError, mcbproto.AnomalyInvalidID:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if length, ok := err.Details["length"].(int); ok {
				if expected, ok := err.Details["expected"].(int); ok {
					fmt.Printf("    Length: received=%d, expected=%d\n", length, expected)
				}
			}

		case mcbproto.AnomalyErrorReply:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)

		case mcbproto.AnomalyInvalidPWM:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			if pwm, ok := err.Details["pwm"].(int32); ok {
				fmt.Printf("    PWM=%d (full scale %d)\n", pwm, mcbproto.FullPWM)
			}

		default:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
		}
	}

	if len(packet.Payload()) > 0 {
		fmt.Print(mcbproto.FormatPayload(packet))
	}
	fmt.Printf("  >>> FRAME FLAGGED <<<\n\n")
}
