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
	rawLogRecord string
	rawLogReplay string
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display bus frames as they arrive.

Both master requests and board replies are shown, with timestamp, opcode,
address and decoded payload.

With --record the received bytes are also saved to a capture file, which
--replay decodes again later without a connection.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringVar(&rawLogRecord, "record", "", "Save received bytes to a capture file")
	rawLogCmd.Flags().StringVar(&rawLogReplay, "replay", "", "Decode a capture file instead of a connection")
}

func printFrame(packet *mcbproto.Packet, err error) {
	if err != nil {
		fmt.Printf("[ERROR] %v\n", err)
		return
	}
	fmt.Print(mcbproto.FormatPacket(packet))
}

func runRawLog(cmd *cobra.Command, args []string) error {
	if rawLogReplay != "" {
		f, err := os.Open(rawLogReplay)
		if err != nil {
			return err
		}
		defer f.Close()
		return mcbproto.Replay(f, printFrame)
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	var capture *mcbproto.CaptureWriter
	if rawLogRecord != "" {
		f, err := os.Create(rawLogRecord)
		if err != nil {
			return err
		}
		defer func() {
			f.Close()
			glog.Infof("raw_log: %d records saved to %s", capture.Count(), rawLogRecord)
		}()
		capture = mcbproto.NewCaptureWriter(f)
	}

	fmt.Printf("mcbstat - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	if capture != nil {
		fmt.Printf("Recording: %s\n", rawLogRecord)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := mcbproto.NewDecoder()
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			// For WebSocket connections, a read error usually means
			// the connection is permanently closed - exit gracefully
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
				glog.Infof("Connection closed")
				return nil
			}
			glog.Warningf("Read error: %v", err)
			continue
		}

		if capture != nil {
			if err := capture.Write(time.Now(), append([]byte(nil), buf[:n]...)); err != nil {
				return err
			}
		}

		for i := 0; i < n; i++ {
			packet, err := decoder.DecodeByte(buf[i])
			if err != nil || packet != nil {
				printFrame(packet, err)
			}
		}
	}
}
