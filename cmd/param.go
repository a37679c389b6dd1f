// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

var (
	paramBoard   int
	paramChannel string
	paramTimeout int
	paramTargetA int32
	paramTargetB int32
	paramFeedOp  string
)

var paramCmd = &cobra.Command{
	Use:   "param",
	Short: "Read and write board parameters",
	Long: `Read and write single parameters of a board channel.

Parameters are named by opcode, case-insensitively (e.g. pos_p_gain, enable,
target_tick). "mcbstat param list" prints every name.

Examples:
  mcbstat param get --port /dev/ttyUSB0 --id 3 --channel B actual_tick
  mcbstat param set --port /dev/ttyUSB0 --id 3 pos_p_gain 40
  mcbstat param target --port /dev/ttyUSB0 --id 3 --a 1000 --b -1000
  mcbstat param id --port /dev/ttyUSB0 --id 3 9`,
}

var paramGetCmd = &cobra.Command{
	Use:   "get OPCODE",
	Short: "Read one parameter",
	Args:  cobra.ExactArgs(1),
	RunE:  runParamGet,
}

var paramSetCmd = &cobra.Command{
	Use:   "set OPCODE VALUE",
	Short: "Write one parameter",
	Args:  cobra.ExactArgs(2),
	RunE:  runParamSet,
}

var paramTargetCmd = &cobra.Command{
	Use:   "target",
	Short: "Set the targets of both channels in one request",
	Args:  cobra.NoArgs,
	RunE:  runParamTarget,
}

var paramIDCmd = &cobra.Command{
	Use:   "id NEWID",
	Short: "Store a new board id",
	Args:  cobra.ExactArgs(1),
	RunE:  runParamID,
}

var paramListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parameter names",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var names []string
		for op := mcbproto.Opcode(0); op < 128; op++ {
			if op.Known() {
				names = append(names, fmt.Sprintf("%3d  %s", uint8(op), mcbproto.FormatOpcode(op)))
			}
		}
		sort.Strings(names)
		fmt.Println(strings.Join(names, "\n"))
	},
}

func init() {
	rootCmd.AddCommand(paramCmd)
	paramCmd.AddCommand(paramGetCmd, paramSetCmd, paramTargetCmd, paramIDCmd, paramListCmd)

	paramCmd.PersistentFlags().IntVar(&paramBoard, "id", 0, "Board id")
	paramCmd.PersistentFlags().StringVarP(&paramChannel, "channel", "c", "A", "Channel (A or B)")
	paramCmd.PersistentFlags().IntVar(&paramTimeout, "timeout", 2, "Timeout in seconds")

	paramTargetCmd.Flags().Int32Var(&paramTargetA, "a", mcbproto.NoTarget, "Target of channel A (omit to keep)")
	paramTargetCmd.Flags().Int32Var(&paramTargetB, "b", mcbproto.NoTarget, "Target of channel B (omit to keep)")
	paramTargetCmd.Flags().StringVar(&paramFeedOp, "feedback", "2TARGET_TICK_2ACTUAL", "Dual target opcode selecting the feedback")
}

// parseChannel accepts A/B or 0/1
func parseChannel(s string) (mcbproto.Channel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "0":
		return mcbproto.ChannelA, nil
	case "B", "1":
		return mcbproto.ChannelB, nil
	}
	return 0, fmt.Errorf("invalid channel %q (use A or B)", s)
}

// parseBoardID accepts 0..125 or 127 for broadcast
func parseBoardID(v int) (uint8, error) {
	if v < 0 || (v > mcbproto.MaxBoardID && v != mcbproto.BroadcastID) {
		return 0, fmt.Errorf("invalid board id %d (0..%d, or %d to broadcast)", v, mcbproto.MaxBoardID, mcbproto.BroadcastID)
	}
	return uint8(v), nil
}

// parseOpcode accepts an opcode name or number
func parseOpcode(s string) (mcbproto.Opcode, error) {
	if op, ok := mcbproto.ParseOpcode(s); ok {
		return op, nil
	}
	if n, err := strconv.ParseUint(s, 0, 7); err == nil && mcbproto.Opcode(n).Known() {
		return mcbproto.Opcode(n), nil
	}
	return 0, fmt.Errorf("unknown opcode %q", s)
}

func paramTarget() (uint8, mcbproto.Channel, error) {
	id, err := parseBoardID(paramBoard)
	if err != nil {
		return 0, 0, err
	}
	ch, err := parseChannel(paramChannel)
	return id, ch, err
}

func paramContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(paramTimeout)*time.Second)
}

func runParamGet(cmd *cobra.Command, args []string) error {
	id, ch, err := paramTarget()
	if err != nil {
		return err
	}
	op, err := parseOpcode(args[0])
	if err != nil {
		return err
	}

	client, _, stop, err := openClient(printNotification)
	if err != nil {
		return err
	}
	defer stop()

	ctx, cancel := paramContext()
	defer cancel()
	v, err := client.Read(ctx, id, ch, op)
	if err != nil {
		return err
	}
	if v == mcbproto.NoTarget {
		fmt.Printf("%s = - (uninitialized)\n", mcbproto.FormatOpcode(op))
		return nil
	}
	fmt.Printf("%s = %d\n", mcbproto.FormatOpcode(op), v)
	return nil
}

func runParamSet(cmd *cobra.Command, args []string) error {
	id, ch, err := paramTarget()
	if err != nil {
		return err
	}
	op, err := parseOpcode(args[0])
	if err != nil {
		return err
	}
	v, err := strconv.ParseInt(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid value %q: %v", args[1], err)
	}

	client, _, stop, err := openClient(printNotification)
	if err != nil {
		return err
	}
	defer stop()

	ctx, cancel := paramContext()
	defer cancel()
	if err := client.Write(ctx, id, ch, op, int32(v)); err != nil {
		return err
	}
	fmt.Printf("%s <- %d OK\n", mcbproto.FormatOpcode(op), v)
	return nil
}

func runParamTarget(cmd *cobra.Command, args []string) error {
	id, ch, err := paramTarget()
	if err != nil {
		return err
	}
	op, err := parseOpcode(paramFeedOp)
	if err != nil {
		return err
	}

	client, _, stop, err := openClient(printNotification)
	if err != nil {
		return err
	}
	defer stop()

	ctx, cancel := paramContext()
	defer cancel()
	values, err := client.DualTarget(ctx, id, ch, op, paramTargetA, paramTargetB)
	if err != nil {
		return err
	}
	switch len(values) {
	case 0:
		fmt.Printf("OK\n")
	case 1:
		fmt.Printf("channel %s: %d\n", ch, values[0])
	default:
		fmt.Printf("A: %d  B: %d\n", values[0], values[1])
	}
	return nil
}

func runParamID(cmd *cobra.Command, args []string) error {
	id, err := parseBoardID(paramBoard)
	if err != nil {
		return err
	}
	newID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid id %q", args[0])
	}
	if newID < 0 || newID > mcbproto.MaxBoardID {
		return fmt.Errorf("board id %d out of range 0..%d", newID, mcbproto.MaxBoardID)
	}

	client, _, stop, err := openClient(printNotification)
	if err != nil {
		return err
	}
	defer stop()

	ctx, cancel := paramContext()
	defer cancel()
	if err := client.ChangeID(ctx, id, uint8(newID)); err != nil {
		return err
	}
	fmt.Printf("Board %d -> id %d\n", id, newID)
	return nil
}

// printNotification prints a frame that arrived outside a transaction
func printNotification(r *mcbproto.Reply) {
	if r.Err != nil {
		fmt.Printf("[board %d] %v\n", r.BoardID, r.Err)
		return
	}
	fmt.Printf("[board %d ch %s] %s %v\n", r.BoardID, r.Channel, mcbproto.FormatOpcode(r.Opcode), r.Values)
}
