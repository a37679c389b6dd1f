// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/mcbstat/pkg/host"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

var (
	monitorBoards   string
	monitorInterval int
	monitorDiscover bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI for monitoring and driving boards",
	Long: `Monitor boards via an interactive terminal UI.

Both channels of every board are polled continuously and shown side by side
with bus statistics and an event log of board notifications and errors.

Commands typed into the command line act on the selected board and channel:
  target TICKS          set the channel target
  target TICKS TICKS    set both targets in one request
  enable | disable      switch the channel
  set OPCODE VALUE      write a parameter
  get OPCODE            read a parameter
  ch A|B                select the channel

Tab switches between the board list and the command line.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorBoards, "boards", "", "Comma separated board ids to monitor")
	monitorCmd.Flags().IntVar(&monitorInterval, "interval", 200, "Polling interval in milliseconds")
	monitorCmd.Flags().BoolVar(&monitorDiscover, "discover", false, "Scan the bus for boards first")
}

// Messages from the poller
type boardStateMsg struct {
	id     uint8
	states [2]host.ChannelState
}

type pollErrorMsg struct {
	id  uint8
	err error
}

type notificationMsg struct {
	reply *mcbproto.Reply
}

type boardsFoundMsg struct {
	ids []uint8
}

type connectionLostMsg struct {
	err error
}

type commandResultMsg struct {
	text string
	err  error
}

// poller reads the monitored boards in turn and feeds the TUI
type poller struct {
	client   *host.Client
	p        *tea.Program
	interval time.Duration
}

func (pl *poller) run(ctx context.Context, boards []uint8) {
	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()
	for {
		for _, id := range boards {
			var msg boardStateMsg
			msg.id = id
			var err error
			for i, ch := range []mcbproto.Channel{mcbproto.ChannelA, mcbproto.ChannelB} {
				if msg.states[i], err = pl.client.ReadChannel(ctx, id, ch); err != nil {
					break
				}
			}
			if err != nil {
				if errors.Is(err, host.ErrClosed) {
					pl.p.Send(connectionLostMsg{err: err})
					return
				}
				if ctx.Err() != nil {
					return
				}
				pl.p.Send(pollErrorMsg{id: id, err: err})
				continue
			}
			pl.p.Send(msg)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	boards, err := parseBoardList(monitorBoards)
	if err != nil {
		return err
	}
	if len(boards) == 0 && !monitorDiscover {
		return fmt.Errorf("either --boards or --discover must be specified")
	}

	// Notifications arrive before the program exists
	notifications := make(chan *mcbproto.Reply, 32)
	client, connInfo, stop, err := openClient(func(r *mcbproto.Reply) {
		select {
		case notifications <- r:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer stop()

	m := initialMonitorModel(client, connInfo, boards)
	p := tea.NewProgram(m, tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-notifications:
				p.Send(notificationMsg{reply: r})
			}
		}
	}()

	pl := &poller{
		client:   client,
		p:        p,
		interval: time.Duration(monitorInterval) * time.Millisecond,
	}
	go func() {
		if monitorDiscover {
			found, err := client.Discover(ctx, host.AllIDs(), nil)
			if err != nil {
				p.Send(connectionLostMsg{err: err})
				return
			}
			boards = mergeBoards(boards, found)
			p.Send(boardsFoundMsg{ids: boards})
		}
		pl.run(ctx, boards)
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// mergeBoards appends the ids of b missing from a
func mergeBoards(a, b []uint8) []uint8 {
	seen := make(map[uint8]bool, len(a))
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			a = append(a, id)
			seen[id] = true
		}
	}
	return a
}
