// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/mcbstat/pkg/host"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

var shellJSON bool

var shellCmd = &cobra.Command{
	Use:   "shell [COMMAND...]",
	Short: "Interactive board console",
	Long: `Open an interactive console for talking to boards.

If --port or --url is given the console connects at start; otherwise use
"connect PORT|URL". Select a board with "board ID" and a channel with
"channel A|B", then get and set parameters by opcode name.

Arguments after "shell" run as a single console command, e.g.

  mcbstat shell --port /dev/ttyUSB0 scan`,
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
	shellCmd.Flags().BoolVar(&shellJSON, "json", false, "Print channel state in JSON")
}

// Shell is an ishell console bound to a host client
type Shell struct {
	Shell      *ishell.Shell
	OutputJSON bool

	client   *host.Client
	connInfo string
	stop     func()

	board   uint8
	channel mcbproto.Channel
}

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "
	shellTimeout      = 2 * time.Second
)

var shellCommands = []*ishell.Cmd{
	&connectCmd,
	&disconnectCmd,
	&scanCmd,
	&selectBoardCmd,
	&selectChannelCmd,
	&getCmd,
	&setCmd,
	&targetCmd,
	&enableCmd,
	&stateCmd,
	&statsCmd,
}

// newShell creates a console
func newShell(outputJSON bool) *Shell {
	s := &Shell{
		Shell:      ishell.New(),
		OutputJSON: outputJSON,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range shellCommands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// shellFrom gets the Shell from an ishell context
func shellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// mustBeConnected wraps a command that needs a connection
func mustBeConnected(fn func(c *ishell.Context, s *Shell)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		s := shellFrom(c)
		if s.client == nil {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		fn(c, s)
	}
}

// Connect opens the connection the root flags describe
func (s *Shell) Connect() error {
	client, info, stop, err := openClient(func(r *mcbproto.Reply) {
		if r.Err != nil {
			s.Shell.Printf("\n[board %d] %v\n", r.BoardID, r.Err)
			return
		}
		s.Shell.Printf("\n[board %d ch %s] %s %v\n", r.BoardID, r.Channel, mcbproto.FormatOpcode(r.Opcode), r.Values)
	})
	if err != nil {
		return err
	}
	s.Disconnect()
	s.client, s.connInfo, s.stop = client, info, stop
	s.updatePrompt()
	return nil
}

// Disconnect closes the current connection
func (s *Shell) Disconnect() {
	if s.stop != nil {
		s.stop()
	}
	s.client, s.stop = nil, nil
	s.Shell.SetPrompt(unconnectedPrompt)
}

func (s *Shell) updatePrompt() {
	if s.client == nil {
		s.Shell.SetPrompt(unconnectedPrompt)
		return
	}
	s.Shell.SetPrompt(fmt.Sprintf("[%d/%s] > ", s.board, s.channel))
}

func (s *Shell) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shellTimeout)
}

func runShell(cmd *cobra.Command, args []string) error {
	s := newShell(shellJSON)
	defer s.Disconnect()

	if portName != "" || wsURL != "" {
		if err := s.Connect(); err != nil {
			return err
		}
		s.Shell.Printf("Connected: %s\n", s.connInfo)
	}

	if len(args) > 0 {
		return s.Shell.Process(args...)
	}
	s.Shell.Println("mcbstat console, type 'help' for commands")
	s.Shell.Run()
	return nil
}

// ============================================================================
// Commands
// ============================================================================

var (
	connectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "PORT|URL",
		Func: func(c *ishell.Context) {
			s := shellFrom(c)
			if len(c.Args) > 0 {
				target := c.Args[0]
				if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
					wsURL, portName = target, ""
				} else {
					wsURL, portName = "", target
				}
			}
			if err := s.Connect(); err != nil {
				c.Err(err)
				return
			}
			c.Printf("Connected: %s\n", s.connInfo)
		},
	}

	disconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			shellFrom(c).Disconnect()
		},
	}

	scanCmd = ishell.Cmd{
		Name:    "scan",
		Aliases: []string{"discover", "l"},
		Help:    "[FIRST LAST]",
		Func: mustBeConnected(func(c *ishell.Context, s *Shell) {
			ids := host.AllIDs()
			if len(c.Args) == 2 {
				first, err1 := strconv.Atoi(c.Args[0])
				last, err2 := strconv.Atoi(c.Args[1])
				if err1 != nil || err2 != nil || first < 0 || last > mcbproto.MaxBoardID || first > last {
					c.Err(fmt.Errorf("invalid id range"))
					return
				}
				ids = ids[first : last+1]
			}
			found, err := s.client.Discover(context.Background(), ids, func(id uint8) {
				c.Printf("board %d\n", id)
			})
			if err != nil {
				c.Err(err)
				return
			}
			if len(found) == 0 {
				c.Println("No boards found")
			}
		}),
	}

	selectBoardCmd = ishell.Cmd{
		Name:    "board",
		Aliases: []string{"b"},
		Help:    "ID",
		Func: mustBeConnected(func(c *ishell.Context, s *Shell) {
			if len(c.Args) != 1 {
				c.Printf("board %d\n", s.board)
				return
			}
			n, err := strconv.Atoi(c.Args[0])
			if err != nil {
				c.Err(fmt.Errorf("invalid board id %q", c.Args[0]))
				return
			}
			id, err := parseBoardID(n)
			if err != nil {
				c.Err(err)
				return
			}
			s.board = id
			s.updatePrompt()
		}),
	}

	selectChannelCmd = ishell.Cmd{
		Name:    "channel",
		Aliases: []string{"ch"},
		Help:    "A|B",
		Func: mustBeConnected(func(c *ishell.Context, s *Shell) {
			if len(c.Args) != 1 {
				c.Printf("channel %s\n", s.channel)
				return
			}
			ch, err := parseChannel(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			s.channel = ch
			s.updatePrompt()
		}),
	}

	getCmd = ishell.Cmd{
		Name:    "get",
		Aliases: []string{"g"},
		Help:    "OPCODE",
		Func: mustBeConnected(func(c *ishell.Context, s *Shell) {
			if len(c.Args) != 1 {
				c.Err(fmt.Errorf("usage: get OPCODE"))
				return
			}
			op, err := parseOpcode(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			ctx, cancel := s.context()
			defer cancel()
			v, err := s.client.Read(ctx, s.board, s.channel, op)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%s = %d\n", mcbproto.FormatOpcode(op), v)
		}),
	}

	setCmd = ishell.Cmd{
		Name:    "set",
		Aliases: []string{"s"},
		Help:    "OPCODE VALUE",
		Func: mustBeConnected(func(c *ishell.Context, s *Shell) {
			if len(c.Args) != 2 {
				c.Err(fmt.Errorf("usage: set OPCODE VALUE"))
				return
			}
			op, err := parseOpcode(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			v, err := strconv.ParseInt(c.Args[1], 0, 32)
			if err != nil {
				c.Err(fmt.Errorf("invalid value %q", c.Args[1]))
				return
			}
			if op == mcbproto.OpID {
				c.Err(fmt.Errorf("use 'mcbstat param id' to change board ids"))
				return
			}
			ctx, cancel := s.context()
			defer cancel()
			if err := s.client.Write(ctx, s.board, s.channel, op, int32(v)); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		}),
	}

	targetCmd = ishell.Cmd{
		Name:    "target",
		Aliases: []string{"t"},
		Help:    "TICKS [TICKS_B]",
		Func: mustBeConnected(func(c *ishell.Context, s *Shell) {
			if len(c.Args) == 0 || len(c.Args) > 2 {
				c.Err(fmt.Errorf("usage: target TICKS [TICKS_B]"))
				return
			}
			var targets []int32
			for _, a := range c.Args {
				v, err := strconv.ParseInt(a, 0, 32)
				if err != nil {
					c.Err(fmt.Errorf("invalid target %q", a))
					return
				}
				targets = append(targets, int32(v))
			}
			ctx, cancel := s.context()
			defer cancel()
			if len(targets) == 1 {
				if err := s.client.Write(ctx, s.board, s.channel, mcbproto.OpTargetTick, targets[0]); err != nil {
					c.Err(err)
					return
				}
				c.Println("OK")
				return
			}
			actual, err := s.client.DualTarget(ctx, s.board, s.channel, mcbproto.Op2Target2Actual, targets[0], targets[1])
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("actual A: %d  B: %d\n", actual[0], actual[1])
		}),
	}

	enableCmd = ishell.Cmd{
		Name:    "enable",
		Aliases: []string{"e"},
		Help:    "on|off",
		Func: mustBeConnected(func(c *ishell.Context, s *Shell) {
			on := true
			if len(c.Args) > 0 {
				switch strings.ToLower(c.Args[0]) {
				case "on", "1", "true":
				case "off", "0", "false":
					on = false
				default:
					c.Err(fmt.Errorf("usage: enable on|off"))
					return
				}
			}
			ctx, cancel := s.context()
			defer cancel()
			if err := s.client.Configure(ctx, s.board, s.channel, nil, on); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		}),
	}

	stateCmd = ishell.Cmd{
		Name:    "state",
		Aliases: []string{"st"},
		Help:    "",
		Func: mustBeConnected(func(c *ishell.Context, s *Shell) {
			ctx, cancel := s.context()
			defer cancel()
			st, err := s.client.ReadChannel(ctx, s.board, s.channel)
			if err != nil {
				c.Err(err)
				return
			}
			if s.OutputJSON {
				out, err := json.Marshal(&st)
				if err != nil {
					c.Err(err)
					return
				}
				c.Println(string(out))
				return
			}
			c.Printf("board %d channel %s enabled=%v\n", st.BoardID, st.Channel, st.Enabled)
			if st.Initialized() {
				c.Printf("  target   %d\n", st.Target)
			} else {
				c.Printf("  target   -\n")
			}
			c.Printf("  actual   %d\n  velocity %d\n  output   %d\n  current  %d\n  pot      %d\n  encoder  %d\n",
				st.Actual, st.Velocity, st.Output, st.Current, st.Pot, st.Encoder)
		}),
	}

	statsCmd = ishell.Cmd{
		Name: "stats",
		Help: "[reset]",
		Func: mustBeConnected(func(c *ishell.Context, s *Shell) {
			if len(c.Args) > 0 && c.Args[0] == "reset" {
				s.client.ResetStatistics()
				return
			}
			stats := s.client.Statistics()
			c.Print(stats.String())
		}),
	}
)
