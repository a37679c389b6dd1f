// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/mcbstat/pkg/firmware"
	"github.com/Thermoquad/mcbstat/pkg/idstore"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
	"github.com/Thermoquad/mcbstat/pkg/plant"
	"github.com/Thermoquad/mcbstat/pkg/vport"
)

var (
	boardID            int
	boardEEPROM        string
	boardControlPeriod uint8
	boardPTY           bool
	boardLink          string
	boardListen        string
	boardStatusEvery   int
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Run an emulated board",
	Long: `Run the board firmware against simulated motors and serve it on a bus.

The emulated board answers like real hardware: two DC motors with encoders
and potentiometers, current sensing, the extra pins and the status LED.

Bus modes:
  Serial:    --port /dev/ttyUSB1   serve a real serial port
  PTY:       --pty [--link path]   create a pseudo-terminal for host tools
  WebSocket: --listen :8080        accept WebSocket clients on /mcb

The board id is kept in an EEPROM image file (--eeprom). --id stores a new
id before the board starts; otherwise the stored id is used.

Examples:
  mcbstat board --pty --link /tmp/mcb --id 3
  mcbstat discovery --port /tmp/mcb --last 9`,
	RunE: runBoard,
}

func init() {
	rootCmd.AddCommand(boardCmd)
	boardCmd.Flags().IntVar(&boardID, "id", -1, "Store this board id before starting (0..125)")
	boardCmd.Flags().StringVar(&boardEEPROM, "eeprom", "", "EEPROM image file (memory only if empty)")
	boardCmd.Flags().Uint8Var(&boardControlPeriod, "control-period", firmware.DefaultConfig().ControlPeriod, "Initial control period register")
	boardCmd.Flags().BoolVar(&boardPTY, "pty", false, "Serve a pseudo-terminal")
	boardCmd.Flags().StringVar(&boardLink, "link", "", "Symlink to the pseudo-terminal (with --pty)")
	boardCmd.Flags().StringVar(&boardListen, "listen", "", "Serve WebSocket clients on this address")
	boardCmd.Flags().IntVar(&boardStatusEvery, "status", 5, "Seconds between status log lines (0 to disable)")
}

// openBoardLine opens the bus the emulated board is attached to
func openBoardLine() (io.ReadWriteCloser, string, error) {
	switch {
	case boardPTY:
		port, err := vport.Open()
		if err != nil {
			return nil, "", err
		}
		info := fmt.Sprintf("PTY: %s", port.Name())
		if boardLink != "" {
			if err := port.Link(boardLink); err != nil {
				port.Close()
				return nil, "", err
			}
			info += fmt.Sprintf(" (%s)", boardLink)
		}
		return port, info, nil

	case boardListen != "":
		bus, err := listenWebSocket(boardListen)
		if err != nil {
			return nil, "", err
		}
		return bus, fmt.Sprintf("WebSocket: ws://%s%s", boardListen, webSocketPath), nil

	case portName != "":
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}
	return nil, "", fmt.Errorf("one of --pty, --listen or --port must be specified")
}

func runBoard(cmd *cobra.Command, args []string) error {
	var mem *idstore.Image
	if boardEEPROM != "" {
		var err error
		if mem, err = idstore.Open(boardEEPROM); err != nil {
			return err
		}
	} else {
		mem = idstore.NewImage()
	}
	ids := idstore.New(mem)
	if boardID >= 0 {
		if boardID > mcbproto.MaxBoardID {
			return fmt.Errorf("board id %d out of range 0..%d", boardID, mcbproto.MaxBoardID)
		}
		if !ids.WriteID(uint8(boardID)) {
			return fmt.Errorf("failed to store board id %d", boardID)
		}
	}

	line, lineInfo, err := openBoardLine()
	if err != nil {
		return err
	}
	defer line.Close()

	cfg := firmware.DefaultConfig()
	cfg.ControlPeriod = boardControlPeriod

	hw := plant.New(plant.DefaultConfig(), line)
	board := firmware.New(hw, ids, cfg)
	hw.Attach(board)

	fmt.Printf("mcbstat - Emulated Board\n")
	fmt.Printf("Bus: %s\n", lineInfo)
	if id := ids.ReadID(); id != mcbproto.InvalidID {
		fmt.Printf("Stored id: %d\n", id)
	} else {
		fmt.Printf("Stored id: none (set one with 'mcbstat param id')\n")
	}
	if mem.Path() != "" {
		fmt.Printf("EEPROM: %s\n", mem.Path())
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errChan := make(chan error, 3)
	go func() { errChan <- hw.Run(ctx) }()
	go func() { errChan <- board.Run(ctx) }()
	go func() {
		if err := hw.Receive(line); err != nil {
			errChan <- err
		}
	}()
	if boardStatusEvery > 0 {
		go logBoardStatus(ctx, board, time.Duration(boardStatusEvery)*time.Second)
	}

	select {
	case <-ctx.Done():
		fmt.Printf("\nShutting down...\n")
		return nil
	case err := <-errChan:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func logBoardStatus(ctx context.Context, board *firmware.Board, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s := board.Status()
		glog.Infof("board: id %d loop %d led %d timed out %v", s.ID, s.Loop, s.LED, s.TimedOut)
		for i, c := range s.Channels {
			glog.Infof("board:   ch %s enabled %v target %d actual %d pwm %d current %d",
				mcbproto.Channel(i), c.Enabled, c.Target, c.Actual, c.PWM, c.Current)
		}
	}
}

// ============================================================================
// WebSocket bus
// ============================================================================

const webSocketPath = "/mcb"

// webSocketBus joins WebSocket clients into one bus. Bytes from any client are
// read by the board; board output goes to every client.
type webSocketBus struct {
	server *http.Server
	in     *io.PipeReader
	inW    *io.PipeWriter

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newWebSocketBus() *webSocketBus {
	b := &webSocketBus{clients: make(map[*websocket.Conn]struct{})}
	b.in, b.inW = io.Pipe()
	return b
}

func listenWebSocket(addr string) (*webSocketBus, error) {
	b := newWebSocketBus()

	mux := http.NewServeMux()
	mux.HandleFunc(webSocketPath, b.serve)
	b.server = &http.Server{Addr: addr, Handler: mux}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	go func() {
		if err := b.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("board: WebSocket server: %v", err)
		}
	}()
	return b, nil
}

func (b *webSocketBus) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("board: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	glog.Infof("board: client %s connected", r.RemoteAddr)

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		conn.Close()
		glog.Infof("board: client %s disconnected", r.RemoteAddr)
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if _, err := b.inW.Write(data); err != nil {
			return
		}
	}
}

func (b *webSocketBus) Read(p []byte) (int, error) {
	return b.in.Read(p)
}

func (b *webSocketBus) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
			glog.Warningf("board: write to %s: %v", conn.RemoteAddr(), err)
		}
	}
	return len(p), nil
}

func (b *webSocketBus) Close() error {
	b.inW.Close()
	if b.server == nil {
		return nil
	}
	return b.server.Close()
}
