// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/mcbstat/pkg/host"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const monitorCommandTimeout = 2 * time.Second

// Focus states
const (
	focusBoardList = iota
	focusCommandInput
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// logEntry is one line of the event log
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// boardItem is a monitored board
type boardItem struct {
	id     uint8
	states [2]host.ChannelState
	seen   bool
	err    string
}

// Implement list.Item interface
func (b boardItem) Title() string { return fmt.Sprintf("Board %d", b.id) }
func (b boardItem) Description() string {
	switch {
	case b.err != "":
		return "no response"
	case !b.seen:
		return "waiting..."
	}
	return fmt.Sprintf("A %s  B %s", channelSummary(b.states[0]), channelSummary(b.states[1]))
}
func (b boardItem) FilterValue() string { return strconv.Itoa(int(b.id)) }

func channelSummary(s host.ChannelState) string {
	if s.Enabled {
		return "on"
	}
	return "off"
}

// monitorModel is the Bubble Tea model for the monitor TUI
type monitorModel struct {
	client   *host.Client
	connInfo string
	started  time.Time

	boards    []boardItem
	boardList list.Model
	channel   mcbproto.Channel

	input        textinput.Model
	focusedField int

	stats         mcbproto.Statistics
	eventLog      []logEntry
	maxLogEntries int

	width          int
	height         int
	quitting       bool
	connectionLost bool
}

type monitorTickMsg time.Time

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialMonitorModel(client *host.Client, connInfo string, ids []uint8) monitorModel {
	ti := textinput.New()
	ti.Placeholder = "target 1000"
	ti.CharLimit = 64
	ti.Width = 40
	ti.Prompt = "> "

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	boardList := list.New([]list.Item{}, delegate, 30, 10)
	boardList.Title = "Boards"
	boardList.SetShowStatusBar(false)
	boardList.SetShowHelp(false)
	boardList.SetFilteringEnabled(false)

	m := monitorModel{
		client:        client,
		connInfo:      connInfo,
		started:       time.Now(),
		boardList:     boardList,
		channel:       mcbproto.ChannelA,
		input:         ti,
		focusedField:  focusBoardList,
		eventLog:      make([]logEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
	m.setBoards(ids)
	return m
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return monitorTickCmd()
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.boardList.SetSize(30, m.panelHeight())

	case monitorTickMsg:
		if m.client != nil {
			m.stats = m.client.Statistics()
		}
		return m, monitorTickCmd()

	case boardsFoundMsg:
		m.setBoards(msg.ids)
		m.addLogEntry(fmt.Sprintf("Discovery found %d board(s)", len(msg.ids)), len(msg.ids) == 0)

	case boardStateMsg:
		m.updateBoard(msg)

	case pollErrorMsg:
		if b := m.board(msg.id); b != nil {
			if b.err == "" {
				m.addLogEntry(fmt.Sprintf("Board %d: %v", msg.id, msg.err), true)
			}
			b.err = msg.err.Error()
			m.refreshList()
		}

	case notificationMsg:
		m.addLogEntry(formatNotification(msg.reply), msg.reply.Err != nil)

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry(fmt.Sprintf("Connection lost: %v", msg.err), true)

	case commandResultMsg:
		if msg.err != nil {
			m.addLogEntry(msg.err.Error(), true)
		} else {
			m.addLogEntry(msg.text, false)
		}
	}

	return m, nil
}

func (m monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		if m.focusedField == focusBoardList {
			m.focusedField = focusCommandInput
			m.input.Focus()
		} else {
			m.focusedField = focusBoardList
			m.input.Blur()
		}
		return m, nil
	}

	if m.focusedField == focusCommandInput {
		if msg.String() == "enter" {
			line := m.input.Value()
			m.input.SetValue("")
			return m, m.runCommand(line)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "a":
		m.channel = mcbproto.ChannelA
		return m, nil
	case "b":
		m.channel = mcbproto.ChannelB
		return m, nil
	}

	var cmd tea.Cmd
	m.boardList, cmd = m.boardList.Update(msg)
	return m, cmd
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

// monitorCommand is a parsed command line
type monitorCommand struct {
	verb    string
	op      mcbproto.Opcode
	values  []int32
	channel mcbproto.Channel
}

// parseMonitorCommand parses one command line
func parseMonitorCommand(line string) (monitorCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return monitorCommand{}, fmt.Errorf("empty command")
	}
	c := monitorCommand{verb: strings.ToLower(fields[0])}
	args := fields[1:]

	parseValues := func(vals []string) error {
		for _, v := range vals {
			n, err := strconv.ParseInt(v, 0, 32)
			if err != nil {
				return fmt.Errorf("invalid value %q", v)
			}
			c.values = append(c.values, int32(n))
		}
		return nil
	}

	switch c.verb {
	case "target", "t":
		c.verb = "target"
		if len(args) < 1 || len(args) > 2 {
			return c, fmt.Errorf("usage: target TICKS [TICKS_B]")
		}
		return c, parseValues(args)

	case "enable", "disable":
		if len(args) != 0 {
			return c, fmt.Errorf("usage: %s", c.verb)
		}
		return c, nil

	case "set":
		if len(args) != 2 {
			return c, fmt.Errorf("usage: set OPCODE VALUE")
		}
		op, err := parseOpcode(args[0])
		if err != nil {
			return c, err
		}
		if op == mcbproto.OpID {
			return c, fmt.Errorf("use 'mcbstat param id' to change board ids")
		}
		c.op = op
		return c, parseValues(args[1:])

	case "get":
		if len(args) != 1 {
			return c, fmt.Errorf("usage: get OPCODE")
		}
		op, err := parseOpcode(args[0])
		c.op = op
		return c, err

	case "ch", "channel":
		c.verb = "ch"
		if len(args) != 1 {
			return c, fmt.Errorf("usage: ch A|B")
		}
		ch, err := parseChannel(args[0])
		c.channel = ch
		return c, err
	}
	return c, fmt.Errorf("unknown command %q", c.verb)
}

// runCommand parses a command line and returns the command that executes it
func (m *monitorModel) runCommand(line string) tea.Cmd {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	c, err := parseMonitorCommand(line)
	if err != nil {
		m.addLogEntry(err.Error(), true)
		return nil
	}
	if c.verb == "ch" {
		m.channel = c.channel
		return nil
	}
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return nil
	}
	selected := m.selectedBoard()
	if selected == nil {
		m.addLogEntry("No board selected", true)
		return nil
	}

	client, id, ch := m.client, selected.id, m.channel
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), monitorCommandTimeout)
		defer cancel()
		return executeMonitorCommand(ctx, client, id, ch, c)
	}
}

func executeMonitorCommand(ctx context.Context, client *host.Client, id uint8, ch mcbproto.Channel, c monitorCommand) commandResultMsg {
	prefix := fmt.Sprintf("Board %d/%s: ", id, ch)
	wrap := func(err error) commandResultMsg {
		return commandResultMsg{err: fmt.Errorf("%s%v", prefix, err)}
	}

	switch c.verb {
	case "target":
		if len(c.values) == 2 {
			actual, err := client.DualTarget(ctx, id, ch, mcbproto.Op2Target2Actual, c.values[0], c.values[1])
			if err != nil {
				return wrap(err)
			}
			return commandResultMsg{text: fmt.Sprintf("%stargets %d/%d, actual %d/%d", prefix, c.values[0], c.values[1], actual[0], actual[1])}
		}
		if err := client.Write(ctx, id, ch, mcbproto.OpTargetTick, c.values[0]); err != nil {
			return wrap(err)
		}
		return commandResultMsg{text: fmt.Sprintf("%starget %d", prefix, c.values[0])}

	case "enable", "disable":
		if err := client.Configure(ctx, id, ch, nil, c.verb == "enable"); err != nil {
			return wrap(err)
		}
		return commandResultMsg{text: prefix + c.verb + "d"}

	case "set":
		if err := client.Write(ctx, id, ch, c.op, c.values[0]); err != nil {
			return wrap(err)
		}
		return commandResultMsg{text: fmt.Sprintf("%s%s <- %d", prefix, mcbproto.FormatOpcode(c.op), c.values[0])}

	case "get":
		v, err := client.Read(ctx, id, ch, c.op)
		if err != nil {
			return wrap(err)
		}
		return commandResultMsg{text: fmt.Sprintf("%s%s = %d", prefix, mcbproto.FormatOpcode(c.op), v)}
	}
	return wrap(fmt.Errorf("unknown command %q", c.verb))
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	s.WriteString(titleStyle.Render("MCBSTAT MONITOR"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = errorStyle.Render("CONNECTION LOST")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | up %s | q=quit Tab=switch a/b=channel",
		connStatus, formatUptime(time.Since(m.started)))))
	s.WriteString("\n\n")

	// Layout: left panel (boards) | right panel (channels)
	listStyle := boxStyle.Width(30)
	if m.focusedField == focusBoardList {
		listStyle = focusedBoxStyle.Width(30)
	}
	boardPanel := listStyle.Render(m.boardList.View())

	channelWidth := (m.width - 30 - 10) / 2
	if channelWidth < 24 {
		channelWidth = 24
	}
	var panels []string
	selected := m.selectedBoard()
	for i := range 2 {
		ch := mcbproto.Channel(i)
		style := boxStyle.Width(channelWidth)
		if ch == m.channel {
			style = focusedBoxStyle.Width(channelWidth)
		}
		panels = append(panels, style.Render(m.renderChannel(selected, ch, statsLabelStyle, statsValueStyle, headerStyle, warningStyle)))
	}
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boardPanel, " ", panels[0], " ", panels[1]))
	s.WriteString("\n")

	// Statistics bar
	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n")

	// Event log
	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, errorStyle, headerStyle, boxStyle))
	s.WriteString("\n")

	// Command line
	inputStyle := boxStyle.Width(m.width - 4)
	if m.focusedField == focusCommandInput {
		inputStyle = focusedBoxStyle.Width(m.width - 4)
	}
	s.WriteString(inputStyle.Render(m.input.View()))

	return s.String()
}

func (m monitorModel) renderChannel(b *boardItem, ch mcbproto.Channel, labelStyle, valueStyle, headerStyle, warningStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(labelStyle.Render(fmt.Sprintf("CHANNEL %s", ch)))
	s.WriteString("\n")

	switch {
	case b == nil:
		s.WriteString(headerStyle.Render("No board selected"))
		return s.String()
	case b.err != "":
		s.WriteString(warningStyle.Render(b.err))
		return s.String()
	case !b.seen:
		s.WriteString(headerStyle.Render("Waiting for data..."))
		return s.String()
	}

	st := b.states[ch]
	row := func(label, value string) {
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render(fmt.Sprintf("%-9s", label)), valueStyle.Render(value)))
	}
	if st.Enabled {
		row("Enabled:", "yes")
	} else {
		row("Enabled:", "no")
	}
	if st.Initialized() {
		row("Target:", strconv.Itoa(int(st.Target)))
	} else {
		row("Target:", "-")
	}
	row("Actual:", strconv.Itoa(int(st.Actual)))
	row("Velocity:", strconv.Itoa(int(st.Velocity)))
	row("Output:", strconv.Itoa(int(st.Output)))
	row("Current:", strconv.Itoa(int(st.Current)))
	row("Pot:", strconv.Itoa(int(st.Pot)))
	row("Encoder:", strconv.Itoa(int(st.Encoder)))
	return strings.TrimSuffix(s.String(), "\n")
}

func (m monitorModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	var validPercent, errorPercent float64
	totalErrors := m.stats.ChecksumErrors + m.stats.DecodeErrors + m.stats.MalformedPackets + m.stats.BoardErrors + m.stats.AnomalousValues
	if m.stats.TotalPackets > 0 {
		validPercent = float64(m.stats.ValidPackets) * 100.0 / float64(m.stats.TotalPackets)
		errorPercent = float64(totalErrors) * 100.0 / float64(m.stats.TotalPackets)
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalPackets)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		statsLabelStyle.Render("Errors:"), func() string {
			if errorPercent > 0 {
				return errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", totalErrors, errorPercent))
			}
			return statsValueStyle.Render("0")
		}(),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", m.stats.PacketRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m monitorModel) renderEventLog(statsLabelStyle, warningStyle, errorStyle, headerStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	// Reserve space for header, panels, statistics and the command line
	logHeight := m.height - m.panelHeight() - 14
	if logHeight < 3 {
		logHeight = 3
	}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyle
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(strings.TrimSuffix(s.String(), "\n"))
}

//////////////////////////////////////////////////////////////
// State
//////////////////////////////////////////////////////////////

func (m monitorModel) panelHeight() int {
	return 12
}

func (m *monitorModel) setBoards(ids []uint8) {
	boards := make([]boardItem, 0, len(ids))
	for _, id := range ids {
		if b := m.board(id); b != nil {
			boards = append(boards, *b)
			continue
		}
		boards = append(boards, boardItem{id: id})
	}
	m.boards = boards
	m.refreshList()
}

func (m *monitorModel) board(id uint8) *boardItem {
	for i := range m.boards {
		if m.boards[i].id == id {
			return &m.boards[i]
		}
	}
	return nil
}

func (m *monitorModel) updateBoard(msg boardStateMsg) {
	b := m.board(msg.id)
	if b == nil {
		return
	}
	if b.err != "" {
		m.addLogEntry(fmt.Sprintf("Board %d responding again", msg.id), false)
	}
	for i, st := range msg.states {
		if b.seen && b.states[i].Enabled != st.Enabled {
			state := "disabled"
			if st.Enabled {
				state = "enabled"
			}
			m.addLogEntry(fmt.Sprintf("Board %d/%s %s", msg.id, mcbproto.Channel(i), state), !st.Enabled)
		}
	}
	b.states = msg.states
	b.seen = true
	b.err = ""
	m.refreshList()
}

func (m *monitorModel) selectedBoard() *boardItem {
	item, ok := m.boardList.SelectedItem().(boardItem)
	if !ok {
		return nil
	}
	return m.board(item.id)
}

func (m *monitorModel) refreshList() {
	items := make([]list.Item, len(m.boards))
	for i, b := range m.boards {
		items[i] = b
	}
	m.boardList.SetItems(items)
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

// formatNotification describes a frame a board sent outside a transaction
func formatNotification(r *mcbproto.Reply) string {
	if r.Err != nil {
		return fmt.Sprintf("Board %d/%s: %s", r.BoardID, r.Channel, mcbproto.FormatErrorCode(r.Err.Code))
	}
	if len(r.Values) == 0 {
		return fmt.Sprintf("Board %d/%s: %s", r.BoardID, r.Channel, mcbproto.FormatOpcode(r.Opcode))
	}
	return fmt.Sprintf("Board %d/%s: %s %d", r.BoardID, r.Channel, mcbproto.FormatOpcode(r.Opcode), r.Values[0])
}

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	unit := func(n int64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, unit(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, unit(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, unit(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, unit(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}
