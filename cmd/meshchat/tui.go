package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"meshchat"
)

// Styles for the TUI
var (
	primaryColor = lipgloss.Color("#7C3AED") // Purple
	accentColor  = lipgloss.Color("#10B981") // Green
	errorColor   = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	peerPanelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	messagePanelStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(mutedColor).
				Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	systemMessageStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Italic(true)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	peerMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#3B82F6"))

	directMessageStyle = lipgloss.NewStyle().
				Foreground(errorColor).
				Bold(true)

	timestampStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Faint(true)

	peerConnectedStyle = lipgloss.NewStyle().
				Foreground(accentColor)
)

// chatEvent is a delivered message forwarded from the node callbacks.
type chatEvent struct {
	sender string
	body   string
	direct bool
}

// chatLine is one rendered entry in the message history.
type chatLine struct {
	sender    string
	body      string
	timestamp time.Time
	direct    bool
	system    bool
}

// UI is the bubbletea model for the chat screen.
type UI struct {
	node     *meshchat.Node
	events   chan chatEvent
	messages []chatLine
	peers    []meshchat.PeerInfo
	viewport viewport.Model
	textarea textarea.Model
	ready    bool
	width    int
	height   int
}

type tickMsg time.Time

type eventMsg chatEvent

func newUI(node *meshchat.Node, events chan chatEvent) *UI {
	ta := textarea.New()
	ta.Placeholder = "Type a message or /help for commands..."
	ta.Focus()
	ta.Prompt = "> "
	ta.CharLimit = 500
	ta.SetWidth(80)
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("")

	return &UI{
		node:     node,
		events:   events,
		viewport: vp,
		textarea: ta,
	}
}

func (ui *UI) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		ui.listenForEvents(),
		ui.tickCmd(),
	)
}

// listenForEvents waits for the next delivered message.
func (ui *UI) listenForEvents() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ui.events)
	}
}

// tickCmd refreshes the peer panel once a second.
func (ui *UI) tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (ui *UI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	ui.textarea, tiCmd = ui.textarea.Update(msg)
	ui.viewport, vpCmd = ui.viewport.Update(msg)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return ui, tea.Quit

		case tea.KeyEnter:
			input := strings.TrimSpace(ui.textarea.Value())
			ui.textarea.Reset()
			if input == "" {
				return ui, nil
			}
			if input == "/quit" || input == "/exit" {
				return ui, tea.Quit
			}
			ui.handleInput(input)
			return ui, nil
		}

	case tea.WindowSizeMsg:
		ui.width = msg.Width
		ui.height = msg.Height
		ui.ready = true

		headerHeight := 3
		footerHeight := 5
		statusBarHeight := 1
		ui.viewport.Width = ui.width - 35 // leave space for the peer panel
		ui.viewport.Height = ui.height - headerHeight - footerHeight - statusBarHeight
		ui.textarea.SetWidth(ui.width - 4)
		ui.updateViewport()

	case eventMsg:
		ui.messages = append(ui.messages, chatLine{
			sender:    msg.sender,
			body:      msg.body,
			timestamp: time.Now(),
			direct:    msg.direct,
		})
		ui.updateViewport()
		ui.viewport.GotoBottom()
		return ui, ui.listenForEvents()

	case tickMsg:
		ui.peers = ui.node.Peers()
		return ui, ui.tickCmd()
	}

	return ui, tea.Batch(tiCmd, vpCmd)
}

// handleInput dispatches a submitted line: slash commands act on the node
// and report into the history as system lines, anything else is sent.
func (ui *UI) handleInput(input string) {
	switch {
	case input == "/help":
		ui.system(strings.TrimRight(helpText, "\n"))
	case input == "/peers":
		if len(ui.peers) == 0 {
			ui.system("no connected peers")
			break
		}
		var b strings.Builder
		for _, p := range ui.peers {
			fmt.Fprintf(&b, "%s (%s) at %s\n", p.Username, p.NodeID, p.Addr)
		}
		ui.system(strings.TrimRight(b.String(), "\n"))
	case input == "/status":
		s := ui.node.Status()
		ui.system(fmt.Sprintf("%s in #%s, %s:%d, %d peer(s)", s.Username, s.Channel, s.Host, s.Port, s.Peers))
	case strings.HasPrefix(input, "/connect "):
		addr := strings.TrimSpace(strings.TrimPrefix(input, "/connect "))
		if err := ui.node.Connect(addr); err != nil {
			ui.system("connect: " + err.Error())
		} else {
			ui.system("connecting to " + addr)
		}
	case strings.HasPrefix(input, "/msg "):
		parts := strings.SplitN(strings.TrimPrefix(input, "/msg "), " ", 2)
		if len(parts) != 2 {
			ui.system("usage: /msg <username> <text>")
			break
		}
		if err := ui.node.SendDirect(parts[0], parts[1]); err != nil {
			ui.system("msg: " + err.Error())
		}
	case strings.HasPrefix(input, "/"):
		ui.system("unknown command; /help for commands")
	default:
		if err := ui.node.Send(input); err != nil {
			ui.system("send: " + err.Error())
		}
	}
}

func (ui *UI) system(text string) {
	ui.messages = append(ui.messages, chatLine{
		body:      text,
		timestamp: time.Now(),
		system:    true,
	})
	ui.updateViewport()
	ui.viewport.GotoBottom()
}

func (ui *UI) updateViewport() {
	var content strings.Builder
	for _, line := range ui.messages {
		content.WriteString(ui.renderLine(line))
		content.WriteString("\n")
	}
	ui.viewport.SetContent(content.String())
}

func (ui *UI) renderLine(line chatLine) string {
	timestamp := timestampStyle.Render(line.timestamp.Format("15:04:05"))

	if line.system {
		return fmt.Sprintf("%s %s", timestamp, systemMessageStyle.Render(line.body))
	}

	style := peerMessageStyle
	label := line.sender
	switch {
	case line.direct:
		style = directMessageStyle
		label = line.sender + " (dm)"
	case line.sender == ui.node.Status().Username:
		style = ownMessageStyle
	}

	return fmt.Sprintf("%s %s %s", timestamp, style.Render("["+label+"]"), line.body)
}

func (ui *UI) View() string {
	if !ui.ready {
		return "\n  Starting meshchat...\n"
	}

	s := ui.node.Status()

	header := headerStyle.Render(fmt.Sprintf("meshchat - #%s as %s", s.Channel, s.Username))

	messagePanel := messagePanelStyle.Width(ui.width - 35).Height(ui.viewport.Height + 2).Render(
		fmt.Sprintf("Messages\n%s", ui.viewport.View()))

	peerPanel := ui.renderPeerPanel()

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, messagePanel, peerPanel)

	statusBar := ui.renderStatusBar(s)

	inputArea := inputStyle.Width(ui.width - 4).Render(
		fmt.Sprintf("Input (/help for commands)\n%s", ui.textarea.View()))

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		mainContent,
		statusBar,
		inputArea,
	)
}

func (ui *UI) renderPeerPanel() string {
	var content strings.Builder

	content.WriteString("Peers\n")
	content.WriteString(strings.Repeat("-", 28) + "\n")

	if len(ui.peers) == 0 {
		content.WriteString("  none yet\n")
		content.WriteString("  waiting for discovery...\n")
	} else {
		for i, p := range ui.peers {
			dot := peerConnectedStyle.Render("*")
			content.WriteString(fmt.Sprintf("  %s %s\n", dot, p.Username))
			if i >= 15 {
				content.WriteString(fmt.Sprintf("  ... and %d more\n", len(ui.peers)-16))
				break
			}
		}
	}

	return peerPanelStyle.Width(30).Height(ui.viewport.Height + 2).Render(content.String())
}

func (ui *UI) renderStatusBar(s meshchat.Status) string {
	left := fmt.Sprintf("node %s on %s:%d", s.NodeID, s.Host, s.Port)
	right := fmt.Sprintf("peers: %d", s.Peers)

	totalWidth := ui.width - 4
	spacing := totalWidth - lipgloss.Width(left) - lipgloss.Width(right)
	if spacing < 0 {
		spacing = 0
	}

	return statusBarStyle.Width(ui.width - 4).Render(left + strings.Repeat(" ", spacing) + right)
}
