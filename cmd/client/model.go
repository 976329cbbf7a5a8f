package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Avicted/chorus/internal/client"
)

const sendTimeout = 30 * time.Second

type chatClient interface {
	Events() <-chan client.Event
	Send(ctx context.Context, content string) (client.Ack, error)
}

type chatLine struct {
	seq    int64
	body   string
	replay bool
	system bool
}

type model struct {
	client    chatClient
	server    string
	lines     []chatLine
	seen      map[int64]bool
	mine      map[int64]bool
	pending   int
	latest    int64
	connected bool
	errMsg    string
	viewport  viewport.Model
	input     textinput.Model
	width     int
	height    int
}

type eventMsg client.Event

type eventsClosedMsg struct{}

type sentMsg struct {
	ack client.Ack
	err error
}

func newModel(c chatClient, server string) model {
	input := textinput.New()
	input.Placeholder = "type a message..."
	input.CharLimit = 4096
	input.Width = 40
	input.Focus()

	return model{
		client:   c,
		server:   server,
		seen:     make(map[int64]bool),
		mine:     make(map[int64]bool),
		viewport: viewport.New(60, 10),
		input:    input,
	}
}

func waitForEvent(ch <-chan client.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m model) sendCmd(content string) tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		ack, err := c.Send(ctx, content)
		return sentMsg{ack: ack, err: err}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.client.Events()))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateLayout()
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+q":
			return m, tea.Quit
		case "enter":
			body := strings.TrimSpace(m.input.Value())
			if body == "" {
				return m, nil
			}
			m.input.Reset()
			m.pending++
			return m, m.sendCmd(body)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case eventMsg:
		m.handleEvent(client.Event(msg))
		m.refreshViewport()
		return m, waitForEvent(m.client.Events())

	case eventsClosedMsg:
		m.connected = false
		return m, nil

	case sentMsg:
		m.pending = max(0, m.pending-1)
		if msg.err != nil {
			m.errMsg = fmt.Sprintf("send: %v", msg.err)
			return m, nil
		}
		m.mine[msg.ack.Seq] = true
		m.refreshViewport()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) handleEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventConnected:
		m.connected = true
		m.errMsg = ""
		m.latest = max(m.latest, ev.Seq)
		if ev.Recovered {
			m.appendSystem("reconnected, session resumed")
		}
	case client.EventMessage:
		m.latest = max(m.latest, ev.Seq)
		if m.seen[ev.Seq] {
			return
		}
		m.seen[ev.Seq] = true
		m.lines = append(m.lines, chatLine{seq: ev.Seq, body: ev.Content, replay: ev.Replay})
	case client.EventReplayDone:
		m.latest = max(m.latest, ev.Seq)
	case client.EventDisconnected:
		m.connected = false
		if ev.Err != nil {
			m.errMsg = "disconnected, retrying"
		}
	case client.EventError:
		m.errMsg = fmt.Sprintf("[%s] %v", ev.Code, ev.Err)
	}
}

func (m *model) appendSystem(text string) {
	m.lines = append(m.lines, chatLine{body: text, system: true})
}

func (m *model) refreshViewport() {
	m.viewport.SetContent(m.renderLines())
	m.viewport.GotoBottom()
}

func (m *model) updateLayout() {
	m.viewport.Width = clampMin(m.width-4, 10)
	m.viewport.Height = clampMin(m.height-7, 1)
	m.input.Width = clampMin(m.width-8, 20)
}

func (m *model) renderLines() string {
	if len(m.lines) == 0 {
		return labelStyle.Render("  No messages yet. Send one to start chatting!")
	}

	var b strings.Builder
	for _, line := range m.lines {
		var style lipgloss.Style
		prefix := fmt.Sprintf("  #%d ", line.seq)
		switch {
		case line.system:
			style = labelStyle
			prefix = "  * "
		case m.mine[line.seq]:
			style = sentMsgStyle
		case line.replay:
			style = historyMsgStyle
		default:
			style = recvMsgStyle
		}
		for _, l := range formatLines(prefix, line.body, m.viewport.Width) {
			b.WriteString(style.Render(l))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m model) View() string {
	var b strings.Builder

	header := fmt.Sprintf("  %s  %s  %s",
		appNameStyle.Render("* chorus"),
		labelStyle.Render(m.server),
		labelStyle.Render(fmt.Sprintf("latest #%d", m.latest)),
	)
	status := connectedStyle.Render("online")
	if !m.connected {
		status = disconnectedStyle.Render("offline")
	}
	gap := max(1, m.width-lipgloss.Width(header)-lipgloss.Width(status)-2)
	b.WriteString(header + strings.Repeat(" ", gap) + status)
	b.WriteString("\n")
	b.WriteString(separator(m.width))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(separator(m.width))
	b.WriteString("\n")
	b.WriteString(activeInputStyle.Render("  > ") + m.input.View())
	b.WriteString("\n")

	switch {
	case m.errMsg != "":
		b.WriteString(errorStyle.Render("  x " + m.errMsg))
	case m.pending > 0:
		b.WriteString(helpStyle.Render(fmt.Sprintf("  sending %d...", m.pending)))
	default:
		b.WriteString(helpStyle.Render("  enter: send - pgup/pgdn: scroll - ctrl+q: quit"))
	}
	return b.String()
}

func clampMin(v, minimum int) int {
	if v < minimum {
		return minimum
	}
	return v
}

func formatLines(prefix, body string, width int) []string {
	contPrefix := strings.Repeat(" ", lipgloss.Width(prefix))
	available := max(width-lipgloss.Width(prefix), 10)

	var out []string
	for i, line := range strings.Split(body, "\n") {
		for j, part := range wrapText(line, available) {
			if i == 0 && j == 0 {
				out = append(out, prefix+part)
				continue
			}
			out = append(out, contPrefix+part)
		}
	}
	return out
}

func wrapText(text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}
	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		if len(current)+1+len(word) <= width {
			current = current + " " + word
			continue
		}
		lines = append(lines, current)
		current = word
	}
	return append(lines, current)
}
