package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voicechat/pkg/orchestrator"
	"github.com/go-go-golems/voicechat/pkg/session"
	"github.com/go-go-golems/voicechat/pkg/transcript"
)

var controlKeys = map[orchestrator.Control]string{
	orchestrator.ControlChat:  "ctrl+t",
	orchestrator.ControlLeave: "ctrl+q",
}

// Model is the terminal control surface: status line, transcript viewport,
// optional chat input and control bar.
type Model struct {
	ctx  context.Context
	ctrl Controller

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	copy     func(string) error

	caps     orchestrator.CapabilitySet
	session  session.Session
	snapshot transcript.Snapshot
	chatOpen bool
	lastErr  error
	notice   string

	width  int
	height int
}

type ModelOption func(*Model)

// WithClipboard replaces the clipboard writer used by ctrl+y.
func WithClipboard(f func(string) error) ModelOption {
	return func(m *Model) {
		if f != nil {
			m.copy = f
		}
	}
}

func NewModel(ctx context.Context, ctrl Controller, opts ...ModelOption) Model {
	if ctx == nil {
		ctx = context.Background()
	}
	in := textinput.New()
	in.Placeholder = "Type a message"
	in.Prompt = "> "
	in.CharLimit = 2000

	sp := spinner.New()
	sp.Spinner = spinner.Line
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)

	v := ctrl.View()
	m := Model{
		ctx:      ctx,
		ctrl:     ctrl,
		viewport: viewport.New(80, 20),
		input:    in,
		spinner:  sp,
		copy:     clipboard.WriteAll,
		caps:     v.Capabilities,
		session:  v.Session,
		snapshot: v.Transcript,
		chatOpen: v.ChatOpen,
		width:    80,
		height:   24,
	}
	for _, opt := range opts {
		opt(&m)
	}
	if m.chatOpen {
		m.input.Focus()
	}
	m.viewport.SetContent(m.renderTranscript())
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = ev.Width, ev.Height
		m.layout()
		m.renderer = newRenderer(m.viewport.Width)
		m.viewport.SetContent(m.renderTranscript())
		return m, nil

	case SessionMsg:
		m.session = m.ctrl.View().Session
		if ev.Transition.Err != nil {
			m.lastErr = ev.Transition.Err
		} else if ev.Transition.To == session.StateActive {
			m.lastErr = nil
			m.notice = ""
		}
		return m, nil

	case TranscriptMsg:
		m.snapshot = ev.Update.Snapshot
		m.viewport.SetContent(m.renderTranscript())
		if ev.Update.ScrollToBottom {
			m.viewport.GotoBottom()
		}
		return m, nil

	case ChatVisibilityMsg:
		m.chatOpen = ev.Open
		if m.chatOpen {
			cmds = append(cmds, m.input.Focus())
		} else {
			m.input.Blur()
		}
		m.layout()
		return m, tea.Batch(cmds...)

	case errMsg:
		m.lastErr = ev.err
		return m, nil

	case copiedMsg:
		m.notice = fmt.Sprintf("copied %d messages", ev.n)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(ev)
		return m, cmd

	case tea.KeyMsg:
		switch ev.String() {
		case "ctrl+c", "ctrl+q":
			if err := m.ctrl.HandleIntent(orchestrator.IntentLeave); err != nil {
				log.Warn().Err(err).Str("component", "ui").Msg("leave intent rejected")
			}
			return m, tea.Quit
		case "ctrl+t":
			if err := m.ctrl.HandleIntent(orchestrator.IntentToggleChat); err != nil {
				m.lastErr = err
			}
			return m, nil
		case "ctrl+r":
			if err := m.ctrl.HandleIntent(orchestrator.IntentRestart); err != nil {
				m.lastErr = err
				return m, nil
			}
			m.notice = "restarting"
			return m, nil
		case "ctrl+s":
			return m, m.startCmd()
		case "ctrl+y":
			return m, m.copyCmd()
		case "enter":
			if m.chatOpen {
				text := m.input.Value()
				m.input.Reset()
				return m, m.sendCmd(text)
			}
		}
		if m.chatOpen {
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(ev)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	parts := []string{m.statusLine(), m.viewport.View()}
	if m.chatOpen {
		parts = append(parts, inputBorder.Width(max(m.width-2, 10)).Render(m.input.View()))
	}
	parts = append(parts, m.controlBar())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *Model) layout() {
	reserved := 2 // status line and control bar
	if m.chatOpen {
		reserved += 3
	}
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-reserved, 1)
	m.input.Width = max(m.width-6, 10)
}

func (m Model) statusLine() string {
	state := m.session.State.String()
	if m.session.State == session.StateStarting || m.session.State == session.StateEnding {
		state = m.spinner.View() + " " + state
	}
	line := fmt.Sprintf("%s  gen %d", state, m.session.Generation)
	if m.session.ID != "" {
		line += "  " + shortID(m.session.ID)
	}
	if m.notice != "" {
		line += "  " + m.notice
	}
	out := statusStyle.Render(line)
	if m.lastErr != nil {
		out += " " + errorStyle.Render(m.lastErr.Error())
	}
	return out
}

func (m Model) controlBar() string {
	var items []string
	for _, c := range orchestrator.Controls() {
		label := string(c)
		if k, ok := controlKeys[c]; ok {
			label += " (" + k + ")"
		}
		if m.caps.Allows(c) {
			items = append(items, enabledStyle.Render(label))
		} else {
			items = append(items, disabledStyle.Render(label))
		}
	}
	items = append(items, enabledStyle.Render("restart (ctrl+r)"))
	return lipgloss.JoinHorizontal(lipgloss.Top, items...)
}

func (m Model) renderTranscript() string {
	if len(m.snapshot.Messages) == 0 {
		return timeStyle.Render("No messages yet. Press ctrl+s to start a session.")
	}
	var b strings.Builder
	for _, msg := range m.snapshot.Messages {
		who := remoteStyle.Render("Agent")
		if msg.IsLocal() {
			who = localStyle.Render("You")
		}
		fmt.Fprintf(&b, "%s %s\n", who, timeStyle.Render(msg.Timestamp.Format("15:04:05")))
		b.WriteString(m.renderPayload(msg))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderPayload(msg transcript.Message) string {
	if msg.IsLocal() || m.renderer == nil {
		return msg.Payload + "\n"
	}
	out, err := m.renderer.Render(msg.Payload)
	if err != nil {
		return msg.Payload + "\n"
	}
	return strings.TrimLeft(out, "\n")
}

func (m Model) sendCmd(text string) tea.Cmd {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		if err := ctrl.SendChat(ctx, text); err != nil {
			return errMsg{err: err}
		}
		return nil
	}
}

func (m Model) startCmd() tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		if _, err := ctrl.StartSession(ctx); err != nil {
			return errMsg{err: err}
		}
		return nil
	}
}

func (m Model) copyCmd() tea.Cmd {
	text := PlainTranscript(m.snapshot)
	n := len(m.snapshot.Messages)
	write := m.copy
	return func() tea.Msg {
		if err := write(text); err != nil {
			return errMsg{err: err}
		}
		return copiedMsg{n: n}
	}
}

// PlainTranscript renders a snapshot as plain text, one message per line.
func PlainTranscript(s transcript.Snapshot) string {
	var b strings.Builder
	for _, msg := range s.Messages {
		who := "Agent"
		if msg.IsLocal() {
			who = "You"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), who, msg.Payload)
	}
	return b.String()
}

func newRenderer(width int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(max(width-4, 20)),
	)
	if err != nil {
		log.Debug().Err(err).Str("component", "ui").Msg("markdown renderer unavailable")
		return nil
	}
	return r
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
