// Package tui is the interactive terminal view of a chat session.
package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/papercomputeco/chatrelay/pkg/chat"
	"github.com/papercomputeco/chatrelay/pkg/llm"
)

const (
	inputHeight = 3

	incompleteMarker = "⚠ incomplete response"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	systemStyle    = lipgloss.NewStyle().Faint(true)
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle    = lipgloss.NewStyle().Faint(true)
	titleStyle     = lipgloss.NewStyle().Bold(true).Underline(true)
)

// updateMsg signals that the session transcript changed.
type updateMsg struct{}

// doneMsg carries the result of an exchange.
type doneMsg struct {
	reply chat.Entry
	err   error
}

// Model is the Bubble Tea model of the chat view.
type Model struct {
	ctx       context.Context
	cancel    context.CancelFunc
	exchanger *chat.Exchanger
	session   *chat.Session
	title     string

	viewport viewport.Model
	input    textarea.Model
	renderer *glamour.TermRenderer
	rendered map[string]string

	ready   bool
	pending bool
	status  string
	updates chan struct{}
}

// New creates the chat view for session.
func New(ctx context.Context, exchanger *chat.Exchanger, session *chat.Session, title string) Model {
	ctx, cancel := context.WithCancel(ctx)

	input := textarea.New()
	input.Placeholder = "Send a message..."
	input.ShowLineNumbers = false
	input.SetHeight(inputHeight)
	input.KeyMap.InsertNewline.SetEnabled(false)
	input.Focus()

	return Model{
		ctx:       ctx,
		cancel:    cancel,
		exchanger: exchanger,
		session:   session,
		title:     title,
		input:     input,
		rendered:  make(map[string]string),
		status:    "enter to send, esc to quit",
		updates:   make(chan struct{}, 1),
	}
}

// Run shows the chat view until the user quits.
func Run(ctx context.Context, exchanger *chat.Exchanger, session *chat.Session, title string) error {
	m := New(ctx, exchanger, session, title)
	defer m.cancel()

	_, err := tea.NewProgram(m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	).Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.waitForUpdate())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg), nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case updateMsg:
		m.refresh()
		if m.session.State() == chat.StateStreaming {
			m.status = "streaming..."
		}
		return m, m.waitForUpdate()

	case doneMsg:
		m.pending = false
		m.refresh()
		m.status = statusFor(msg.err)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		statusStyle.Render(m.status),
		m.input.View(),
	)
}

func (m Model) handleResize(msg tea.WindowSizeMsg) Model {
	height := max(msg.Height-inputHeight-1, 1)

	if !m.ready {
		m.viewport = viewport.New(msg.Width, height)
		m.ready = true
	} else {
		m.viewport.Width = msg.Width
		m.viewport.Height = height
	}
	m.input.SetWidth(msg.Width)

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(msg.Width-2, 20)),
	)
	if err != nil {
		// Fallback to plain text
		renderer = nil
	}
	m.renderer = renderer
	m.rendered = make(map[string]string)

	m.viewport.SetContent(m.render())
	m.viewport.GotoBottom()
	return m
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.cancel()
		return m, tea.Quit

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.KeyEnter:
		if m.pending {
			m.status = "a reply is still streaming"
			return m, nil
		}

		content := m.input.Value()
		if strings.TrimSpace(content) == "" {
			return m, nil
		}

		m.input.Reset()
		m.pending = true
		m.status = "waiting for reply..."
		return m, m.send(content)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// send runs one exchange in the background. Transcript changes are announced
// on m.updates; a pending announcement is never duplicated.
func (m Model) send(content string) tea.Cmd {
	ctx, exchanger, session, updates := m.ctx, m.exchanger, m.session, m.updates

	return func() tea.Msg {
		reply, err := exchanger.Send(ctx, session, content, func() {
			select {
			case updates <- struct{}{}:
			default:
			}
		})
		return doneMsg{reply: reply, err: err}
	}
}

func (m Model) waitForUpdate() tea.Cmd {
	ctx, updates := m.ctx, m.updates
	return func() tea.Msg {
		select {
		case <-updates:
			return updateMsg{}
		case <-ctx.Done():
			return nil
		}
	}
}

// refresh re-renders the transcript. The view follows new content only if it
// was scrolled to the bottom before the update.
func (m *Model) refresh() {
	if !m.ready {
		return
	}

	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.render())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) render() string {
	turns := m.session.Transcript()
	streaming := m.session.State() == chat.StateStreaming
	interrupted := m.session.Interrupted()

	var b strings.Builder
	if m.title != "" {
		b.WriteString(titleStyle.Render(m.title))
		b.WriteString("\n\n")
	}

	for i, turn := range turns {
		last := i == len(turns)-1

		b.WriteString(label(turn.Role))
		b.WriteString("\n")

		if turn.Role == llm.RoleAssistant && !(last && (streaming || interrupted)) {
			b.WriteString(m.markdown(turn.Content))
		} else {
			b.WriteString(lipgloss.NewStyle().Width(m.viewport.Width).Render(turn.Content))
			b.WriteString("\n")
		}

		if last && interrupted {
			b.WriteString(warnStyle.Render(incompleteMarker))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	return b.String()
}

func (m *Model) markdown(content string) string {
	if out, ok := m.rendered[content]; ok {
		return out
	}
	if m.renderer == nil {
		return content + "\n"
	}

	out, err := m.renderer.Render(content)
	if err != nil {
		return content + "\n"
	}
	m.rendered[content] = out
	return out
}

func label(role llm.Role) string {
	switch role {
	case llm.RoleUser:
		return userStyle.Render("You")
	case llm.RoleAssistant:
		return assistantStyle.Render("Assistant")
	default:
		return systemStyle.Render(string(role))
	}
}

func statusFor(err error) string {
	if err == nil {
		return "ready"
	}

	var interrupted *llm.StreamInterruptedError
	var authErr *llm.AuthError
	switch {
	case errors.As(err, &interrupted):
		return "incomplete response: " + interrupted.Err.Error()
	case errors.As(err, &authErr):
		return "not authenticated: check client.token"
	case errors.Is(err, chat.ErrExchangeInFlight):
		return "a reply is still streaming"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error: " + err.Error()
	}
}
