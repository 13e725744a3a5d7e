// Package tui is the terminal chat front end.
package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/23skdu/fingemma/internal/backend"
	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/generate"
	"github.com/23skdu/fingemma/internal/prompt"
	"github.com/23skdu/fingemma/internal/session"
	"github.com/23skdu/fingemma/internal/transcript"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#0F3D5E")).Padding(0, 1)
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FAFFF"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#87D787"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
)

// Options configure the chat screen.
type Options struct {
	Info          backend.Info
	SystemPrompt  string
	SamplePrompts []string
	Params        config.Params
}

type updateMsg struct {
	update  generate.Update
	history []prompt.Turn
}

type doneMsg struct {
	err error
}

type Model struct {
	sess *session.Session
	opts Options

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	// view is the provisional history while a reply streams.
	view      []prompt.Turn
	streaming bool
	events    chan tea.Msg
	cancel    context.CancelFunc

	tokens       int
	tokensPerSec float64
	status       string
	err          error
	width        int
}

func New(sess *session.Session, opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "Ask a finance question (/reset, /save <file>, /quit)"
	ti.Prompt = "> "
	ti.CharLimit = 4000
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
	if err != nil {
		r = nil
	}

	m := Model{
		sess:     sess,
		opts:     opts,
		viewport: viewport.New(80, 20),
		input:    ti,
		spinner:  sp,
		renderer: r,
		width:    80,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-6, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case updateMsg:
		m.view = msg.history
		m.tokens = msg.update.Tokens
		m.tokensPerSec = msg.update.TokensPerSec
		m.refresh()
		return m, waitFor(m.events)

	case doneMsg:
		m.streaming = false
		m.view = nil
		m.events = nil
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		switch {
		case msg.err == nil:
			m.status = ""
		case errors.Is(msg.err, context.Canceled):
			m.status = "Cancelled"
		case errors.Is(msg.err, session.ErrEmptyMessage):
			m.status = ""
		case errors.Is(msg.err, session.ErrReset):
			m.status = "Conversation cleared"
		default:
			m.err = msg.err
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.streaming {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		if m.cancel != nil {
			m.cancel()
		}
		return m, tea.Quit

	case tea.KeyEsc:
		if m.streaming && m.cancel != nil {
			m.cancel()
		}
		return m, nil

	case tea.KeyCtrlL:
		if !m.streaming {
			m.reset()
		}
		return m, nil

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.KeyEnter:
		if m.streaming {
			return m, nil
		}
		text := m.input.Value()
		m.input.Reset()
		return m.submit(text)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit(text string) (tea.Model, tea.Cmd) {
	m.err = nil
	m.status = ""

	switch cmd, arg, _ := strings.Cut(strings.TrimSpace(text), " "); cmd {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/reset", "/clear":
		m.reset()
		return m, nil
	case "/save":
		m.save(strings.TrimSpace(arg))
		m.refresh()
		return m, nil
	}

	if strings.TrimSpace(text) == "" {
		return m, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan tea.Msg, 16)
	m.cancel = cancel
	m.events = events
	m.streaming = true
	m.tokens, m.tokensPerSec = 0, 0
	m.view = append(m.sess.History(), prompt.Turn{User: text})
	m.refresh()

	go func() {
		_, err := m.sess.SubmitStream(ctx, text, m.opts.SystemPrompt, m.opts.Params, func(u generate.Update, h []prompt.Turn) {
			select {
			case events <- updateMsg{update: u, history: h}:
			case <-ctx.Done():
			}
		})
		// the UI keeps reading until it sees this, even after esc
		events <- doneMsg{err: err}
	}()

	return m, tea.Batch(m.spinner.Tick, waitFor(events))
}

func (m *Model) reset() {
	m.sess.Reset()
	m.tokens, m.tokensPerSec = 0, 0
	m.err = nil
	m.status = "Conversation cleared"
	m.refresh()
}

func (m *Model) save(path string) {
	if path == "" {
		m.err = errors.New("usage: /save <file>")
		return
	}
	f, err := os.Create(path)
	if err != nil {
		m.err = err
		return
	}
	defer f.Close()

	meta := transcript.Meta{SessionID: m.sess.ID, Model: m.opts.Info.ModelPath, System: m.opts.SystemPrompt}
	if err := transcript.Encode(f, meta, m.sess.History()); err != nil {
		m.err = err
		return
	}
	m.status = "Saved transcript to " + path
}

// waitFor delivers the next message from a running stream.
func waitFor(events <-chan tea.Msg) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		return <-events
	}
}

func (m *Model) refresh() {
	history := m.view
	if history == nil {
		history = m.sess.History()
	}

	var sb strings.Builder
	if len(history) == 0 {
		sb.WriteString(statusStyle.Render("Try one of these:") + "\n")
		for _, p := range m.opts.SamplePrompts {
			sb.WriteString(statusStyle.Render("  • "+p) + "\n")
		}
	}
	for i, t := range history {
		sb.WriteString(userStyle.Render("You: ") + t.User + "\n")
		pending := m.streaming && i == len(history)-1
		sb.WriteString(assistantStyle.Render("Assistant:") + "\n")
		sb.WriteString(m.renderReply(t.Assistant, pending) + "\n")
	}

	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

// renderReply formats committed replies as markdown; a streaming reply is
// shown raw since partial markdown renders poorly.
func (m *Model) renderReply(text string, pending bool) string {
	if pending || m.renderer == nil {
		return text
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Finance Assistant · %s · %s", m.opts.Info.ModelPath, m.opts.Info.Device)))
	sb.WriteString("\n")
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n")

	stats := fmt.Sprintf("Tokens Generated: %d · Tokens/s: %.2f", m.tokens, m.tokensPerSec)
	if m.streaming {
		stats = m.spinner.View() + " " + stats + " · esc to stop"
	}
	sb.WriteString(statusStyle.Render(stats))
	sb.WriteString("\n")

	switch {
	case m.err != nil:
		sb.WriteString(errorStyle.Render("Error: " + m.err.Error()))
	case m.status != "":
		sb.WriteString(statusStyle.Render(m.status))
	}
	sb.WriteString("\n")
	sb.WriteString(m.input.View())
	return sb.String()
}

// Run blocks until the user quits.
func Run(sess *session.Session, opts Options) error {
	p := tea.NewProgram(New(sess, opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
