package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/askai-chat/internal/chat"
	"github.com/MegaGrindStone/askai-chat/internal/document"
	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/MegaGrindStone/askai-chat/internal/reveal"
	"github.com/MegaGrindStone/askai-chat/internal/stream"
	"github.com/MegaGrindStone/askai-chat/internal/transcript"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Config wires runtime options into the chat program.
type Config struct {
	Streamer chat.Streamer
	Sessions transcript.SessionBackend
	Pacing   reveal.Pacing
	// GlamourStyle is a glamour standard style name. Empty picks one from the terminal background.
	GlamourStyle string
	Logger       *slog.Logger
}

const (
	minViewportWidth          = 40
	viewportHorizontalPadding = 4
	chromeHeight              = 6

	eventBuffer = 64
	cursorGlyph = "▍"

	helpText = "Enter sends · /attach <path> adds a file · /new starts over · esc cancels a reply · ctrl+c quits"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	helperStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type model struct {
	cfg     Config
	guest   *transcript.Guest
	session *chat.Session
	events  chan tea.Msg

	input    textinput.Model
	spinner  spinner.Model
	viewport viewport.Model
	renderer *glamour.TermRenderer
	rendered map[string]string

	history []models.ChatMessage
	pending models.ChatMessage
	reply   *reply
	files   []document.File

	busy    bool
	ticking bool
	failed  bool

	infoMessage  string
	errorMessage string

	logger *slog.Logger
}

type reply struct {
	id   string
	anim *reveal.Animator
}

// New opens a fresh guest transcript on cfg.Sessions and returns a tea.Model ready to be mounted into a
// Program.
func New(ctx context.Context, cfg Config) (tea.Model, error) {
	return newModel(ctx, cfg)
}

func newModel(ctx context.Context, cfg Config) (*model, error) {
	if cfg.Pacing == (reveal.Pacing{}) {
		cfg.Pacing = reveal.DefaultPacing()
	}
	logger := cfg.Logger.With(slog.String("module", "tui"))

	guest, err := transcript.OpenGuest(ctx, cfg.Sessions, "", cfg.Logger)
	if err != nil {
		return nil, err
	}

	events := make(chan tea.Msg, eventBuffer)
	session := chat.NewSession(guest, cfg.Streamer, document.NewExtractor(cfg.Logger),
		channelPresenter{events: events}, cfg.Logger)

	input := textinput.New()
	input.Placeholder = "Ask anything…"
	input.Focus()
	input.CharLimit = 10000
	input.Width = 70

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	vp := viewport.New(80, 20)
	vp.MouseWheelEnabled = true

	m := &model{
		cfg:         cfg,
		guest:       guest,
		session:     session,
		events:      events,
		input:       input,
		spinner:     spin,
		viewport:    vp,
		rendered:    map[string]string{},
		infoMessage: helpText,
		logger:      logger,
	}
	m.renderer = m.newRenderer(vp.Width)
	return m, nil
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.refreshViewport()
		return m, cmd
	case frameMsg:
		return m, m.handleFrame()
	case replyBeganMsg:
		m.reply = &reply{id: msg.id, anim: reveal.NewAnimator(m.cfg.Pacing)}
		m.refreshViewport()
		return m, waitForEvent(m.events)
	case replyDeltaMsg:
		return m, tea.Batch(m.handleDelta(msg), waitForEvent(m.events))
	case replyFinishedMsg:
		if m.reply != nil && m.reply.id == msg.id {
			m.reply.anim.SetTarget(msg.content)
			m.reply.anim.SetStreaming(false)
			m.refreshViewport()
		}
		return m, waitForEvent(m.events)
	case replyFailedMsg:
		m.reply = nil
		m.failed = true
		m.errorMessage = stream.UserMessage(msg.err)
		m.refreshViewport()
		return m, waitForEvent(m.events)
	case turnDoneMsg:
		m.handleTurnDone(msg)
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m *model) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyCtrlC:
		if m.busy {
			m.session.Cancel()
			m.infoMessage = "Cancelling the reply…"
			return m, nil
		}
		return m, tea.Quit
	case tea.KeyEsc:
		if m.busy {
			m.session.Cancel()
			m.infoMessage = "Cancelling the reply…"
		}
		return m, nil
	case tea.KeyEnter:
		return m.submit()
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(key)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(key)
	return m, cmd
}

func (m *model) submit() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")

	if strings.HasPrefix(value, "/") {
		return m.runCommand(value)
	}
	if m.busy {
		m.errorMessage = "A reply is still streaming. Press esc to cancel it."
		return m, nil
	}
	if value == "" && len(m.files) == 0 {
		return m, nil
	}

	files := m.files
	m.files = nil
	m.busy = true
	m.failed = false
	m.errorMessage = ""
	m.infoMessage = "Waiting for the reply… esc cancels."
	m.pending = models.ChatMessage{
		Role:      models.RoleUser,
		Content:   document.DisplayContent(value, len(files)),
		Timestamp: time.Now(),
	}
	m.refreshViewport()

	return m, tea.Batch(m.spinner.Tick, sendCmd(m.session, m.events, value, files))
}

func (m *model) runCommand(line string) (tea.Model, tea.Cmd) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/help":
		m.errorMessage = ""
		m.infoMessage = helpText
	case "/new":
		if m.busy {
			m.errorMessage = "Wait for the reply to finish or cancel it first."
			return m, nil
		}
		if err := m.guest.Clear(context.Background()); err != nil {
			m.logger.Error("Failed to clear transcript", slog.String("err", err.Error()))
			m.errorMessage = "Failed to start a new conversation."
			return m, nil
		}
		m.history = nil
		m.files = nil
		m.rendered = map[string]string{}
		m.errorMessage = ""
		m.infoMessage = "Started a new conversation."
		m.refreshViewport()
	case "/attach":
		if arg == "" {
			m.errorMessage = "Usage: /attach <path>"
			return m, nil
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			m.errorMessage = fmt.Sprintf("Cannot read %s: %v", arg, err)
			return m, nil
		}
		m.files = append(m.files, document.File{Name: filepath.Base(arg), Data: data})
		m.errorMessage = ""
		m.infoMessage = fmt.Sprintf("Attached %s. It will be sent with your next message.", filepath.Base(arg))
	default:
		m.errorMessage = fmt.Sprintf("Unknown command %s. Type /help for the list.", name)
	}
	return m, nil
}

func (m *model) handleDelta(msg replyDeltaMsg) tea.Cmd {
	if m.reply == nil || m.reply.id != msg.id {
		return nil
	}
	m.reply.anim.SetTarget(msg.content)
	m.refreshViewport()
	if m.ticking || !m.reply.anim.IsAnimating() {
		return nil
	}
	m.ticking = true
	return frameCmd()
}

func (m *model) handleFrame() tea.Cmd {
	if m.reply == nil {
		m.ticking = false
		return nil
	}
	more := m.reply.anim.Tick()
	m.refreshViewport()
	if !more {
		m.ticking = false
		return nil
	}
	return frameCmd()
}

func (m *model) handleTurnDone(msg turnDoneMsg) {
	m.busy = false
	m.reply = nil
	m.pending = models.ChatMessage{}

	history, err := m.guest.List(context.Background())
	if err != nil {
		m.logger.Error("Failed to list transcript", slog.String("err", err.Error()))
	} else {
		m.history = history
	}

	switch {
	case msg.err != nil && !m.failed:
		m.errorMessage = describeError(msg.err)
		m.infoMessage = helpText
	case msg.err != nil:
		m.infoMessage = helpText
	case m.guest.Remaining() <= chat.GuestWarningThreshold:
		m.infoMessage = fmt.Sprintf("%d prompts left in this session. /new starts over.", m.guest.Remaining())
	default:
		m.infoMessage = helpText
	}
	m.failed = false
	m.refreshViewport()
}

func describeError(err error) string {
	var docErr *chat.DocumentError
	switch {
	case errors.Is(err, transcript.ErrGuestLimit):
		return fmt.Sprintf("You have used all %d prompts of this session. Type /new to start over.",
			transcript.GuestPromptLimit)
	case errors.Is(err, chat.ErrEmptyPrompt):
		return "Nothing to send."
	case errors.Is(err, chat.ErrBusy):
		return "A reply is still streaming. Press esc to cancel it."
	case errors.As(err, &docErr):
		return docErr.Error()
	}
	return stream.UserMessage(err)
}

func (m *model) resize(width, height int) {
	newWidth := width - viewportHorizontalPadding
	if newWidth < minViewportWidth {
		newWidth = minViewportWidth
	}
	m.viewport.Width = newWidth
	m.input.Width = newWidth - 2

	h := height - chromeHeight
	if h < 5 {
		h = 5
	}
	m.viewport.Height = h

	m.renderer = m.newRenderer(newWidth)
	m.rendered = map[string]string{}
	m.refreshViewport()
}

func (m *model) newRenderer(width int) *glamour.TermRenderer {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if m.cfg.GlamourStyle == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(m.cfg.GlamourStyle))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		m.logger.Warn("Failed to create markdown renderer", slog.String("err", err.Error()))
		return nil
	}
	return r
}

func (m *model) refreshViewport() {
	m.viewport.SetContent(m.transcriptView())
	m.viewport.GotoBottom()
}

func (m *model) transcriptView() string {
	var b strings.Builder
	for _, msg := range m.history {
		b.WriteString(m.messageView(msg))
	}
	if m.pending.Content != "" {
		b.WriteString(m.messageView(m.pending))
	}
	if m.reply != nil {
		b.WriteString(assistantStyle.Render("AskAI"))
		b.WriteString("\n")
		if text := m.reply.anim.Displayed(); text != "" {
			if m.reply.anim.IsAnimating() {
				text += cursorGlyph
			}
			b.WriteString(lipgloss.NewStyle().Width(m.viewport.Width).Render(text))
		} else {
			b.WriteString(helperStyle.Render(m.spinner.View() + " Thinking…"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *model) messageView(msg models.ChatMessage) string {
	var b strings.Builder
	if msg.Role == models.RoleUser {
		b.WriteString(userStyle.Render("You"))
		b.WriteString("\n")
		b.WriteString(lipgloss.NewStyle().Width(m.viewport.Width).Render(msg.Content))
		b.WriteString("\n\n")
		return b.String()
	}

	b.WriteString(assistantStyle.Render("AskAI"))
	b.WriteString("\n")
	b.WriteString(m.markdown(msg))
	b.WriteString("\n")
	return b.String()
}

// markdown renders a settled assistant message once and caches it by id.
func (m *model) markdown(msg models.ChatMessage) string {
	if out, ok := m.rendered[msg.ID]; ok {
		return out
	}
	out := msg.Content
	if m.renderer != nil {
		r, err := m.renderer.Render(msg.Content)
		if err != nil {
			m.logger.Warn("Failed to render markdown", slog.String("err", err.Error()))
		} else {
			out = strings.TrimRight(r, "\n")
		}
	}
	if msg.ID != "" {
		m.rendered[msg.ID] = out
	}
	return out
}

func (m *model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("AskAI Chat"))
	b.WriteString("  ")
	b.WriteString(helperStyle.Render(fmt.Sprintf("%d/%d prompts left",
		m.guest.Remaining(), transcript.GuestPromptLimit)))
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	switch {
	case m.errorMessage != "":
		b.WriteString(errorStyle.Render(m.errorMessage))
	case m.busy:
		b.WriteString(helperStyle.Render(m.spinner.View() + " " + m.infoMessage))
	default:
		b.WriteString(helperStyle.Render(m.infoMessage))
	}
	b.WriteString("\n")

	if len(m.files) > 0 {
		names := make([]string, 0, len(m.files))
		for _, f := range m.files {
			names = append(names, f.Name)
		}
		b.WriteString(helperStyle.Render("📎 " + strings.Join(names, ", ")))
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	return b.String()
}
