package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ollama-acp/pkg/ollama"
)

type mode int

const (
	modeInteractive mode = iota
	modeOneShot
)

const mouseWheelLines = 3

type chatMessage struct {
	role    string
	content string
	reply   *Reply
}

type replyMsg struct {
	reply Reply
	err   error
}

type bootTickMsg struct{}

type model struct {
	ctx          context.Context
	chatFn       ChatFunc
	mode         mode
	oneShotInput string

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	messages  []chatMessage
	history   []ollama.Message
	width     int
	height    int
	isReady   bool
	isLoading bool
	lastErr   string
	booting   bool
	bootStep  int
	followLog bool
	runtime   RuntimeInfo
	evalTotal int64
}

func newModel(ctx context.Context, chatFn ChatFunc, runMode mode, prompt string, info RuntimeInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Ask the model..."
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	var history []ollama.Message
	if system := strings.TrimSpace(info.System); system != "" {
		history = append(history, ollama.Message{Role: "system", Content: system})
	}

	return &model{
		ctx:          ctx,
		chatFn:       chatFn,
		mode:         runMode,
		oneShotInput: strings.TrimSpace(prompt),
		theme:        newTheme(consolePalette),
		spinner:      spin,
		input:        in,
		viewport:     vp,
		history:      history,
		width:        100,
		height:       28,
		booting:      runMode == modeInteractive,
		followLog:    true,
		runtime:      info,
	}
}

func (m *model) Init() tea.Cmd {
	if m.mode == modeOneShot && m.oneShotInput != "" {
		return tea.Batch(m.spinner.Tick, m.submit(m.oneShotInput))
	}

	return bootTickCmd()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}

		m.bootStep++
		if m.bootStep < len(bootScriptLines())+1 {
			return m, bootTickCmd()
		}

		m.booting = false
		return m, textinput.Blink
	case tea.MouseMsg:
		if m.mode == modeInteractive && !m.booting {
			m.handleViewportMouse(typed)
		}
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting || m.mode == modeOneShot {
			return m, nil
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			if m.isLoading {
				return m, nil
			}

			prompt := strings.TrimSpace(m.input.Value())
			if prompt == "" {
				return m, nil
			}
			if isExitCommand(prompt) {
				return m, tea.Quit
			}

			m.input.SetValue("")
			return m, tea.Batch(m.spinner.Tick, m.submit(prompt))
		}
	}

	if m.mode == modeInteractive {
		m.input, cmd = m.input.Update(msg)
	}

	switch typed := msg.(type) {
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case replyMsg:
		m.applyReply(typed)
		if m.mode == modeOneShot {
			return m, tea.Quit
		}
	}

	return m, cmd
}

// submit records the user turn and returns the command that sends the
// conversation, including that turn, to the model.
func (m *model) submit(prompt string) tea.Cmd {
	m.lastErr = ""
	m.messages = append(m.messages, chatMessage{role: "user", content: prompt})
	m.history = append(m.history, ollama.Message{Role: "user", Content: prompt})
	m.isLoading = true
	m.followLog = true
	m.refreshViewport(true)

	history := make([]ollama.Message, len(m.history))
	copy(history, m.history)
	return sendChatCmd(m.ctx, m.chatFn, history)
}

// applyReply closes out the pending turn. A failed turn is dropped from the
// history so the next request does not carry an unanswered prompt.
func (m *model) applyReply(msg replyMsg) {
	m.isLoading = false
	if msg.err != nil {
		m.lastErr = msg.err.Error()
		m.messages = append(m.messages, chatMessage{role: "error", content: msg.err.Error()})
		if n := len(m.history); n > 0 && m.history[n-1].Role == "user" {
			m.history = m.history[:n-1]
		}
	} else {
		reply := msg.reply
		m.messages = append(m.messages, chatMessage{role: "assistant", content: reply.Content, reply: &reply})
		m.history = append(m.history, ollama.Message{Role: "assistant", Content: reply.Content})
		m.evalTotal += reply.EvalCount
	}
	m.refreshViewport(false)
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.mode == modeOneShot {
		return m.oneShotView()
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.title.Width(m.width - 2).Render("Ollama Console")
	meta := m.theme.meta.Render(fmt.Sprintf(
		"server:%s · model:%s · turns:%d · eval tokens:%d",
		displayOrNA(m.runtime.OllamaURL),
		displayOrNA(m.runtime.Model),
		conversationTurns(m.messages),
		m.evalTotal,
	))
	line := m.theme.rule.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.keys.Render("Enter send  ·  PgUp/PgDn or wheel scroll  ·  End jump latest  ·  Ctrl+C/Esc quit")
	if m.isLoading {
		status = m.theme.waiting.Render(fmt.Sprintf("%s waiting for %s...", m.spinner.View(), displayOrNA(m.runtime.Model)))
	}
	if m.lastErr != "" {
		status = m.theme.failed.Render("last request failed, try again")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.transcript.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.youLabel.Render("You")+" "+m.theme.youHint.Render("(type /exit, quit, or :q)"),
		m.theme.field.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := m.height - 10
	if m.mode == modeOneShot {
		h = m.height - 6
	}
	h = max(8, h)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	var sections []string
	for _, item := range m.messages {
		switch item.role {
		case "user":
			sections = append(sections, m.theme.user.render("you", item.content, m.viewport.Width))
		case "assistant":
			sections = append(sections, m.theme.assistant.render("assistant", m.answerBody(item), m.viewport.Width))
		case "error":
			sections = append(sections, m.theme.failure.render("error", item.content, m.viewport.Width))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

// answerBody appends the styled stats line to an assistant reply.
func (m *model) answerBody(item chatMessage) string {
	body := strings.TrimSpace(item.content)
	if item.reply == nil {
		return body
	}
	stats := replyStats(*item.reply)
	if len(stats) == 0 {
		return body
	}
	return strings.TrimSpace(body + "\n\n" + m.theme.stats.render(stats))
}

func (m *model) oneShotView() string {
	contentWidth := max(40, m.width-6)
	parts := []string{m.theme.user.render("sent", m.oneShotInput, contentWidth)}

	if m.isLoading {
		parts = append(parts, m.theme.waiting.Render(fmt.Sprintf("%s waiting for %s...", m.spinner.View(), displayOrNA(m.runtime.Model))))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
	}

	if m.lastErr != "" {
		parts = append(parts, m.theme.failure.render("error", m.lastErr, contentWidth))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
	}

	var answer chatMessage
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].role == "assistant" {
			answer = m.messages[i]
			break
		}
	}

	parts = append(parts, m.theme.assistant.render("answer", m.answerBody(answer), contentWidth))

	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
}

func (m *model) bootView() string {
	header := m.theme.title.Width(m.width - 2).Render("Ollama Console")
	meta := m.theme.meta.Render("connecting")
	line := m.theme.rule.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := 0; i < count; i++ {
		visible = append(visible, m.theme.bootRow.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootOK.Render("ready"))
	}

	body := m.theme.transcript.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(mouseWheelLines)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(mouseWheelLines)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func bootScriptLines() []string {
	return []string{
		"[init] resolving plugin config",
		"[init] dialing ollama server",
		"[init] loading conversation buffer",
	}
}

func sendChatCmd(ctx context.Context, chatFn ChatFunc, history []ollama.Message) tea.Cmd {
	return func() tea.Msg {
		if chatFn == nil {
			return replyMsg{err: fmt.Errorf("chat is not configured")}
		}
		reply, err := chatFn(ctx, history)
		return replyMsg{reply: reply, err: err}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func conversationTurns(messages []chatMessage) int {
	count := 0
	for _, message := range messages {
		if message.role == "user" {
			count++
		}
	}

	return count
}

type replyStat struct {
	key   string
	value string
}

func replyStats(reply Reply) []replyStat {
	var stats []replyStat
	if reply.Model != "" {
		stats = append(stats, replyStat{key: "model", value: reply.Model})
	}
	if reply.EvalCount > 0 {
		stats = append(stats, replyStat{key: "eval tokens", value: strconv.FormatInt(reply.EvalCount, 10)})
	}
	if reply.TotalDuration > 0 {
		stats = append(stats, replyStat{key: "took", value: reply.TotalDuration.Round(time.Millisecond).String()})
	}
	return stats
}

func formatReplyStats(reply Reply) string {
	stats := replyStats(reply)
	parts := make([]string, 0, len(stats))
	for _, stat := range stats {
		parts = append(parts, stat.key+": "+stat.value)
	}
	return strings.Join(parts, " · ")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
