package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/devbridge/internal/dispatcher"
	"github.com/basket/devbridge/internal/remote"
)

// rpcClient is the part of Client the attach model drives.
type rpcClient interface {
	NextID() int64
	Send(ctx context.Context, id int64, method string, params any) error
	Incoming() <-chan Message
	Err() error
}

type entryKind int

const (
	entryInput entryKind = iota
	entryResult
	entryConsole
	entryError
	entrySystem
)

type entry struct {
	kind entryKind
	// consoleType is set for entryConsole.
	consoleType string
	text        string
}

type callKind int

const (
	callEvaluate callKind = iota
	callProperties
	callRelease
)

type pendingCall struct {
	kind  callKind
	label string
}

type wireMsg struct{ msg Message }

type disconnectedMsg struct{ err error }

type sendFailedMsg struct {
	id  int64
	err error
}

type ctxDoneMsg struct{}

type spinnerTickMsg struct{}

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)
	resultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
)

type attachModel struct {
	ctx    context.Context
	client rpcClient
	target string

	width  int
	height int

	history    []entry
	editor     lineEditor
	pending    map[int64]pendingCall
	contextNm  string
	spinnerIdx int
	closed     bool
}

func newAttachModel(ctx context.Context, client rpcClient, target string) attachModel {
	return attachModel{
		ctx:     ctx,
		client:  client,
		target:  target,
		pending: make(map[int64]pendingCall),
		history: []entry{{kind: entrySystem, text: fmt.Sprintf("Attached to %s. Type an expression, /help for commands.", target)}},
	}
}

// RunAttach dials url and runs the interactive console until the user
// quits or ctx ends.
func RunAttach(ctx context.Context, url, token string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialCtx, cancelDial := context.WithTimeout(ctx, 5*time.Second)
	client, err := Dial(dialCtx, url, token)
	cancelDial()
	if err != nil {
		return err
	}
	defer client.Close()

	// BubbleTea should restore the terminal on exit; this is a safety net
	// for interrupts that land mid-render.
	defer bestEffortResetTTY()

	p := tea.NewProgram(newAttachModel(ctx, client, url), tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err = p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m attachModel) Init() tea.Cmd {
	return tea.Batch(waitCtxDone(m.ctx), waitForWire(m.client))
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

// waitForWire blocks until the next frame or the end of the connection.
func waitForWire(c rpcClient) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-c.Incoming()
		if !ok {
			return disconnectedMsg{err: c.Err()}
		}
		return wireMsg{msg: msg}
	}
}

func waitForSpinner() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg { return spinnerTickMsg{} })
}

func (m attachModel) send(kind callKind, label, method string, params any) (attachModel, tea.Cmd) {
	id := m.client.NextID()
	m.pending[id] = pendingCall{kind: kind, label: label}
	ctx, client := m.ctx, m.client
	sendCmd := func() tea.Msg {
		if err := client.Send(ctx, id, method, params); err != nil {
			return sendFailedMsg{id: id, err: err}
		}
		return nil
	}
	return m, tea.Batch(sendCmd, waitForSpinner())
}

func (m attachModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case wireMsg:
		m = m.handleWire(msg.msg)
		return m, waitForWire(m.client)

	case disconnectedMsg:
		m.closed = true
		text := "Connection closed."
		if msg.err != nil {
			text = fmt.Sprintf("Connection closed: %v", msg.err)
		}
		m.history = append(m.history, entry{kind: entrySystem, text: text + " Press Ctrl+D to exit."})
		return m, nil

	case sendFailedMsg:
		delete(m.pending, msg.id)
		m.history = append(m.history, entry{kind: entryError, text: fmt.Sprintf("send failed: %v", msg.err)})
		return m, nil

	case spinnerTickMsg:
		if len(m.pending) > 0 {
			m.spinnerIdx++
			return m, waitForSpinner()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m attachModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	e := m.editor
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "enter", "ctrl+m", "ctrl+j":
		var line string
		m.editor, line = e.submit()
		line = strings.TrimSpace(line)
		if line == "" {
			return m, nil
		}
		if strings.HasPrefix(line, "/") {
			return m.command(line)
		}
		if m.closed {
			m.history = append(m.history, entry{kind: entryError, text: "not connected"})
			return m, nil
		}
		m.history = append(m.history, entry{kind: entryInput, text: line})
		return m.send(callEvaluate, line, "Runtime.evaluate", map[string]any{"expression": line, "objectGroup": replGroup})

	case "up", "ctrl+p":
		m.editor = e.prev()
	case "down", "ctrl+n":
		m.editor = e.next()
	case "backspace":
		e.input, e.cursor = deleteRuneLeft(e.input, e.cursor)
		m.editor = e
	case "delete":
		e.input, e.cursor = deleteRuneRight(e.input, e.cursor)
		m.editor = e
	case " ":
		// Some terminals report space as KeySpace (not KeyRunes).
		e.input, e.cursor = insertRunes(e.input, e.cursor, []rune{' '})
		m.editor = e
	case "left", "ctrl+b":
		if e.cursor > 0 {
			e.cursor--
		}
		m.editor = e
	case "right", "ctrl+f":
		if e.cursor < len(e.input) {
			e.cursor++
		}
		m.editor = e
	case "home", "ctrl+a":
		e.cursor = 0
		m.editor = e
	case "end", "ctrl+e":
		e.cursor = len(e.input)
		m.editor = e
	case "ctrl+k":
		if e.cursor < len(e.input) {
			e.input = append([]rune(nil), e.input[:e.cursor]...)
		}
		m.editor = e
	case "ctrl+u":
		e.input, e.cursor = nil, 0
		m.editor = e
	case "ctrl+w", "alt+backspace":
		e.input, e.cursor = deleteWordLeft(e.input, e.cursor)
		m.editor = e
	default:
		if msg.Type == tea.KeyRunes && len(msg.Runes) > 0 {
			filtered := make([]rune, 0, len(msg.Runes))
			for _, r := range msg.Runes {
				// Enter can arrive as '\r' inside a rune batch.
				if r < 0x20 && r != '\t' {
					continue
				}
				filtered = append(filtered, r)
			}
			e.input, e.cursor = insertRunes(e.input, e.cursor, filtered)
			m.editor = e
		}
	}
	return m, nil
}

const helpText = `Commands:
  /props <objectId>     list the properties of a cached object
  /release [group]      release an object group (default: repl)
  /clear                clear the screen
  /quit                 exit (also Ctrl+D)
Anything else is evaluated in the remote context.`

func (m attachModel) command(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		m.history = append(m.history, entry{kind: entrySystem, text: helpText})
	case "/quit", "/exit":
		return m, tea.Quit
	case "/clear":
		m.history = nil
	case "/props":
		if len(fields) != 2 {
			m.history = append(m.history, entry{kind: entryError, text: "usage: /props <objectId>"})
			return m, nil
		}
		return m.send(callProperties, fields[1], "Runtime.getProperties", map[string]any{"objectId": fields[1]})
	case "/release":
		group := replGroup
		if len(fields) > 1 {
			group = fields[1]
		}
		return m.send(callRelease, group, "Runtime.releaseObjectGroup", map[string]any{"objectGroup": group})
	default:
		m.history = append(m.history, entry{kind: entryError, text: fmt.Sprintf("unknown command %s (try /help)", fields[0])})
	}
	return m, nil
}

func (m attachModel) handleWire(msg Message) attachModel {
	if msg.ID == nil {
		return m.handlePush(msg)
	}
	call, ok := m.pending[*msg.ID]
	if !ok {
		slog.Debug("tui: reply for unknown request", "id", *msg.ID)
		return m
	}
	delete(m.pending, *msg.ID)
	if msg.Error != nil {
		m.history = append(m.history, entry{kind: entryError, text: fmt.Sprintf("error %d: %s", msg.Error.Code, msg.Error.Message)})
		return m
	}

	switch call.kind {
	case callEvaluate:
		var res dispatcher.EvaluateResult
		if err := json.Unmarshal(msg.Result, &res); err != nil {
			m.history = append(m.history, entry{kind: entryError, text: fmt.Sprintf("bad reply: %v", err)})
			return m
		}
		if res.ExceptionDetails != nil {
			m.history = append(m.history, entry{kind: entryError, text: "Uncaught " + formatObject(res.Result)})
			return m
		}
		m.history = append(m.history, entry{kind: entryResult, text: formatObject(res.Result)})

	case callProperties:
		var res dispatcher.PropertiesResult
		if err := json.Unmarshal(msg.Result, &res); err != nil {
			m.history = append(m.history, entry{kind: entryError, text: fmt.Sprintf("bad reply: %v", err)})
			return m
		}
		if res.Result == nil {
			m.history = append(m.history, entry{kind: entryError, text: fmt.Sprintf("object %s not found (released?)", call.label)})
			return m
		}
		m.history = append(m.history, entry{kind: entryResult, text: formatProperties(res.Result)})

	case callRelease:
		m.history = append(m.history, entry{kind: entrySystem, text: fmt.Sprintf("released group %q", call.label)})
	}
	return m
}

func (m attachModel) handlePush(msg Message) attachModel {
	switch msg.Method {
	case dispatcher.EventExecutionContextCreated:
		var p struct {
			Context dispatcher.ExecutionContext `json:"context"`
		}
		if json.Unmarshal(msg.Params, &p) == nil {
			m.contextNm = p.Context.Name
		}
	case dispatcher.EventConsoleAPICalled:
		var p dispatcher.ConsoleAPICalled
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			slog.Debug("tui: bad console push", "error", err)
			return m
		}
		m.history = append(m.history, entry{kind: entryConsole, consoleType: p.Type, text: formatConsoleArgs(p.Args)})
	}
	return m
}

// formatObject renders a descriptor the way a REPL would echo it.
func formatObject(o remote.RemoteObject) string {
	switch {
	case o.Type == remote.KindString:
		s, _ := o.Value.(string)
		return strconv.Quote(s)
	case o.ObjectID != "":
		return fmt.Sprintf("%s  #%s", o.Description, o.ObjectID)
	default:
		return o.Description
	}
}

// formatConsoleArgs joins console arguments with spaces. "%c" directives
// are dropped together with the CSS argument they consume.
func formatConsoleArgs(args []remote.RemoteObject) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args))
	skip := 0
	for i, a := range args {
		if skip > 0 {
			skip--
			continue
		}
		if a.Type != remote.KindString {
			parts = append(parts, formatObject(a))
			continue
		}
		s, _ := a.Value.(string)
		if i == 0 && strings.Contains(s, "%c") {
			skip = strings.Count(s, "%c")
			s = strings.ReplaceAll(s, "%c", "")
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

func formatProperties(props []remote.PropertyDescriptor) string {
	sorted := append([]remote.PropertyDescriptor(nil), props...)
	// Own properties first, then inherited, each alphabetical.
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IsOwn != sorted[j].IsOwn {
			return sorted[i].IsOwn
		}
		return sorted[i].Name < sorted[j].Name
	})
	lines := make([]string, 0, len(sorted))
	for _, p := range sorted {
		val := "<accessor>"
		if p.Value != nil {
			val = formatObject(*p.Value)
		}
		marker := " "
		if !p.IsOwn {
			marker = "~"
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s", marker, p.Name, val))
	}
	if len(lines) == 0 {
		return "(no properties)"
	}
	return strings.Join(lines, "\n")
}

func (m attachModel) View() string {
	var b strings.Builder
	title := "devbridge attach"
	if m.contextNm != "" {
		title += " · " + m.contextNm
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.target + "  /help for commands, Ctrl+D to exit"))
	b.WriteString("\n\n")

	lines := m.renderHistoryLines()
	available := m.height - 6 // title + target + blank + blank + input + status
	if available < 3 {
		available = 3
	}
	if len(lines) > available {
		lines = lines[len(lines)-available:]
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(promptStyle.Render("> "))
	b.WriteString(m.editor.view())
	b.WriteString("\n")
	if len(m.pending) > 0 {
		spin := []string{"|", "/", "-", "\\"}[m.spinnerIdx%4]
		b.WriteString(dimStyle.Render(fmt.Sprintf("%s waiting for %d reply(s)...", spin, len(m.pending))))
	}
	b.WriteString("\n")
	return b.String()
}

func (m attachModel) renderHistoryLines() []string {
	lines := make([]string, 0, len(m.history))
	for _, e := range m.history {
		prefix, style := "", lipgloss.NewStyle()
		switch e.kind {
		case entryInput:
			prefix, style = "> ", dimStyle
		case entryResult:
			prefix, style = "< ", resultStyle
		case entryError:
			prefix, style = "✖ ", errorStyle
		case entrySystem:
			style = dimStyle
		case entryConsole:
			switch e.consoleType {
			case "warning":
				prefix, style = "⚠ ", warningStyle
			case "error":
				prefix, style = "✖ ", errorStyle
			case "info":
				prefix, style = "ℹ ", infoStyle
			default:
				prefix = "  "
			}
		}
		for _, l := range m.wrap(e.text, len([]rune(prefix))) {
			lines = append(lines, style.Render(prefix+l))
			prefix = strings.Repeat(" ", len([]rune(prefix)))
		}
	}
	return lines
}

func (m attachModel) wrap(text string, indent int) []string {
	width := m.width - indent
	var out []string
	for _, line := range strings.Split(text, "\n") {
		r := []rune(line)
		for m.width > 0 && width >= 10 && len(r) > width {
			out = append(out, string(r[:width]))
			r = r[width:]
		}
		out = append(out, string(r))
	}
	return out
}
