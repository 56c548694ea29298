package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"ragnotes/internal/assembler"
	"ragnotes/internal/service"
	"ragnotes/internal/summarizer"
	"ragnotes/internal/supervisor"
)

const requestTimeout = 30 * time.Second

// NotesPort is the TUI-facing subset of the notes service.
type NotesPort interface {
	Search(ctx context.Context, query string, topK int) ([]service.SearchResult, error)
	BuildContext(ctx context.Context, req assembler.Request) (*assembler.Context, error)
	Summary() summarizer.Digest
	WorkerState() supervisor.State
	NewID() string
}

type mode int

const (
	modeResults mode = iota
	modeContext
)

type searchDoneMsg struct {
	query   string
	results []service.SearchResult
	err     error
}

type contextDoneMsg struct {
	query string
	ctx   *assembler.Context
	err   error
}

// Model is the Bubble Tea model for the TUI application.
type Model struct {
	service   NotesPort
	input     textinput.Model
	viewport  viewport.Model
	results   []service.SearchResult
	context   *assembler.Context
	summary   string
	status    string
	worker    supervisor.State
	mode      mode
	cursor    int
	ready     bool
	busy      bool
	lastQuery string
	style     string
}

// New creates a new TUI model instance. style names a glamour standard style
// ("dark", "light", "notty", ...); "auto" or "" picks one from the terminal.
func New(svc NotesPort, style string) Model {
	if style == "" {
		style = "auto"
	}
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Search blocks and press Enter · Tab toggles context · Ctrl+N new id"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		service:  svc,
		input:    ti,
		viewport: vp,
		summary:  headline(svc.Summary()),
		worker:   svc.WorkerState(),
		status:   "Loaded. Type to search.",
		style:    style,
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around result and query boxes
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header + summary, status, spacer
		vh := msg.Height - reserved
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.refresh()
		return m, nil

	case IndexChangedMsg:
		m.summary = headline(m.service.Summary())
		if m.lastQuery != "" && !m.busy {
			m.busy = true
			if m.mode == modeContext {
				return m, m.buildContext(m.lastQuery)
			}
			return m, m.search(m.lastQuery)
		}
		return m, nil

	case WorkerStateMsg:
		m.worker = supervisor.State(msg)
		return m, nil

	case searchDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.results = nil
		} else {
			m.status = fmt.Sprintf("%d results for %q", len(msg.results), msg.query)
			m.results = msg.results
			if m.cursor >= len(m.results) {
				m.cursor = 0
			}
		}
		m.refresh()
		return m, nil

	case contextDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.context = nil
		} else {
			m.status = fmt.Sprintf("Context for %q: %d fragments", msg.query, len(msg.ctx.Fragments))
			m.context = msg.ctx
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" {
				break
			}
			if q != m.lastQuery {
				m.cursor = 0
			}
			m.lastQuery = q
			m.busy = true
			m.status = "Searching…"
			if m.mode == modeContext {
				return m, m.buildContext(q)
			}
			return m, m.search(q)
		case "tab":
			if m.mode == modeResults {
				m.mode = modeContext
				if m.lastQuery != "" {
					m.busy = true
					m.status = "Assembling context…"
					m.refresh()
					return m, m.buildContext(m.lastQuery)
				}
			} else {
				m.mode = modeResults
			}
			m.refresh()
			return m, nil
		case "ctrl+n":
			m.status = "New block id: ^" + m.service.NewID()
			return m, nil
		case "down":
			if m.mode == modeResults && len(m.results) > 0 {
				m.cursor = (m.cursor + 1) % len(m.results)
				m.refresh()
				return m, nil
			}
		case "up":
			if m.mode == modeResults && len(m.results) > 0 {
				m.cursor = (m.cursor - 1 + len(m.results)) % len(m.results)
				m.refresh()
				return m, nil
			}
		case "pgdown", "pgup":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) search(q string) tea.Cmd {
	svc := m.service
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		res, err := svc.Search(ctx, q, 10)
		return searchDoneMsg{query: q, results: res, err: err}
	}
}

func (m Model) buildContext(q string) tea.Cmd {
	svc := m.service
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		out, err := svc.BuildContext(ctx, assembler.Request{Query: q})
		return contextDoneMsg{query: q, ctx: out, err: err}
	}
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("ragnotes") + "  " + workerBadge(m.worker)
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m *Model) refresh() {
	if m.mode == modeContext {
		m.viewport.SetContent(m.renderContext())
	} else {
		m.viewport.SetContent(m.renderCurrentResult())
	}
	m.viewport.GotoTop()
}

func (m Model) renderCurrentResult() string {
	if len(m.results) == 0 {
		return "No results yet."
	}
	r := m.results[m.cursor]
	kind := "substring"
	if r.Semantic {
		kind = "semantic"
	}
	title := fmt.Sprintf("Result %d/%d  ^%s  %s score=%.3f", m.cursor+1, len(m.results), r.Block.ID, kind, r.Score)
	source := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(fmt.Sprintf("%s:%d", r.Block.SourceFile, r.Block.SourceLine))
	body := highlightBestSentence(r.Block.Content, m.lastQuery)
	return title + "\n" + source + "\n\n" + body
}

func (m Model) renderContext() string {
	if m.context == nil || m.context.Text == "" {
		return "No context yet. Enter a query."
	}
	width := max(20, m.viewport.Width-4)
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if m.style == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(m.style))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return m.context.Text
	}
	out, err := r.Render(m.context.Text)
	if err != nil {
		return m.context.Text
	}
	return out
}

func headline(d summarizer.Digest) string {
	first, _, _ := strings.Cut(d.String(), "\n")
	return first
}

func workerBadge(s supervisor.State) string {
	color := lipgloss.Color("9")
	switch s {
	case supervisor.Ready:
		color = lipgloss.Color("10")
	case supervisor.Starting:
		color = lipgloss.Color("11")
	}
	return lipgloss.NewStyle().Foreground(color).Render("worker " + s.String())
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	unicodeWordRe  = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe     = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sentences[i] = highlightStyle.Render(sent)
		} else {
			sentences[i] = sent
		}
	}
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	tokens := unicodeWordRe.FindAllString(strings.ToLower(sentence), -1)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
