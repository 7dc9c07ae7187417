package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pipewright/internal/run"
)

// RunLister is the part of the run journal the watch view polls.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]*run.Run, error)
}

type runsMsg []*run.Run
type tickMsg time.Time
type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

// WatchModel is the BubbleTea model behind `pipewright run watch`: a run
// listing refreshed on an interval, with the selected run's plan below it.
type WatchModel struct {
	runs     RunLister
	limit    int
	interval time.Duration

	width    int
	list     []*run.Run
	selected int
	polled   time.Time

	lastError string
}

// NewWatch creates a watch model. A non-positive interval polls every second.
func NewWatch(runs RunLister, limit int, interval time.Duration) WatchModel {
	if interval <= 0 {
		interval = time.Second
	}
	if limit <= 0 {
		limit = 20
	}
	return WatchModel{runs: runs, limit: limit, interval: interval}
}

func (m WatchModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runs, err := m.runs.ListRuns(ctx, m.limit)
	if err != nil {
		return errMsg{err}
	}
	return runsMsg(runs)
}

func (m WatchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.fetch, m.tick())
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.list)-1 {
				m.selected++
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.fetch, m.tick())

	case runsMsg:
		m.list = msg
		m.polled = time.Now()
		m.lastError = ""
		if m.selected >= len(m.list) {
			m.selected = max(len(m.list)-1, 0)
		}

	case errMsg:
		m.lastError = msg.Error()
	}
	return m, nil
}

// Selected returns the highlighted run, or nil when there are none.
func (m WatchModel) Selected() *run.Run {
	if m.selected < 0 || m.selected >= len(m.list) {
		return nil
	}
	return m.list[m.selected]
}

func (m WatchModel) View() string {
	parts := []string{titleStyle.Render("pipewright runs")}
	if !m.polled.IsZero() {
		parts[0] += " " + dimStyle.Render("updated "+m.polled.Format(time.TimeOnly))
	}

	if len(m.list) == 0 {
		parts = append(parts, dimStyle.Render("No runs recorded."))
	} else {
		t := newTable(runColumns, runRows(m.list))
		t.SetCursor(m.selected)
		t.SetStyles(watchTableStyles())
		parts = append(parts, t.View())
		if r := m.Selected(); r != nil {
			parts = append(parts, RenderPlan(r))
		}
	}

	if m.lastError != "" {
		parts = append(parts, statusFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, dimStyle.Render(" [q] Quit • [↑/↓] Select run"))

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
