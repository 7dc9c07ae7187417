// Package tui renders plans and runs for the terminal.
package tui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pipewright/internal/plugin"
	"github.com/mattjoyce/pipewright/internal/run"
	"github.com/mattjoyce/pipewright/internal/step"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	return s
}

// watchTableStyles highlights the selected row.
func watchTableStyles() table.Styles {
	s := tableStyles()
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	return s
}

func newTable(columns []table.Column, rows []table.Row) table.Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
	)

	s := tableStyles()
	// Not interactive: no row is highlighted.
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)
	// Header plus its border line.
	t.SetHeight(len(rows) + 2)
	return t
}

// StatusStyle colours a run status.
func StatusStyle(s run.Status) lipgloss.Style {
	switch s {
	case run.StatusPrepared:
		return statusOK
	case run.StatusFailed:
		return statusFailed
	default:
		return statusRunning
	}
}

// PlanRows converts resolved steps to table rows: token, kind, name, source.
func PlanRows(steps []step.Step) []table.Row {
	rows := make([]table.Row, 0, len(steps))
	for _, s := range steps {
		kind := string(s.Type)
		if kind == "" {
			kind = "plain"
		}
		source := s.Run
		switch {
		case s.Plugin != "":
			source = s.Plugin
		case s.Script != "":
			source = "script"
		}
		rows = append(rows, table.Row{
			strconv.FormatUint(s.StepCount, 10),
			kind,
			s.DisplayName(),
			firstLine(source),
		})
	}
	return rows
}

// RenderPlan renders a prepared run as a titled table.
func RenderPlan(r *run.Run) string {
	t := newTable([]table.Column{
		{Title: "#", Width: 4},
		{Title: "Kind", Width: 8},
		{Title: "Step", Width: 24},
		{Title: "Source", Width: 32},
	}, PlanRows(r.Steps))

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("pipeline %s", r.Pipeline)))
	b.WriteString(" ")
	b.WriteString(StatusStyle(r.Status).Render(string(r.Status)))
	b.WriteString("\n")
	if r.Fingerprint != "" {
		b.WriteString(dimStyle.Render("plan " + r.Fingerprint))
		b.WriteString("\n")
	}
	if r.Error != "" {
		b.WriteString(statusFailed.Render(r.Error))
		b.WriteString("\n")
	}
	b.WriteString(t.View())
	return docStyle.Render(b.String())
}

var runColumns = []table.Column{
	{Title: "ID", Width: 10},
	{Title: "Pipeline", Width: 20},
	{Title: "Status", Width: 10},
	{Title: "Provider", Width: 8},
	{Title: "Steps", Width: 5},
	{Title: "Created", Width: 19},
}

func runRows(runs []*run.Run) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, table.Row{
			shortID(r.ID),
			r.Pipeline,
			string(r.Status),
			r.Provider,
			strconv.Itoa(len(r.Steps)),
			r.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}

// RenderRuns renders a run listing.
func RenderRuns(runs []*run.Run) string {
	t := newTable(runColumns, runRows(runs))
	return docStyle.Render(titleStyle.Render("runs") + "\n" + t.View())
}

// PluginRows converts plugins to table rows sorted by name: name, version,
// post-run, entrypoint.
func PluginRows(plugins []*plugin.Plugin) []table.Row {
	sorted := append([]*plugin.Plugin(nil), plugins...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	rows := make([]table.Row, 0, len(sorted))
	for _, p := range sorted {
		postRun := "-"
		if p.HasPostRun() {
			postRun = "yes"
		}
		rows = append(rows, table.Row{p.Name, p.Version, postRun, firstLine(p.Entrypoint)})
	}
	return rows
}

// RenderPlugins renders a plugin listing.
func RenderPlugins(plugins []*plugin.Plugin) string {
	t := newTable([]table.Column{
		{Title: "Name", Width: 24},
		{Title: "Version", Width: 10},
		{Title: "Post-run", Width: 8},
		{Title: "Entrypoint", Width: 32},
	}, PluginRows(plugins))
	return docStyle.Render(titleStyle.Render("builtin plugins") + "\n" + t.View())
}

// RenderInstalls renders how often each plugin was installed.
func RenderInstalls(counts map[string]int) string {
	refs := make([]string, 0, len(counts))
	for ref := range counts {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	rows := make([]table.Row, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, table.Row{ref, strconv.Itoa(counts[ref])})
	}
	t := newTable([]table.Column{
		{Title: "Plugin", Width: 32},
		{Title: "Installs", Width: 8},
	}, rows)
	return docStyle.Render(titleStyle.Render("plugin installs") + "\n" + t.View())
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
