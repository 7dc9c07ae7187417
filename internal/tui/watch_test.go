package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pipewright/internal/run"
)

type fakeLister struct {
	runs  []*run.Run
	err   error
	limit int
}

func (f *fakeLister) ListRuns(_ context.Context, limit int) ([]*run.Run, error) {
	f.limit = limit
	return f.runs, f.err
}

func watchRuns() []*run.Run {
	now := time.Now()
	return []*run.Run{
		{ID: "aaaaaaaa-1", Pipeline: "build", Status: run.StatusPrepared, CreatedAt: now},
		{ID: "bbbbbbbb-2", Pipeline: "deploy", Status: run.StatusFailed, Error: "install failed", CreatedAt: now},
	}
}

func TestWatchFetch(t *testing.T) {
	lister := &fakeLister{runs: watchRuns()}
	m := NewWatch(lister, 5, 0)

	msg := m.fetch()
	runs, ok := msg.(runsMsg)
	require.True(t, ok, "fetch returned %T", msg)
	assert.Len(t, runs, 2)
	assert.Equal(t, 5, lister.limit)

	lister.err = errors.New("database is locked")
	_, ok = m.fetch().(errMsg)
	assert.True(t, ok)
}

func TestWatchUpdateSelection(t *testing.T) {
	m := NewWatch(&fakeLister{}, 0, 0)

	next, _ := m.Update(runsMsg(watchRuns()))
	m = next.(WatchModel)
	require.NotNil(t, m.Selected())
	assert.Equal(t, "build", m.Selected().Pipeline)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(WatchModel)
	assert.Equal(t, "deploy", m.Selected().Pipeline)

	// Selection stops at the last run.
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(WatchModel)
	assert.Equal(t, "deploy", m.Selected().Pipeline)

	// A shorter listing clamps the selection.
	next, _ = m.Update(runsMsg(watchRuns()[:1]))
	m = next.(WatchModel)
	assert.Equal(t, "build", m.Selected().Pipeline)

	next, _ = m.Update(runsMsg(nil))
	m = next.(WatchModel)
	assert.Nil(t, m.Selected())
}

func TestWatchQuit(t *testing.T) {
	m := NewWatch(&fakeLister{}, 0, 0)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
}

func TestWatchView(t *testing.T) {
	m := NewWatch(&fakeLister{}, 0, 0)
	assert.Contains(t, m.View(), "No runs recorded.")

	next, _ := m.Update(runsMsg(watchRuns()))
	m = next.(WatchModel)
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(WatchModel)
	out := m.View()
	for _, want := range []string{"aaaaaaaa", "bbbbbbbb", "pipeline deploy", "install failed"} {
		assert.True(t, strings.Contains(out, want), "view missing %q:\n%s", want, out)
	}

	next, _ = m.Update(errMsg{errors.New("database is locked")})
	m = next.(WatchModel)
	assert.Contains(t, m.View(), "database is locked")
}
