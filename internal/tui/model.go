// Package tui implements a read-only terminal dashboard over the shared
// status store (§4.6), grounded on the teacher's internal/tui node
// monitor: same bubbletea/bubbles/lipgloss stack, same poll-and-redraw
// model, repointed at StatusDBRow instead of repository.Server.
package tui

import (
	"context"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/creamcroissant/xboard/internal/arbiter"
	"github.com/creamcroissant/xboard/internal/statusdb"
)

// Options configures which rows the dashboard polls for.
type Options struct {
	Hostname   string
	SyncGroup  string
	MaxRowAge  time.Duration
	RefreshInt time.Duration
}

// Model is the bubbletea model for `arbiter-top`.
type Model struct {
	store   statusdb.Store
	opts    Options
	rows    []arbiter.StatusDBRow
	err     error
	width   int
	height  int
	cursor  int
	lastRun time.Time
}

// NewModel builds a Model polling store for opts.Hostname/opts.SyncGroup.
func NewModel(store statusdb.Store, opts Options) Model {
	if opts.RefreshInt <= 0 {
		opts.RefreshInt = 3 * time.Second
	}
	if opts.MaxRowAge <= 0 {
		opts.MaxRowAge = 24 * time.Hour
	}
	return Model{store: store, opts: opts}
}

type rowsMsg struct {
	rows []arbiter.StatusDBRow
	err  error
}

type tickMsg time.Time

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tickCmd(m.opts.RefreshInt))
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) poll() tea.Cmd {
	store, opts := m.store, m.opts
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rows, err := store.BootstrapRows(ctx, opts.Hostname, opts.SyncGroup, time.Now().Add(-opts.MaxRowAge))
		sort.Slice(rows, func(i, j int) bool { return rows[i].UID < rows[j].UID })
		return rowsMsg{rows: rows, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
		case "r":
			return m, m.poll()
		}
		return m, nil
	case rowsMsg:
		m.rows, m.err = msg.rows, msg.err
		m.lastRun = time.Now()
		if m.cursor >= len(m.rows) {
			m.cursor = len(m.rows) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.poll(), tickCmd(m.opts.RefreshInt))
	}
	return m, nil
}
