package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorMuted   = lipgloss.Color("#6B7280")
	colorGood    = lipgloss.Color("#22C55E")
	colorPenalty = lipgloss.Color("#EF4444")

	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Padding(0, 1)
	styleHelp  = lipgloss.NewStyle().Foreground(colorMuted).Padding(0, 1)
	styleRow   = lipgloss.NewStyle().Padding(0, 1)
	styleSel   = lipgloss.NewStyle().Padding(0, 1).Reverse(true)
	styleErr   = lipgloss.NewStyle().Foreground(colorPenalty).Padding(0, 1)
	styleHead  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Background(colorPrimary).Padding(0, 1)
)

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(styleTitle.Render(fmt.Sprintf("arbiter-top  host=%s group=%s", m.opts.Hostname, m.opts.SyncGroup)))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(styleErr.Render("store error: " + m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString(styleHead.Render(fmt.Sprintf("%-8s %-12s %-12s %-4s %-8s %-8s %-10s", "UID", "GROUP", "DEFAULT", "OCC", "CPU", "MEM", "AUTHORITY")))
	b.WriteString("\n")

	for i, row := range m.rows {
		line := formatRow(row)
		if i == m.cursor {
			b.WriteString(styleSel.Render(line))
		} else {
			b.WriteString(styleRow.Render(line))
		}
		b.WriteString("\n")
	}

	if len(m.rows) == 0 && m.err == nil {
		b.WriteString(styleRow.Render("no tracked rows"))
		b.WriteString("\n")
	}

	b.WriteString(styleHelp.Render(fmt.Sprintf("last refresh %s · j/k move · r refresh · q quit", m.lastRun.Format(time.TimeOnly))))
	return b.String()
}

func formatRow(row arbiter.StatusDBRow) string {
	penalty := row.Current != row.DefaultGroup
	marker := lipgloss.NewStyle().Foreground(colorGood).Render("●")
	if penalty {
		marker = lipgloss.NewStyle().Foreground(colorPenalty).Render("●")
	}
	return fmt.Sprintf("%s %-6d %-12s %-12s %-4d %-8.1f %-8.1f %-10s",
		marker, row.UID, row.Current, row.DefaultGroup, row.Occurrences, row.CPUScore, row.MemScore, row.Authority)
}
