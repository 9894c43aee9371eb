package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/zjrosen/herald/internal/journal"
	"github.com/zjrosen/herald/internal/supervisor"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failedStyle = cellStyle.Foreground(lipgloss.Color("#FF8787"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#696969"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(subtleStyle).
		Headers(headers...)
}

// renderProcesses writes the supervisor's process list as a table.
func renderProcesses(w io.Writer, infos []supervisor.ProcessInfo) {
	if len(infos) == 0 {
		_, _ = fmt.Fprintln(w, subtleStyle.Render("no processes"))
		return
	}

	t := newTable("NAME", "ID", "PID", "STATUS", "UPTIME", "RESTARTS")
	for _, p := range infos {
		t.Row(p.Name, strconv.Itoa(p.ID), strconv.Itoa(p.PID), string(p.Status), uptime(p), strconv.Itoa(p.Restarts))
	}
	t.StyleFunc(func(row, _ int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		return cellStyle
	})
	_, _ = fmt.Fprintln(w, t.Render())
}

func uptime(p supervisor.ProcessInfo) string {
	if p.Status != supervisor.StatusOnline || p.StartedAt.IsZero() {
		return "-"
	}
	return time.Since(p.StartedAt).Round(time.Second).String()
}

// renderHistory writes journal entries as a table, newest first. Failed
// entries are highlighted.
func renderHistory(w io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, subtleStyle.Render("no journal entries"))
		return
	}

	t := newTable("TIME", "SESSION", "KIND", "PROCESS", "DETAIL", "ERROR")
	for _, e := range entries {
		t.Row(
			e.At.Local().Format("2006-01-02 15:04:05"),
			shortSession(e.Session),
			string(e.Kind),
			dash(e.Process),
			dash(e.Detail),
			dash(e.Error),
		)
	}
	t.StyleFunc(func(row, _ int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case entries[row].Failed():
			return failedStyle
		default:
			return cellStyle
		}
	})
	_, _ = fmt.Fprintln(w, t.Render())
}

// renderWorkers writes configured worker specs as a table.
func renderWorkers(w io.Writer, specs []supervisor.ProcessSpec) {
	if len(specs) == 0 {
		_, _ = fmt.Fprintln(w, subtleStyle.Render("no workers configured"))
		return
	}

	t := newTable("NAME", "SCRIPT", "ARGS", "IMAGE")
	for _, s := range specs {
		t.Row(s.Name, s.Script, dash(strings.Join(s.Args, " ")), dash(s.Image))
	}
	t.StyleFunc(func(row, _ int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		return cellStyle
	})
	_, _ = fmt.Fprintln(w, t.Render())
}

func shortSession(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
