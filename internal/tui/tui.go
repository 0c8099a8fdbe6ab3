// Package tui renders the read-only swarm dashboard behind `goswarm top`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-swarm/internal/persistence"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	provider StatusProvider
	snap     Snapshot
	feed     *ActivityFeed
	started  time.Time
	interval time.Duration
}

type tickMsg time.Time

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func newModel(provider StatusProvider, interval time.Duration) model {
	if interval <= 0 {
		interval = time.Second
	}
	m := model{provider: provider, feed: NewActivityFeed(), started: time.Now(), interval: interval}
	m.refresh()
	return m
}

func (m *model) refresh() {
	m.snap = m.provider()
	m.snap.Uptime = time.Since(m.started)
	m.feed.Sync(m.snap.Recent)
	m.feed.CleanupOld(10*time.Minute, time.Now())
}

func (m model) Init() tea.Cmd {
	return m.tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
		case "r":
			m.refresh()
		}
	case tickMsg:
		m.refresh()
		return m, m.tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	store := okStyle.Render("ok")
	if !m.snap.StoreOK {
		store = badStyle.Render("unavailable")
	}
	fmt.Fprintf(&b, "%s  store: %s %s  up %s\n\n", titleStyle.Render("GoSwarm"), store,
		dimStyle.Render(m.snap.Backend), m.snap.Uptime.Truncate(time.Second))

	c := m.snap.Tasks
	fmt.Fprintf(&b, "%s pending %d  in_progress %d  completed %d  failed %d\n\n",
		headStyle.Render("Tasks"), c.Pending, c.InProgress, c.Completed, c.Failed)

	b.WriteString(headStyle.Render(fmt.Sprintf("%-20s %-13s %-9s %-10s %-8s %s", "AGENT", "ROLE", "STATUS", "PROCESS", "BEAT", "WORKING")) + "\n")
	if len(m.snap.Agents) == 0 {
		b.WriteString(dimStyle.Render("(no agents registered)") + "\n")
	}
	for _, a := range m.snap.Agents {
		line := fmt.Sprintf("%-20s %-13s %-9s %-10s %-8s %s", truncate(a.ID, 20), a.Role, a.Status, a.Process,
			a.HeartbeatAge.Truncate(time.Second), a.Working)
		switch {
		case a.Alive:
			line = okStyle.Render(line)
		case a.Status == persistence.AgentActive:
			line = badStyle.Render(line)
		default:
			line = dimStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}

	if len(m.snap.Workflows) > 0 {
		b.WriteString("\n" + headStyle.Render("Workflows") + "\n")
		for _, wf := range m.snap.Workflows {
			fmt.Fprintf(&b, "%s %-12s %d/%d %s\n", wf.ID, wf.Status, wf.Done, wf.Total, truncate(wf.Description, 50))
		}
	}

	if feed := m.feed.View(); feed != "" {
		b.WriteString("\n" + feed)
	}

	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	fmt.Fprintf(&b, "\nLast Error: %s\n\n%s\n", lastErr, dimStyle.Render("q quit · a activity · r refresh"))
	return b.String()
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, provider StatusProvider, interval time.Duration) error {
	defer restoreTerminal()

	p := tea.NewProgram(newModel(provider, interval))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Render returns a single frame for snap. `goswarm top` uses it when stdout
// is not a terminal.
func Render(snap Snapshot) string {
	m := newModel(func() Snapshot { return snap }, 0)
	m.snap = snap
	return m.View()
}
