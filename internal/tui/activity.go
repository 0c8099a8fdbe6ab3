package tui

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-swarm/internal/persistence"
)

type ActivityItem struct {
	ID        string
	Icon      string
	Message   string
	Agent     string
	StartedAt time.Time
	DoneAt    *time.Time
}

// ActivityFeed holds the most recently touched tasks, newest last.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10, collapsed: true}
}

// Upsert adds item or replaces the item with the same id.
func (f *ActivityFeed) Upsert(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == item.ID {
			f.items[i] = item
			return
		}
	}
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
	f.collapsed = false
}

// Sync folds recently updated tasks into the feed, oldest first.
func (f *ActivityFeed) Sync(tasks []persistence.Task) {
	sorted := append([]persistence.Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt) })
	for _, t := range sorted {
		f.Upsert(taskItem(t))
	}
}

func taskItem(t persistence.Task) ActivityItem {
	item := ActivityItem{
		ID:        t.ID,
		Icon:      statusIcon(t.Status),
		Message:   fmt.Sprintf("%s %s -> %s", t.ID, truncate(t.Description, 48), t.AssignedTo),
		Agent:     t.ClaimedBy,
		StartedAt: t.CreatedAt,
	}
	if t.Status.Terminal() {
		done := t.UpdatedAt
		item.DoneAt = &done
	}
	return item
}

func statusIcon(s persistence.TaskStatus) string {
	switch s {
	case persistence.TaskPending:
		return "…"
	case persistence.TaskInProgress:
		return "⏳"
	case persistence.TaskCompleted:
		return "✅"
	case persistence.TaskFailed:
		return "❌"
	default:
		return "?"
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *ActivityFeed) CleanupOld(maxAge time.Duration, now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d recent tasks (a to expand) ──", len(f.items))) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	agentS := lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, it.Message)
		if it.DoneAt != nil {
			line += fmt.Sprintf(" (%s)", it.DoneAt.Sub(it.StartedAt).Truncate(100*time.Millisecond))
		}
		out.WriteString(itemS.Render(line))
		if it.Agent != "" {
			out.WriteString(agentS.Render(" @" + it.Agent))
		}
		out.WriteString("\n")
	}
	return out.String()
}
