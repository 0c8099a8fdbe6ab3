// Package messaging is the inter-agent notification log. Messages are
// best-effort: they are written after the task mutation they describe and a
// failed append never undoes that mutation.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-swarm/internal/persistence"
)

// Message types written by the swarm itself.
const (
	TypeInfo          = "info"
	TypeTaskCompleted = "task_completed"
	TypeTaskFailed    = "task_failed"
	TypeTaskRequeued  = "task_requeued"
	TypeAgentDown     = "agent_down"
)

type Log struct {
	store  persistence.Store
	logger *slog.Logger
}

func New(store persistence.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, logger: logger}
}

// Send appends a message from one agent to another agent id or to "all".
func (l *Log) Send(ctx context.Context, from, to, msgType, content string) (persistence.Message, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return persistence.Message{}, fmt.Errorf("message from and to must be non-empty")
	}
	if msgType == "" {
		msgType = TypeInfo
	}
	m, err := l.store.AppendMessage(ctx, persistence.Message{
		From:    from,
		To:      to,
		Type:    msgType,
		Content: content,
	})
	if err != nil {
		return persistence.Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

// Broadcast sends content to every agent.
func (l *Log) Broadcast(ctx context.Context, from, msgType, content string) (persistence.Message, error) {
	return l.Send(ctx, from, persistence.BroadcastRecipient, msgType, content)
}

// Notify is Send for notices whose loss is tolerable. Failures are logged.
func (l *Log) Notify(ctx context.Context, from, to, msgType, content string) {
	if l == nil || to == "" {
		return
	}
	if _, err := l.Send(ctx, from, to, msgType, content); err != nil {
		l.logger.WarnContext(ctx, "message notice dropped", "to", to, "type", msgType, "error", err)
	}
}

// Inbox returns messages addressed to agentID or broadcast, oldest first. A
// zero since returns the whole history; limit <= 0 means no limit.
func (l *Log) Inbox(ctx context.Context, agentID string, since time.Time, limit int) ([]persistence.Message, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("inbox agent id must be non-empty")
	}
	msgs, err := l.store.ListMessages(ctx, persistence.MessageFilter{To: agentID, Since: since, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list inbox %s: %w", agentID, err)
	}
	return msgs, nil
}

// All returns the full log, oldest first.
func (l *Log) All(ctx context.Context, limit int) ([]persistence.Message, error) {
	return l.store.ListMessages(ctx, persistence.MessageFilter{Limit: limit})
}
