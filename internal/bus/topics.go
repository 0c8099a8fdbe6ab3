package bus

const (
	TopicTaskCreated   = "task.created"
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskRequeued  = "task.requeued"

	TopicAgentRegistered   = "agent.registered"
	TopicAgentDeregistered = "agent.deregistered"
	TopicAgentRemoved      = "agent.removed"

	TopicWorkflowCreated = "workflow.created"

	TopicConfigReloaded = "config.reloaded"
)

// TaskEvent is the payload of every task.* topic.
type TaskEvent struct {
	TaskID       string
	WorkflowID   string
	AgentID      string
	AssignedTo   string
	OldStatus    string
	NewStatus    string
	ClaimVersion int64
	Reason       string
}

// AgentEvent is the payload of every agent.* topic.
type AgentEvent struct {
	AgentID string
	Role    string
	PID     int
	Reason  string
}

// WorkflowEvent is published once a workflow and its tasks are stored.
type WorkflowEvent struct {
	WorkflowID string
	TaskIDs    []string
}
