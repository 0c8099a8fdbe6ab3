package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	gsotel "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/router"
	"github.com/basket/go-swarm/internal/shared"
)

// Step is one task the planner intends to create.
type Step struct {
	Role        persistence.Role
	TaskType    string
	Description string
}

// Decomposition is the pure outcome of planning a goal, before anything is
// stored.
type Decomposition struct {
	Goal     string
	Analysis Analysis
	Steps    []Step
	// Workflow is true when Steps form a linear chain recorded as a workflow.
	Workflow bool
	// Fallback is true when no capability matched and the goal went to
	// FallbackRole.
	Fallback bool
}

// Decompose decides how goal is split:
//   - exactly one matched role and no multi-role indicator: one task;
//   - otherwise, below WorkflowThreshold: one task for the dominant role;
//   - otherwise one task per matched role, chained in capability order.
//
// A goal matching nothing becomes a single FallbackRole task.
func Decompose(goal string) Decomposition {
	goal = strings.TrimSpace(goal)
	c := Classify(goal)
	d := Decomposition{Goal: goal, Analysis: analyze(tokenize(goal), c)}

	switch {
	case len(c.Roles) == 0:
		d.Fallback = true
		d.Steps = []Step{single(FallbackRole, goal)}
	case len(c.Roles) == 1 && !c.MultiRole:
		d.Steps = []Step{single(c.Roles[0], goal)}
	case d.Analysis.Score < WorkflowThreshold || len(c.Roles) == 1:
		d.Steps = []Step{single(c.Dominant(), goal)}
	default:
		d.Workflow = true
		for _, role := range c.Roles {
			capability, _ := CapabilityFor(role)
			d.Steps = append(d.Steps, Step{
				Role:        role,
				TaskType:    capability.TaskType,
				Description: fmt.Sprintf(capability.StepFormat, goal),
			})
		}
	}
	return d
}

func single(role persistence.Role, goal string) Step {
	capability, _ := CapabilityFor(role)
	return Step{Role: role, TaskType: capability.TaskType, Description: goal}
}

type Config struct {
	Router    *router.Router
	Telemetry gsotel.Telemetry
	Logger    *slog.Logger
}

type Planner struct {
	router *router.Router
	tel    gsotel.Telemetry
	logger *slog.Logger
}

func New(cfg Config) *Planner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{router: cfg.Router, tel: cfg.Telemetry.OrNoop(), logger: logger}
}

// Result is what Plan stored.
type Result struct {
	Decomposition Decomposition
	// Workflow is nil for a single delegated task.
	Workflow *persistence.Workflow
	Tasks    []persistence.Task
}

// Plan decomposes goal and stores the resulting task or workflow.
func (p *Planner) Plan(ctx context.Context, goal string) (res Result, err error) {
	ctx, span := gsotel.StartSpan(ctx, p.tel.Tracer, "planner.plan")
	defer func() { gsotel.EndSpan(span, err) }()

	if strings.TrimSpace(goal) == "" {
		return Result{}, fmt.Errorf("goal must be non-empty")
	}
	d := Decompose(goal)
	res.Decomposition = d
	span.SetAttributes(
		attribute.Int("goswarm.plan.score", d.Analysis.Score),
		attribute.Int("goswarm.plan.steps", len(d.Steps)),
	)
	if d.Fallback {
		p.logger.InfoContext(ctx, "goal matched no capability; delegating to fallback role", "role", FallbackRole)
	}

	data := map[string]any{"goal": d.Goal}
	if !d.Workflow {
		step := d.Steps[0]
		task, err := p.router.Create(ctx, persistence.Task{
			Type:        step.TaskType,
			Description: step.Description,
			AssignedTo:  string(step.Role),
			Priority:    1,
			Data:        data,
		})
		if err != nil {
			return Result{}, err
		}
		res.Tasks = []persistence.Task{task}
		p.logger.InfoContext(ctx, "goal delegated", "task_id", task.ID, "role", step.Role, "score", d.Analysis.Score)
		return res, nil
	}

	wf := persistence.Workflow{Description: d.Goal, CreatedBy: createdBy(ctx)}
	tasks := make([]persistence.Task, 0, len(d.Steps))
	ids := newIDs(len(d.Steps))
	for i, step := range d.Steps {
		t := persistence.Task{
			ID:          ids[i],
			Type:        step.TaskType,
			Description: step.Description,
			AssignedTo:  string(step.Role),
			Priority:    i + 1,
			Data:        map[string]any{"goal": d.Goal, "step": i + 1, "total_steps": len(d.Steps)},
		}
		if i > 0 {
			t.DependsOn = []string{ids[i-1]}
		}
		tasks = append(tasks, t)
		wf.Steps = append(wf.Steps, persistence.WorkflowStep{TaskID: t.ID, Role: step.Role, Sequence: i + 1})
	}
	stored, created, err := p.router.CreateWorkflow(ctx, wf, tasks)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(gsotel.AttrWorkflowID.String(stored.ID))
	p.logger.InfoContext(ctx, "goal planned as workflow", "workflow_id", stored.ID, "steps", len(created), "score", d.Analysis.Score)
	res.Workflow = &stored
	res.Tasks = created
	return res, nil
}

func createdBy(ctx context.Context) string {
	if id := shared.AgentID(ctx); id != "" {
		return id
	}
	return shared.CLIAgentID
}

// newIDs returns n distinct task ids.
func newIDs(n int) []string {
	seen := make(map[string]bool, n)
	ids := make([]string, 0, n)
	for len(ids) < n {
		id := persistence.NewID()
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
