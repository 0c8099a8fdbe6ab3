package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/go-swarm/internal/config"
	gsotel "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/persistence"
)

// Template is a named workflow whose steps may form any DAG.
type Template struct {
	Name        string
	Description string
	Steps       []TemplateStep
}

type TemplateStep struct {
	ID          string
	Role        persistence.Role
	TaskType    string
	Description string
	DependsOn   []string
	Data        map[string]any
}

// Validate checks that the template is well-formed.
func (t Template) Validate() error {
	if len(t.Steps) == 0 {
		return fmt.Errorf("template has no steps")
	}
	seen := make(map[string]bool)
	for _, s := range t.Steps {
		if s.ID == "" {
			return fmt.Errorf("step has empty ID")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step ID: %s", s.ID)
		}
		if !s.Role.Valid() {
			return fmt.Errorf("step %s: %w: %q", s.ID, persistence.ErrInvalidRole, s.Role)
		}
		seen[s.ID] = true
	}
	_, err := Waves(t.Steps)
	return err
}

// Waves groups steps so that each wave depends only on earlier waves.
func Waves(steps []TemplateStep) ([][]TemplateStep, error) {
	byID := make(map[string]TemplateStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: step %s depends on nonexistent step %s", persistence.ErrUnknownDependency, s.ID, dep)
			}
		}
	}

	var waves [][]TemplateStep
	processed := make(map[string]bool, len(steps))
	for len(processed) < len(steps) {
		var wave []TemplateStep
		for _, s := range steps {
			if processed[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("cycle detected in workflow dependencies")
		}
		waves = append(waves, wave)
		for _, s := range wave {
			processed[s.ID] = true
		}
	}
	return waves, nil
}

// TemplatesFromConfig converts and validates configured workflows.
func TemplatesFromConfig(cfgs []config.WorkflowConfig) (map[string]Template, error) {
	templates := make(map[string]Template, len(cfgs))
	for _, wc := range cfgs {
		if wc.Name == "" {
			return nil, fmt.Errorf("workflow has empty name")
		}
		if _, exists := templates[wc.Name]; exists {
			return nil, fmt.Errorf("duplicate workflow name: %s", wc.Name)
		}
		t := Template{Name: wc.Name, Description: wc.Description, Steps: make([]TemplateStep, len(wc.Steps))}
		for i, sc := range wc.Steps {
			role, err := persistence.ParseRole(sc.Role)
			if err != nil {
				return nil, fmt.Errorf("workflow %s step %s: %w", wc.Name, sc.ID, err)
			}
			taskType := sc.Type
			if taskType == "" {
				if c, ok := CapabilityFor(role); ok {
					taskType = c.TaskType
				}
			}
			t.Steps[i] = TemplateStep{
				ID:          sc.ID,
				Role:        role,
				TaskType:    taskType,
				Description: sc.Description,
				DependsOn:   sc.DependsOn,
				Data:        sc.Data,
			}
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", wc.Name, err)
		}
		templates[wc.Name] = t
	}
	return templates, nil
}

// TemplateNames returns the sorted names of templates.
func TemplateNames(templates map[string]Template) []string {
	names := make([]string, 0, len(templates))
	for n := range templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RunTemplate stores tmpl as one workflow. Tasks are written wave by wave;
// a step's priority is its wave number. "{goal}" in step descriptions is
// replaced by goal.
func (p *Planner) RunTemplate(ctx context.Context, tmpl Template, goal string) (res Result, err error) {
	ctx, span := gsotel.StartSpan(ctx, p.tel.Tracer, "planner.plan")
	defer func() { gsotel.EndSpan(span, err) }()

	if err := tmpl.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid workflow %s: %w", tmpl.Name, err)
	}
	waves, err := Waves(tmpl.Steps)
	if err != nil {
		return Result{}, err
	}

	description := strings.TrimSpace(goal)
	if description == "" {
		description = tmpl.Description
	}
	if description == "" {
		description = tmpl.Name
	}

	ids := newIDs(len(tmpl.Steps))
	taskID := make(map[string]string, len(tmpl.Steps))
	for i, s := range tmpl.Steps {
		taskID[s.ID] = ids[i]
	}

	wf := persistence.Workflow{Description: description, CreatedBy: createdBy(ctx)}
	tasks := make([]persistence.Task, 0, len(tmpl.Steps))
	seq := 0
	for waveNum, wave := range waves {
		for _, s := range wave {
			seq++
			deps := make([]string, 0, len(s.DependsOn))
			for _, d := range s.DependsOn {
				deps = append(deps, taskID[d])
			}
			data := map[string]any{"template": tmpl.Name, "step_id": s.ID, "goal": description}
			for k, v := range s.Data {
				data[k] = v
			}
			stepDesc := s.Description
			if stepDesc == "" {
				if c, ok := CapabilityFor(s.Role); ok {
					stepDesc = fmt.Sprintf(c.StepFormat, description)
				} else {
					stepDesc = description
				}
			}
			tasks = append(tasks, persistence.Task{
				ID:          taskID[s.ID],
				Type:        s.TaskType,
				Description: strings.ReplaceAll(stepDesc, "{goal}", description),
				AssignedTo:  string(s.Role),
				Priority:    waveNum + 1,
				Data:        data,
				DependsOn:   deps,
			})
			wf.Steps = append(wf.Steps, persistence.WorkflowStep{TaskID: taskID[s.ID], Role: s.Role, Sequence: seq})
		}
	}

	stored, created, err := p.router.CreateWorkflow(ctx, wf, tasks)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(gsotel.AttrWorkflowID.String(stored.ID))
	p.logger.InfoContext(ctx, "workflow template started", "template", tmpl.Name, "workflow_id", stored.ID, "waves", len(waves))
	res.Workflow = &stored
	res.Tasks = created
	res.Decomposition = Decomposition{Goal: description, Workflow: true}
	return res, nil
}
