package planner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/planner"
	"github.com/basket/go-swarm/internal/router"
)

type fixture struct {
	store   persistence.Store
	bus     *bus.Bus
	router  *router.Router
	planner *planner.Planner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := persistence.NewMemory(persistence.Options{})
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New()
	r := router.New(router.Config{Store: store, Bus: b})
	return &fixture{store: store, bus: b, router: r, planner: planner.New(planner.Config{Router: r})}
}

func roles(rs ...persistence.Role) []persistence.Role { return rs }

func TestClassify(t *testing.T) {
	cases := []struct {
		goal string
		want []persistence.Role
	}{
		{"build and test a small API", roles(persistence.RoleFileManager, persistence.RoleCoder, persistence.RoleTester)},
		{"look up the docs", roles(persistence.RoleResearcher)},
		{"clean up the handler", roles(persistence.RoleRewriter)},
		{"pushed the release branch", roles(persistence.RoleGitManager)},
		{"hello there", nil},
		{"Investigate flaky tests, then refactor", roles(persistence.RoleResearcher, persistence.RoleRewriter, persistence.RoleTester)},
	}
	for _, tc := range cases {
		t.Run(tc.goal, func(t *testing.T) {
			assert.Equal(t, tc.want, planner.Classify(tc.goal).Roles)
		})
	}
}

func TestClassifyMatchesWordsNotSubstrings(t *testing.T) {
	// "profile" contains "file" and "attest" contains "test".
	c := planner.Classify("attest the profile")
	assert.Empty(t, c.Roles)
}

func TestClassifyIndicators(t *testing.T) {
	assert.True(t, planner.Classify("write code, review it").MultiRole)
	assert.True(t, planner.Classify("research followed by coding").Sequential)
	assert.False(t, planner.Classify("review the login handler").MultiRole)
}

func TestAnalyzeLevels(t *testing.T) {
	low := planner.Analyze("hello")
	assert.Equal(t, 0, low.Score)
	assert.Equal(t, planner.LevelLow, low.Level)
	assert.Equal(t, 1, low.EstimatedAgents)

	medium := planner.Analyze("create a function")
	assert.Equal(t, 5, medium.Score)
	assert.Equal(t, planner.LevelMedium, medium.Level)

	high := planner.Analyze("build and test a small API")
	assert.Equal(t, 3+2+2+3, high.Score)
	assert.Equal(t, planner.LevelHigh, high.Level)
	assert.Equal(t, 3, high.EstimatedAgents)
	assert.True(t, high.Parallel)
	assert.False(t, planner.Analyze("research the api then build it").Parallel)
}

func TestDecompose(t *testing.T) {
	t.Run("single role delegates directly", func(t *testing.T) {
		d := planner.Decompose("review the login handler")
		require.Len(t, d.Steps, 1)
		assert.False(t, d.Workflow)
		assert.Equal(t, persistence.RoleReviewer, d.Steps[0].Role)
		assert.Equal(t, "code_review", d.Steps[0].TaskType)
		assert.Equal(t, "review the login handler", d.Steps[0].Description)
	})
	t.Run("no match falls back to coder", func(t *testing.T) {
		d := planner.Decompose("hello there")
		require.Len(t, d.Steps, 1)
		assert.True(t, d.Fallback)
		assert.Equal(t, persistence.RoleCoder, d.Steps[0].Role)
	})
	t.Run("below threshold picks the dominant role", func(t *testing.T) {
		d := planner.Decompose("create a function")
		require.Len(t, d.Steps, 1)
		assert.Equal(t, persistence.RoleCoder, d.Steps[0].Role)

		d = planner.Decompose("fix typo and update docs")
		require.Len(t, d.Steps, 1)
		assert.Equal(t, persistence.RoleRewriter, d.Steps[0].Role)
	})
	t.Run("complex goal becomes an ordered chain", func(t *testing.T) {
		d := planner.Decompose("build and test a small API")
		require.True(t, d.Workflow)
		require.Len(t, d.Steps, 3)
		assert.Equal(t, persistence.RoleFileManager, d.Steps[0].Role)
		assert.Equal(t, persistence.RoleCoder, d.Steps[1].Role)
		assert.Equal(t, persistence.RoleTester, d.Steps[2].Role)
		assert.Equal(t, "Set up file structure for: build and test a small API", d.Steps[0].Description)
		assert.Equal(t, "Implement: build and test a small API", d.Steps[1].Description)
		assert.Equal(t, "Test: build and test a small API", d.Steps[2].Description)
	})
}

func TestPlanCreatesLinearWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.planner.Plan(ctx, "build and test a small API")
	require.NoError(t, err)
	require.NotNil(t, res.Workflow)
	require.Len(t, res.Tasks, 3)

	want := roles(persistence.RoleFileManager, persistence.RoleCoder, persistence.RoleTester)
	for i, task := range res.Tasks {
		assert.Equal(t, string(want[i]), task.AssignedTo)
		assert.Equal(t, i+1, task.Priority)
		assert.Equal(t, res.Workflow.ID, task.WorkflowID)
		if i == 0 {
			assert.Empty(t, task.DependsOn)
		} else {
			assert.Equal(t, []string{res.Tasks[i-1].ID}, task.DependsOn)
		}
	}
	assert.Equal(t, []string{res.Tasks[0].ID, res.Tasks[1].ID, res.Tasks[2].ID}, res.Workflow.TaskIDs())

	pending, err := f.router.QueryPending(ctx, "tester-1", persistence.RoleTester)
	require.NoError(t, err)
	assert.Empty(t, pending, "tester step must wait for its dependency")

	report, err := planner.WorkflowStatus(ctx, f.store, res.Workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.WorkflowInProgress, report.Status)
}

func TestPlanSingleTask(t *testing.T) {
	f := newFixture(t)
	res, err := f.planner.Plan(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Nil(t, res.Workflow)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, "coder", res.Tasks[0].AssignedTo)
	assert.Equal(t, "hello there", res.Tasks[0].Data["goal"])

	_, err = f.planner.Plan(context.Background(), "   ")
	assert.Error(t, err)
}

func diamond() planner.Template {
	return planner.Template{
		Name: "feature",
		Steps: []planner.TemplateStep{
			{ID: "ship", Role: persistence.RoleGitManager, DependsOn: []string{"review", "test"}},
			{ID: "code", Role: persistence.RoleCoder, Description: "Implement {goal}"},
			{ID: "review", Role: persistence.RoleReviewer, DependsOn: []string{"code"}},
			{ID: "test", Role: persistence.RoleTester, DependsOn: []string{"code"}},
		},
	}
}

func TestWaves(t *testing.T) {
	waves, err := planner.Waves(diamond().Steps)
	require.NoError(t, err)
	require.Len(t, waves, 3)
	assert.Equal(t, "code", waves[0][0].ID)
	assert.Len(t, waves[1], 2)
	assert.Equal(t, "ship", waves[2][0].ID)

	cyclic := []planner.TemplateStep{
		{ID: "a", Role: persistence.RoleCoder, DependsOn: []string{"b"}},
		{ID: "b", Role: persistence.RoleCoder, DependsOn: []string{"a"}},
	}
	_, err = planner.Waves(cyclic)
	assert.ErrorContains(t, err, "cycle")

	_, err = planner.Waves([]planner.TemplateStep{{ID: "a", DependsOn: []string{"ghost"}}})
	assert.ErrorIs(t, err, persistence.ErrUnknownDependency)
}

func TestTemplatesFromConfig(t *testing.T) {
	templates, err := planner.TemplatesFromConfig([]config.WorkflowConfig{{
		Name: "review-loop",
		Steps: []config.WorkflowStepConfig{
			{ID: "write", Role: "coder"},
			{ID: "review", Role: "code_reviewer", DependsOn: []string{"write"}},
		},
	}})
	require.NoError(t, err)
	tmpl := templates["review-loop"]
	require.Len(t, tmpl.Steps, 2)
	assert.Equal(t, persistence.RoleReviewer, tmpl.Steps[1].Role)
	assert.Equal(t, "code_generation", tmpl.Steps[0].TaskType)
	assert.Equal(t, []string{"review-loop"}, planner.TemplateNames(templates))

	_, err = planner.TemplatesFromConfig([]config.WorkflowConfig{{Name: "bad", Steps: []config.WorkflowStepConfig{{ID: "x", Role: "wizard"}}}})
	assert.ErrorIs(t, err, persistence.ErrInvalidRole)

	_, err = planner.TemplatesFromConfig([]config.WorkflowConfig{{Name: "dup", Steps: []config.WorkflowStepConfig{{ID: "x", Role: "coder"}}}, {Name: "dup", Steps: []config.WorkflowStepConfig{{ID: "x", Role: "coder"}}}})
	assert.ErrorContains(t, err, "duplicate workflow name")
}

func TestRunTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.planner.RunTemplate(ctx, diamond(), "login page")
	require.NoError(t, err)
	require.NotNil(t, res.Workflow)
	require.Len(t, res.Tasks, 4)

	byStep := map[string]persistence.Task{}
	for _, task := range res.Tasks {
		byStep[task.Data["step_id"].(string)] = task
	}
	assert.Equal(t, "Implement login page", byStep["code"].Description)
	assert.Equal(t, 1, byStep["code"].Priority)
	assert.Equal(t, 2, byStep["review"].Priority)
	assert.Equal(t, 3, byStep["ship"].Priority)
	assert.ElementsMatch(t, []string{byStep["review"].ID, byStep["test"].ID}, byStep["ship"].DependsOn)
	assert.Equal(t, "Version control for: login page", byStep["ship"].Description)
	assert.Equal(t, "login page", res.Workflow.Description)
}

func TestWaitForWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.planner.Plan(ctx, "build and test a small API")
	require.NoError(t, err)

	agents := map[string]persistence.Role{"fm-1": persistence.RoleFileManager, "coder-1": persistence.RoleCoder, "tester-1": persistence.RoleTester}
	for id, role := range agents {
		_, err := f.store.PutAgent(ctx, persistence.AgentRecord{ID: id, Role: role, Status: persistence.AgentActive, LastSeen: time.Now()})
		require.NoError(t, err)
	}

	go func() {
		order := []string{"fm-1", "coder-1", "tester-1"}
		for i, task := range res.Tasks {
			if _, err := f.router.Claim(ctx, task.ID, order[i]); err != nil {
				return
			}
			status := persistence.TaskCompleted
			if i == 2 {
				status = persistence.TaskFailed
			}
			if _, err := f.router.UpdateTerminal(ctx, task.ID, order[i], status, nil); err != nil {
				return
			}
		}
	}()

	w := planner.NewWaiter(f.bus, f.store, 50*time.Millisecond)
	report, err := w.WaitForWorkflow(ctx, res.Workflow.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, persistence.WorkflowFailed, report.Status)
	assert.Equal(t, persistence.TaskCompleted, report.Tasks[0].Status)
	assert.Equal(t, persistence.TaskCompleted, report.Tasks[1].Status)
}

func TestWaitForTaskTimesOut(t *testing.T) {
	f := newFixture(t)
	task, err := f.router.Create(context.Background(), persistence.Task{AssignedTo: "coder"})
	require.NoError(t, err)

	w := planner.NewWaiter(nil, f.store, 0)
	_, err = w.WaitForTask(context.Background(), task.ID, 100*time.Millisecond)
	assert.ErrorContains(t, err, "timeout waiting for task")
}

func TestWaitForUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	w := planner.NewWaiter(f.bus, f.store, 0)
	_, err := w.WaitForWorkflow(context.Background(), "nope", time.Second)
	assert.ErrorIs(t, err, persistence.ErrUnknownWorkflow)
}
