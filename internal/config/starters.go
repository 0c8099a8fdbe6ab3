package config

// StarterWorkflows returns the built-in workflow templates. A configured
// workflow with the same name replaces them.
func StarterWorkflows() []WorkflowConfig {
	return []WorkflowConfig{
		{
			Name:        "feature",
			Description: "Research, implement, review and test in parallel, then commit",
			Steps: []WorkflowStepConfig{
				{ID: "research", Role: "researcher", Description: "Research requirements for: {goal}"},
				{ID: "implement", Role: "coder", Description: "Implement: {goal}", DependsOn: []string{"research"}},
				{ID: "review", Role: "reviewer", Description: "Review implementation of: {goal}", DependsOn: []string{"implement"}},
				{ID: "test", Role: "tester", Description: "Test: {goal}", DependsOn: []string{"implement"}},
				{ID: "commit", Role: "git_manager", Description: "Version control for: {goal}", DependsOn: []string{"review", "test"}},
			},
		},
		{
			Name:        "bugfix",
			Description: "Fix, verify and commit",
			Steps: []WorkflowStepConfig{
				{ID: "fix", Role: "rewriter", Description: "Rewrite and refine: {goal}"},
				{ID: "verify", Role: "tester", Description: "Test: {goal}", DependsOn: []string{"fix"}},
				{ID: "commit", Role: "git_manager", Description: "Version control for: {goal}", DependsOn: []string{"verify"}},
			},
		},
		{
			Name:        "scaffold",
			Description: "Lay out a new project and its first code",
			Steps: []WorkflowStepConfig{
				{ID: "layout", Role: "file_manager", Description: "Set up file structure for: {goal}"},
				{ID: "code", Role: "coder", Description: "Implement: {goal}", DependsOn: []string{"layout"}},
			},
		},
	}
}
