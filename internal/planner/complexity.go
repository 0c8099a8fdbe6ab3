package planner

import "github.com/basket/go-swarm/internal/persistence"

// WorkflowThreshold is the complexity score from which a multi-role goal is
// split into a workflow.
const WorkflowThreshold = 6

type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

var complexityWeights = []struct {
	keywords []string
	weight   int
}{
	{[]string{"create", "build", "develop", "implement"}, 3},
	{[]string{"integrate", "connect", "api", "database"}, 2},
	{[]string{"test", "deploy", "production"}, 2},
}

// Analysis summarizes how much work a goal implies.
type Analysis struct {
	Score           int                `json:"score"`
	Level           Level              `json:"level"`
	Roles           []persistence.Role `json:"roles"`
	EstimatedAgents int                `json:"estimated_agents"`
	Parallel        bool               `json:"parallel"`
	MultiRole       bool               `json:"multi_role"`
}

// Analyze scores goal: each keyword group adds its weight once, plus one per
// distinct matched role.
func Analyze(goal string) Analysis {
	return analyze(tokenize(goal), Classify(goal))
}

func analyze(words []string, c Classification) Analysis {
	score := 0
	for _, group := range complexityWeights {
		if containsAny(words, group.keywords) {
			score += group.weight
		}
	}
	score += len(c.Roles)

	a := Analysis{
		Score:           score,
		Roles:           c.Roles,
		EstimatedAgents: max(1, len(c.Roles)),
		Parallel:        len(c.Roles) > 1 && !c.Sequential,
		MultiRole:       c.MultiRole,
	}
	switch {
	case score < 3:
		a.Level = LevelLow
	case score < WorkflowThreshold:
		a.Level = LevelMedium
	default:
		a.Level = LevelHigh
	}
	return a
}
