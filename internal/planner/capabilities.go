// Package planner turns a free-form goal into routed tasks. Classification is
// a pure function of the goal text over one capability table.
package planner

import (
	"strings"
	"unicode"

	"github.com/basket/go-swarm/internal/persistence"
)

// Capability ties a role to the tags that route work to it and the task type
// and step wording used when the role appears in a workflow.
type Capability struct {
	Role     persistence.Role
	Tags     []string
	TaskType string
	// StepFormat receives the goal text.
	StepFormat string
}

// Capabilities is ordered by workflow priority: a multi-step workflow runs its
// roles in this order.
var Capabilities = []Capability{
	{
		Role:       persistence.RoleResearcher,
		Tags:       []string{"research", "find", "search", "investigate", "explore", "look up"},
		TaskType:   "research",
		StepFormat: "Research requirements for: %s",
	},
	{
		Role:       persistence.RoleFileManager,
		Tags:       []string{"file", "directory", "folder", "create", "build", "scaffold", "organize", "structure", "setup", "set up", "project"},
		TaskType:   "file_management",
		StepFormat: "Set up file structure for: %s",
	},
	{
		Role:       persistence.RoleCoder,
		Tags:       []string{"code", "generate", "implement", "write", "develop", "build", "api", "function", "feature", "create"},
		TaskType:   "code_generation",
		StepFormat: "Implement: %s",
	},
	{
		Role:       persistence.RoleReviewer,
		Tags:       []string{"review", "check", "analyze", "audit", "quality"},
		TaskType:   "code_review",
		StepFormat: "Review implementation of: %s",
	},
	{
		Role:       persistence.RoleRewriter,
		Tags:       []string{"fix", "rewrite", "refactor", "improve", "optimize", "clean up"},
		TaskType:   "code_rewrite",
		StepFormat: "Rewrite and refine: %s",
	},
	{
		Role:       persistence.RoleTester,
		Tags:       []string{"test", "testing", "unit", "integration", "coverage", "verify"},
		TaskType:   "testing",
		StepFormat: "Test: %s",
	},
	{
		Role:       persistence.RoleGitManager,
		Tags:       []string{"git", "commit", "push", "pull", "branch", "version", "merge"},
		TaskType:   "git_management",
		StepFormat: "Version control for: %s",
	},
}

// FallbackRole receives goals that match no capability.
const FallbackRole = persistence.RoleCoder

// CapabilityFor returns the table entry of role.
func CapabilityFor(role persistence.Role) (Capability, bool) {
	for _, c := range Capabilities {
		if c.Role == role {
			return c, true
		}
	}
	return Capability{}, false
}

// multiRoleIndicators suggest the goal chains several pieces of work.
var multiRoleIndicators = []string{"and", "then", "after", "followed by", "plus", "also"}

// sequenceIndicators say the pieces must run one after another.
var sequenceIndicators = []string{"then", "after", "followed by"}

// Classification is the outcome of matching a goal against Capabilities.
type Classification struct {
	// Roles are the matched roles in workflow priority order.
	Roles []persistence.Role
	// Hits counts matched tags per role.
	Hits map[persistence.Role]int
	// MultiRole reports whether a multi-role indicator is present.
	MultiRole bool
	// Sequential reports whether the goal asks for ordered steps.
	Sequential bool
}

// Classify matches goal against the capability table.
func Classify(goal string) Classification {
	words := tokenize(goal)
	c := Classification{Hits: map[persistence.Role]int{}}
	for _, capability := range Capabilities {
		n := 0
		for _, tag := range capability.Tags {
			if containsPhrase(words, tag) {
				n++
			}
		}
		if n > 0 {
			c.Roles = append(c.Roles, capability.Role)
			c.Hits[capability.Role] = n
		}
	}
	c.MultiRole = strings.Contains(goal, ",") || containsAny(words, multiRoleIndicators)
	c.Sequential = containsAny(words, sequenceIndicators)
	return c
}

// Dominant returns the role with the most tag hits, ties broken by workflow
// priority. It returns FallbackRole when nothing matched.
func (c Classification) Dominant() persistence.Role {
	best, bestHits := FallbackRole, 0
	for _, r := range c.Roles {
		if c.Hits[r] > bestHits {
			best, bestHits = r, c.Hits[r]
		}
	}
	return best
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsAny(words []string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(words, p) {
			return true
		}
	}
	return false
}

// containsPhrase reports whether the words of phrase appear consecutively in
// words. The last phrase word also matches simple inflections ("tests",
// "building").
func containsPhrase(words []string, phrase string) bool {
	parts := strings.Fields(phrase)
	if len(parts) == 0 || len(parts) > len(words) {
		return false
	}
	for i := 0; i+len(parts) <= len(words); i++ {
		ok := true
		for j, p := range parts {
			w := words[i+j]
			if j == len(parts)-1 {
				ok = matchWord(w, p)
			} else {
				ok = w == p
			}
			if !ok {
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

var inflections = []string{"s", "es", "ed", "d", "ing", "er", "ers"}

func matchWord(word, tag string) bool {
	if word == tag {
		return true
	}
	rest, ok := strings.CutPrefix(word, tag)
	if !ok {
		// "creating" drops the trailing e of "create".
		if stem, cut := strings.CutSuffix(tag, "e"); cut {
			if r, ok2 := strings.CutPrefix(word, stem); ok2 && (r == "ing" || r == "ion") {
				return true
			}
		}
		return false
	}
	for _, suffix := range inflections {
		if rest == suffix {
			return true
		}
	}
	return false
}
