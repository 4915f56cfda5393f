package validation

import (
	"fmt"
	"strings"

	"github.com/arbornet/arbor/pkg/schema"
)

// ValidateDefinition enforces the tree rules a JSON Schema cannot express:
// unique node IDs, kind-specific field constraints, and feedback wiring
// (a feedback-enabled action and its verifier must be siblings in the
// same sequence, verifier after action).
func ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	var problems []string
	if def.Name == "" {
		problems = append(problems, "workflow name is required")
	}
	if def.Root == nil {
		problems = append(problems, "workflow root node is required")
		return validationError(problems)
	}

	seen := make(map[string]bool)
	def.Root.Walk(func(n *schema.Node) bool {
		if n.ID == "" {
			problems = append(problems, fmt.Sprintf("%s node has empty node_id", n.Kind))
			return true
		}
		if seen[n.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node_id %q", n.ID))
		}
		seen[n.ID] = true
		problems = append(problems, checkNode(n)...)
		return true
	})

	return validationError(problems)
}

func checkNode(n *schema.Node) []string {
	var problems []string
	switch n.Kind {
	case schema.NodeKindAction:
		if n.Skill == "" {
			problems = append(problems, fmt.Sprintf("action %q has no skill", n.ID))
		}
		if n.Verifier != "" && !n.FeedbackEnabled {
			problems = append(problems, fmt.Sprintf("action %q names a verifier but feedback_enabled is false", n.ID))
		}
	case schema.NodeKindSequence:
		if len(n.Children) == 0 {
			problems = append(problems, fmt.Sprintf("sequence %q has no children", n.ID))
		}
		problems = append(problems, checkFeedbackWiring(n)...)
	case schema.NodeKindConditional:
		if n.Condition == nil {
			problems = append(problems, fmt.Sprintf("conditional %q has no condition", n.ID))
		} else {
			problems = append(problems, checkCondition(n.ID, n.Condition)...)
		}
	case schema.NodeKindLoop:
		if n.Body == nil {
			problems = append(problems, fmt.Sprintf("loop %q has no body", n.ID))
		}
		if n.Condition == nil {
			problems = append(problems, fmt.Sprintf("loop %q has no exit condition", n.ID))
		} else {
			problems = append(problems, checkCondition(n.ID, n.Condition)...)
		}
		if n.MaxIterations < 1 {
			problems = append(problems, fmt.Sprintf("loop %q max_iterations must be >= 1, got %d", n.ID, n.MaxIterations))
		}
		if n.ExitOn != "" && n.ExitOn != "condition_true" {
			problems = append(problems, fmt.Sprintf("loop %q has unsupported exit_on %q", n.ID, n.ExitOn))
		}
	default:
		problems = append(problems, fmt.Sprintf("node %q has unknown type %q", n.ID, n.Kind))
	}

	// Feedback pairs live inside a sequence; an enabled action anywhere
	// else has no sibling that could ever verify it.
	for _, orphan := range []*schema.Node{n.TrueBranch, n.FalseBranch, n.Body} {
		if orphan != nil && orphan.FeedbackEnabled {
			problems = append(problems, fmt.Sprintf(
				"action %q is feedback-enabled outside a sequence; no verifier can reach it", orphan.ID))
		}
	}
	return problems
}

// checkFeedbackWiring validates feedback pairs among a sequence's children.
// An explicit verifier must name a later sibling; an implicit verifier is
// the immediately following sibling, which therefore must exist.
func checkFeedbackWiring(seq *schema.Node) []string {
	var problems []string
	index := make(map[string]int, len(seq.Children))
	for i, c := range seq.Children {
		index[c.ID] = i
	}
	for i, c := range seq.Children {
		if c.Kind != schema.NodeKindAction || !c.FeedbackEnabled {
			continue
		}
		if c.Verifier == "" {
			if i == len(seq.Children)-1 {
				problems = append(problems, fmt.Sprintf(
					"feedback-enabled action %q is last in sequence %q and names no verifier", c.ID, seq.ID))
			}
			continue
		}
		j, ok := index[c.Verifier]
		if !ok {
			problems = append(problems, fmt.Sprintf(
				"action %q verifier %q is not a sibling in sequence %q", c.ID, c.Verifier, seq.ID))
			continue
		}
		if j <= i {
			problems = append(problems, fmt.Sprintf(
				"action %q verifier %q must come after it in sequence %q", c.ID, c.Verifier, seq.ID))
		}
	}
	return problems
}

func checkCondition(nodeID string, cond *schema.Condition) []string {
	var problems []string
	switch cond.Type {
	case schema.ConditionTestResult, schema.ConditionObservationCheck:
		if cond.Key == "" {
			problems = append(problems, fmt.Sprintf("condition on node %q has no key", nodeID))
		}
		switch cond.Operator {
		case schema.OpEquals, schema.OpNotEquals, schema.OpGreaterThan, schema.OpLessThan, schema.OpContains:
		default:
			problems = append(problems, fmt.Sprintf("condition on node %q has unknown operator %q", nodeID, cond.Operator))
		}
	case schema.ConditionExpression:
		if cond.Expression == "" {
			problems = append(problems, fmt.Sprintf("expression condition on node %q is empty", nodeID))
		}
		switch cond.Engine {
		case "", "expr", "cel":
		default:
			problems = append(problems, fmt.Sprintf("condition on node %q names unknown engine %q", nodeID, cond.Engine))
		}
	default:
		problems = append(problems, fmt.Sprintf("condition on node %q has unknown type %q", nodeID, cond.Type))
	}
	return problems
}

func validationError(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"workflow is invalid: %s", strings.Join(problems, "; ")).
		WithDetails(map[string]any{"problems": problems})
}
