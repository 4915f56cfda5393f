package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbornet/arbor/pkg/schema"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func TestValidateBytes_AcceptsWellFormedWorkflow(t *testing.T) {
	doc := []byte(`{
		"name": "build-test-deploy",
		"root": {
			"node_id": "root",
			"type": "sequence",
			"children": [
				{"node_id": "build", "type": "action", "skill": "compile"},
				{
					"node_id": "gate",
					"type": "conditional",
					"condition": {"type": "test_result", "key": "tests.passed", "operator": "equals", "value": true},
					"true_branch": {"node_id": "deploy", "type": "action", "skill": "ship"}
				},
				{
					"node_id": "retry",
					"type": "loop",
					"body": {"node_id": "fix", "type": "action", "skill": "apply-fix"},
					"max_iterations": 3,
					"condition": {"type": "observation_check", "key": "healthy", "operator": "equals", "value": true}
				}
			]
		}
	}`)

	def, err := newValidator(t).ValidateBytes(doc)
	require.NoError(t, err)
	assert.Equal(t, "build-test-deploy", def.Name)
	assert.Equal(t, schema.NodeKindSequence, def.Root.Kind)
	assert.Len(t, def.Root.Children, 3)
}

func TestValidateBytes_SchemaRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing name", `{"root": {"node_id": "a", "type": "action", "skill": "s"}}`},
		{"missing root", `{"name": "w"}`},
		{"action without skill", `{"name": "w", "root": {"node_id": "a", "type": "action"}}`},
		{"unknown node type", `{"name": "w", "root": {"node_id": "a", "type": "parallel"}}`},
		{"empty sequence", `{"name": "w", "root": {"node_id": "s", "type": "sequence", "children": []}}`},
		{"loop without max_iterations", `{"name": "w", "root": {"node_id": "l", "type": "loop",
			"body": {"node_id": "b", "type": "action", "skill": "s"},
			"condition": {"type": "test_result", "key": "k", "operator": "equals", "value": 1}}}`},
		{"zero max_iterations", `{"name": "w", "root": {"node_id": "l", "type": "loop", "max_iterations": 0,
			"body": {"node_id": "b", "type": "action", "skill": "s"},
			"condition": {"type": "test_result", "key": "k", "operator": "equals", "value": 1}}}`},
		{"unknown operator", `{"name": "w", "root": {"node_id": "c", "type": "conditional",
			"condition": {"type": "test_result", "key": "k", "operator": "matches", "value": 1}}}`},
		{"not json", `{"name": `},
	}
	v := newValidator(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.ValidateBytes([]byte(tc.doc))
			require.Error(t, err)
			var arbErr *schema.ArborError
			require.ErrorAs(t, err, &arbErr)
			assert.Equal(t, schema.ErrCodeValidation, arbErr.Code)
		})
	}
}

func TestValidateDefinition_DuplicateNodeIDs(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "dupes",
		Root: &schema.Node{
			ID: "root", Kind: schema.NodeKindSequence,
			Children: []*schema.Node{
				{ID: "step", Kind: schema.NodeKindAction, Skill: "a"},
				{ID: "step", Kind: schema.NodeKindAction, Skill: "b"},
			},
		},
	}
	err := ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate node_id "step"`)
}

func TestValidateDefinition_FeedbackWiring(t *testing.T) {
	makeSeq := func(children ...*schema.Node) *schema.WorkflowDefinition {
		return &schema.WorkflowDefinition{
			Name: "fb",
			Root: &schema.Node{ID: "root", Kind: schema.NodeKindSequence, Children: children},
		}
	}
	gen := func(verifier string) *schema.Node {
		return &schema.Node{ID: "generate", Kind: schema.NodeKindAction, Skill: "scaffold",
			FeedbackEnabled: true, Verifier: verifier}
	}
	verify := &schema.Node{ID: "verify", Kind: schema.NodeKindAction, Skill: "check"}

	t.Run("explicit later verifier is valid", func(t *testing.T) {
		assert.NoError(t, ValidateDefinition(makeSeq(gen("verify"), verify)))
	})

	t.Run("implicit next sibling is valid", func(t *testing.T) {
		assert.NoError(t, ValidateDefinition(makeSeq(gen(""), verify)))
	})

	t.Run("verifier must exist", func(t *testing.T) {
		err := ValidateDefinition(makeSeq(gen("missing"), verify))
		require.Error(t, err)
		assert.Contains(t, err.Error(), `verifier "missing" is not a sibling`)
	})

	t.Run("verifier must follow the action", func(t *testing.T) {
		err := ValidateDefinition(makeSeq(verify, gen("verify")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must come after")
	})

	t.Run("last child needs an explicit verifier", func(t *testing.T) {
		err := ValidateDefinition(makeSeq(verify, gen("")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "names no verifier")
	})

	t.Run("feedback outside a sequence is rejected", func(t *testing.T) {
		def := &schema.WorkflowDefinition{
			Name: "fb-loop",
			Root: &schema.Node{
				ID: "retry", Kind: schema.NodeKindLoop,
				Body:          gen(""),
				MaxIterations: 2,
				Condition: &schema.Condition{
					Type: schema.ConditionTestResult, Key: "ok",
					Operator: schema.OpEquals, Value: true,
				},
			},
		}
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outside a sequence")
	})

	t.Run("verifier without feedback_enabled is rejected", func(t *testing.T) {
		bad := &schema.Node{ID: "odd", Kind: schema.NodeKindAction, Skill: "s", Verifier: "verify"}
		err := ValidateDefinition(makeSeq(bad, verify))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "feedback_enabled is false")
	})
}

func TestValidateDefinition_ExpressionConditions(t *testing.T) {
	cond := func(engine, expr string) *schema.WorkflowDefinition {
		return &schema.WorkflowDefinition{
			Name: "expr",
			Root: &schema.Node{
				ID: "gate", Kind: schema.NodeKindConditional,
				Condition: &schema.Condition{Type: schema.ConditionExpression, Expression: expr, Engine: engine},
			},
		}
	}

	assert.NoError(t, ValidateDefinition(cond("", `facts["x"] > 1`)))
	assert.NoError(t, ValidateDefinition(cond("cel", `facts["x"] > 1`)))

	err := ValidateDefinition(cond("lua", `x > 1`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown engine "lua"`)

	err = ValidateDefinition(cond("", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")
}
