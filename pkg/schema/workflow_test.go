package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowDefinitionUnmarshal(t *testing.T) {
	doc := `{
		"name": "build-and-deploy",
		"root": {
			"node_id": "root",
			"type": "sequence",
			"children": [
				{"node_id": "build", "type": "action", "skill": "make", "output_key": "build"},
				{
					"node_id": "gate",
					"type": "conditional",
					"condition": {"type": "test_result", "key": "build.ok", "operator": "equals", "value": true},
					"true_branch": {"node_id": "deploy", "type": "action", "skill": "deploy"}
				},
				{
					"node_id": "retry",
					"type": "loop",
					"max_iterations": 3,
					"condition": {"type": "expression", "expression": "facts[\"done\"] == true", "engine": "cel"},
					"body": {"node_id": "poll", "type": "action", "skill": "poll"}
				}
			]
		}
	}`

	var def WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(doc), &def))

	assert.Equal(t, "build-and-deploy", def.Name)
	require.NotNil(t, def.Root)
	assert.Equal(t, NodeKindSequence, def.Root.Kind)
	require.Len(t, def.Root.Children, 3)

	build := def.Root.Children[0]
	assert.Equal(t, "build", build.ID)
	assert.Equal(t, NodeKindAction, build.Kind)
	assert.Equal(t, "make", build.Skill)

	gate := def.Root.Children[1]
	require.NotNil(t, gate.Condition)
	assert.Equal(t, ConditionTestResult, gate.Condition.Type)
	assert.Equal(t, OpEquals, gate.Condition.Operator)
	assert.Equal(t, true, gate.Condition.Value)
	require.NotNil(t, gate.TrueBranch)
	assert.Nil(t, gate.FalseBranch)

	retry := def.Root.Children[2]
	assert.Equal(t, NodeKindLoop, retry.Kind)
	assert.Equal(t, 3, retry.MaxIterations)
	require.NotNil(t, retry.Condition)
	assert.Equal(t, "cel", retry.Condition.Engine)
}

func TestNodeWalk(t *testing.T) {
	root := &Node{
		ID: "root", Kind: NodeKindSequence,
		Children: []*Node{
			{ID: "a", Kind: NodeKindAction},
			{
				ID: "cond", Kind: NodeKindConditional,
				TrueBranch:  &Node{ID: "t", Kind: NodeKindAction},
				FalseBranch: &Node{ID: "f", Kind: NodeKindAction},
			},
			{
				ID: "loop", Kind: NodeKindLoop,
				Body: &Node{ID: "body", Kind: NodeKindAction},
			},
		},
	}

	t.Run("document order", func(t *testing.T) {
		var order []string
		root.Walk(func(n *Node) bool {
			order = append(order, n.ID)
			return true
		})
		assert.Equal(t, []string{"root", "a", "cond", "t", "f", "loop", "body"}, order)
	})

	t.Run("returning false prunes the subtree", func(t *testing.T) {
		var order []string
		root.Walk(func(n *Node) bool {
			order = append(order, n.ID)
			return n.Kind != NodeKindConditional
		})
		assert.Equal(t, []string{"root", "a", "cond", "loop", "body"}, order)
	})

	t.Run("nil node is a no-op", func(t *testing.T) {
		var nilNode *Node
		nilNode.Walk(func(n *Node) bool {
			t.Fatal("visit called on nil node")
			return false
		})
	})
}

func TestNodeStatus(t *testing.T) {
	terminal := []NodeStatus{
		NodeStatusSuccess, NodeStatusFailure, NodeStatusSkipped,
		NodeStatusMaxIterations, NodeStatusTimedOut, NodeStatusFeedbackUnresolved,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	assert.False(t, NodeStatusPending.Terminal())
	assert.False(t, NodeStatusRunning.Terminal())

	failed := []NodeStatus{
		NodeStatusFailure, NodeStatusMaxIterations,
		NodeStatusTimedOut, NodeStatusFeedbackUnresolved,
	}
	for _, s := range failed {
		assert.True(t, s.Failed(), "%s should count as failed", s)
	}
	assert.False(t, NodeStatusSuccess.Failed())
	assert.False(t, NodeStatusSkipped.Failed())
}

func TestMemoryRecordExpired(t *testing.T) {
	now := time.Now().UTC()

	t.Run("session record within TTL", func(t *testing.T) {
		r := &MemoryRecord{Tier: TierSession, TTLSeconds: 60, Timestamp: now.Add(-30 * time.Second)}
		assert.False(t, r.Expired(now))
	})

	t.Run("session record past TTL", func(t *testing.T) {
		r := &MemoryRecord{Tier: TierSession, TTLSeconds: 60, Timestamp: now.Add(-61 * time.Second)}
		assert.True(t, r.Expired(now))
	})

	t.Run("session record with no TTL never expires", func(t *testing.T) {
		r := &MemoryRecord{Tier: TierSession, Timestamp: now.Add(-24 * time.Hour)}
		assert.False(t, r.Expired(now))
	})

	t.Run("durable records never expire", func(t *testing.T) {
		r := &MemoryRecord{Tier: TierDurable, TTLSeconds: 1, Timestamp: now.Add(-24 * time.Hour)}
		assert.False(t, r.Expired(now))
	})
}

func TestArborError(t *testing.T) {
	t.Run("message formatting", func(t *testing.T) {
		err := NewError(ErrCodeValidation, "bad definition")
		assert.Equal(t, "[VALIDATION_ERROR] bad definition", err.Error())

		err = err.WithNode("build")
		assert.Equal(t, "[VALIDATION_ERROR] node build: bad definition", err.Error())
	})

	t.Run("unwraps its cause", func(t *testing.T) {
		cause := fmt.Errorf("disk full")
		err := NewErrorf(ErrCodeStore, "write run %s", "r1").WithCause(cause)
		assert.ErrorIs(t, err, cause)

		var arbErr *ArborError
		require.True(t, errors.As(err, &arbErr))
		assert.Equal(t, ErrCodeStore, arbErr.Code)
	})
}
