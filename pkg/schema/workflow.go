package schema

// WorkflowDefinition is the JSON/YAML-serializable workflow format.
// Immutable once loaded; the interpreter never mutates it.
type WorkflowDefinition struct {
	Name     string         `json:"name" yaml:"name"`
	Type     string         `json:"type,omitempty" yaml:"type,omitempty"`
	Root     *Node          `json:"root" yaml:"root"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeKind enumerates the closed set of node variants.
type NodeKind string

const (
	NodeKindAction      NodeKind = "action"
	NodeKindSequence    NodeKind = "sequence"
	NodeKindConditional NodeKind = "conditional"
	NodeKindLoop        NodeKind = "loop"
)

// Node is the tagged union of workflow tree nodes, discriminated by Kind.
// Only the fields for the declared kind are meaningful; the semantic
// validator rejects definitions that mix variants.
type Node struct {
	ID   string   `json:"node_id" yaml:"node_id"`
	Kind NodeKind `json:"type" yaml:"type"`

	// Action fields. Skill is an opaque reference resolved by the worker
	// identified by Agent. Results are merged into working memory under
	// OutputKey, optionally projected through the Extract gojq filter.
	Skill           string         `json:"skill,omitempty" yaml:"skill,omitempty"`
	Args            map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	Agent           string         `json:"agent,omitempty" yaml:"agent,omitempty"`
	OutputKey       string         `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	Extract         string         `json:"extract,omitempty" yaml:"extract,omitempty"`
	FeedbackEnabled bool           `json:"feedback_enabled,omitempty" yaml:"feedback_enabled,omitempty"`
	// Verifier names the node that checks this action's output when
	// feedback is enabled. Empty means the next sibling in the sequence.
	Verifier string `json:"verifier,omitempty" yaml:"verifier,omitempty"`
	// ContinueOnError marks a sequence child whose failure does not abort
	// the remaining siblings.
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`

	// Sequence fields.
	Children []*Node `json:"children,omitempty" yaml:"children,omitempty"`

	// Conditional fields. Either branch may be absent (no-op success).
	Condition   *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	TrueBranch  *Node      `json:"true_branch,omitempty" yaml:"true_branch,omitempty"`
	FalseBranch *Node      `json:"false_branch,omitempty" yaml:"false_branch,omitempty"`

	// Loop fields. Condition (shared field above) is checked strictly
	// after each body execution, never before the first.
	Body           *Node `json:"body,omitempty" yaml:"body,omitempty"`
	MaxIterations  int   `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	TimeoutSeconds int   `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	// ExitOn is reserved for future exit policies; condition_true is the
	// only supported value and the default.
	ExitOn string `json:"exit_on,omitempty" yaml:"exit_on,omitempty"`
}

// Walk visits the node and all descendants in document order.
// The visit function returning false prunes that subtree.
func (n *Node) Walk(visit func(*Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(visit)
	}
	n.TrueBranch.Walk(visit)
	n.FalseBranch.Walk(visit)
	n.Body.Walk(visit)
}

// ConditionType selects how a condition is evaluated.
type ConditionType string

const (
	ConditionTestResult       ConditionType = "test_result"
	ConditionObservationCheck ConditionType = "observation_check"
	ConditionExpression       ConditionType = "expression"
)

// Operator enumerates the comparison operators for key-based conditions.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
)

// Condition compares a working-memory fact against a literal, or for the
// expression type delegates to an expression engine (expr or cel).
type Condition struct {
	Type     ConditionType `json:"type" yaml:"type"`
	Key      string        `json:"key,omitempty" yaml:"key,omitempty"`
	Operator Operator      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any           `json:"value,omitempty" yaml:"value,omitempty"`

	// Expression-type conditions only.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	Engine     string `json:"engine,omitempty" yaml:"engine,omitempty"` // expr (default) | cel
}
