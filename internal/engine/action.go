package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arbornet/arbor/internal/logging"
	"github.com/arbornet/arbor/pkg/schema"
)

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// runAction hands the node's skill to the resolved worker with a
// read-only memory snapshot, then merges reported facts and the
// (optionally extracted) output back into working memory. A worker error
// is infrastructure failure; a failure status in the result is a business
// outcome the surrounding tree decides about.
func (it *Interpreter) runAction(ctx context.Context, rc *runContext, node *schema.Node, fb *schema.FeedbackMessage) (*NodeResult, error) {
	if node.Skill == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "action has no skill").WithNode(node.ID)
	}

	snap, err := it.memory.Snapshot(ctx, rc.runID)
	if err != nil {
		return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonInfrastructure}, err
	}

	worker, werr := it.workers.Resolve(node.Agent)
	if werr != nil {
		if arbErr, ok := werr.(*schema.ArborError); ok {
			werr = arbErr.WithNode(node.ID)
		}
		return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonInfrastructure}, werr
	}
	ctx = logging.WithAgent(ctx, worker.ID())

	req := &schema.WorkRequest{
		RunID:    rc.runID,
		NodeID:   node.ID,
		Skill:    node.Skill,
		Agent:    worker.ID(),
		Args:     node.Args,
		Memory:   snap,
		Feedback: fb,
	}

	result, err := worker.Execute(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return &NodeResult{Status: schema.NodeStatusTimedOut, Reason: schema.ReasonTimedOut}, nil
		}
		return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonInfrastructure},
			schema.NewErrorf(schema.ErrCodeWorker, "worker %s failed executing %q: %s",
				worker.ID(), node.Skill, err.Error()).WithNode(node.ID).WithCause(err)
	}
	if result == nil {
		return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonInfrastructure},
			schema.NewErrorf(schema.ErrCodeWorker, "worker %s returned no result", worker.ID()).WithNode(node.ID)
	}

	// Workers report facts; only the engine writes memory.
	for i := range result.Facts {
		rec := result.Facts[i]
		if rec.Tier == "" {
			rec.Tier = schema.TierSession
		}
		if rec.Tier == schema.TierSession {
			rec.RunID = rc.runID
		}
		if rec.Source == "" {
			rec.Source = node.ID
		}
		if err := it.memory.Write(ctx, &rec); err != nil {
			return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonInfrastructure}, err
		}
	}

	output := result.Output
	if node.Extract != "" && output != nil {
		obj, ok := output.(map[string]any)
		if !ok {
			return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonEvaluationError},
				schema.NewErrorf(schema.ErrCodeEvaluation,
					"extract filter %q requires object output, worker returned %T", node.Extract, output).WithNode(node.ID)
		}
		extracted, eerr := it.extract.Evaluate(ctx, node.Extract, obj)
		if eerr != nil {
			if arbErr, ok := eerr.(*schema.ArborError); ok {
				eerr = arbErr.WithNode(node.ID)
			}
			return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonEvaluationError}, eerr
		}
		output = extracted
	}

	if node.OutputKey != "" && output != nil {
		if err := it.memory.Write(ctx, &schema.MemoryRecord{
			Key:        node.OutputKey,
			Value:      output,
			Source:     node.ID,
			Confidence: schema.ConfidenceVerified,
			Tier:       schema.TierSession,
			RunID:      rc.runID,
		}); err != nil {
			return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonInfrastructure}, err
		}
	}

	var outJSON json.RawMessage
	if output != nil {
		outJSON, _ = json.Marshal(output)
	}

	if result.Status == schema.WorkFailure {
		it.logger.WarnContext(ctx, "action reported failure", "skill", node.Skill, "detail", result.Detail)
		return &NodeResult{
			Status: schema.NodeStatusFailure,
			Reason: schema.ReasonBusinessFailure,
			Output: outJSON,
		}, nil
	}

	return &NodeResult{Status: schema.NodeStatusSuccess, Output: outJSON}, nil
}
