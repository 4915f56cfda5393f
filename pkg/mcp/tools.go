package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/robfig/cron/v3"

	"github.com/arbornet/arbor/internal/store"
	"github.com/arbornet/arbor/pkg/schema"
)

// handleRun validates a workflow definition, persists a run, and executes it.
func (s *ArborServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)

	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	def, valErr := s.validator.ValidateBytes(defBytes)
	if valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow validation failed: %v", valErr)), nil
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:           uuid.New().String(),
		WorkflowName: def.Name,
		Definition:   *def,
		Status:       schema.RunStatusPending,
		Params:       params,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if createErr := s.store.CreateRun(ctx, run); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create run: %v", createErr)), nil
	}

	result, runErr := s.interp.Execute(ctx, run)
	if runErr != nil {
		// The run result still carries the partial node states; return
		// both so the caller sees what happened before the error.
		return marshalResult(map[string]any{
			"error":  runErr.Error(),
			"result": result,
		})
	}
	return marshalResult(result)
}

// handleStatus returns the run record and its materialized node states.
func (s *ArborServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", getErr)), nil
	}
	nodes, nodesErr := s.store.ListNodeStates(ctx, runID)
	if nodesErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("node state lookup failed: %v", nodesErr)), nil
	}

	return marshalResult(map[string]any{
		"run":   run,
		"nodes": nodes,
	})
}

// handleResume replays the event log and continues an interrupted run.
func (s *ArborServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	result, resumeErr := s.interp.Resume(ctx, runID)
	if resumeErr != nil {
		if result != nil {
			return marshalResult(map[string]any{
				"error":  resumeErr.Error(),
				"result": result,
			})
		}
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(result)
}

// handleFeedback lists the feedback messages exchanged during a run, or
// drains its queued messages through fix cycles.
func (s *ArborServer) handleFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if req.GetString("action", "list") == "process" {
		if s.feedback == nil {
			return mcp.NewToolResultError("feedback processing is not available"), nil
		}
		resolutions, procErr := s.feedback.ProcessQueue(ctx, runID)
		if procErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("feedback processing failed: %v", procErr)), nil
		}
		return marshalResult(map[string]any{"resolutions": resolutions})
	}

	msgs, listErr := s.store.ListFeedback(ctx, store.FeedbackFilter{
		RunID:    runID,
		FromNode: req.GetString("from_node", ""),
		ToNode:   req.GetString("to_node", ""),
	})
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("feedback query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"feedback": msgs})
}

// handleMemory reads or writes tiered working memory.
func (s *ArborServer) handleMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	key := req.GetString("key", "")
	runID := req.GetString("run_id", "")

	switch action {
	case "read":
		if key == "" {
			return mcp.NewToolResultError("read requires 'key'"), nil
		}
		var value any
		var found bool
		var readErr error
		if tier := req.GetString("tier", ""); tier != "" {
			value, found, readErr = s.memory.ReadTier(ctx, runID, key, schema.MemoryTier(tier))
		} else {
			value, found, readErr = s.memory.Read(ctx, runID, key)
		}
		if readErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("memory read failed: %v", readErr)), nil
		}
		return marshalResult(map[string]any{"key": key, "value": value, "found": found})

	case "write":
		if key == "" {
			return mcp.NewToolResultError("write requires 'key'"), nil
		}
		record := mcp.ParseStringMap(req, "record", nil)
		if record == nil {
			return mcp.NewToolResultError("write requires 'record'"), nil
		}
		rec := &schema.MemoryRecord{
			Key:        key,
			Value:      record["value"],
			RunID:      runID,
			Tier:       schema.TierDurable,
			Source:     "mcp",
			Confidence: schema.ConfidenceVerified,
		}
		if tier, ok := record["tier"].(string); ok && tier != "" {
			rec.Tier = schema.MemoryTier(tier)
		}
		if src, ok := record["source"].(string); ok && src != "" {
			rec.Source = src
		}
		if conf, ok := record["confidence"].(string); ok && conf != "" {
			rec.Confidence = schema.Confidence(conf)
		}
		if ttl, ok := record["ttl_seconds"].(float64); ok {
			rec.TTLSeconds = int64(ttl)
		}
		if writeErr := s.memory.Write(ctx, rec); writeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("memory write failed: %v", writeErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "key": key, "tier": rec.Tier})

	case "snapshot":
		snap, snapErr := s.memory.Snapshot(ctx, runID)
		if snapErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("memory snapshot failed: %v", snapErr)), nil
		}
		return marshalResult(map[string]any{"facts": snap})

	case "history":
		if key == "" {
			return mcp.NewToolResultError("history requires 'key'"), nil
		}
		records, histErr := s.memory.History(ctx, runID, key)
		if histErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("memory history failed: %v", histErr)), nil
		}
		return marshalResult(map[string]any{"records": records})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown memory action: %s", action)), nil
	}
}

// scheduleParser accepts standard 5-field cron expressions, matching the
// scheduler's parser.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// handleSchedule registers a cron-scheduled workflow job.
func (s *ArborServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowName, err := req.RequireString("workflow_name")
	if err != nil {
		return mcp.NewToolResultError("workflow_name is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	schedule, parseErr := scheduleParser.Parse(cronExpr)
	if parseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", parseErr)), nil
	}

	now := time.Now().UTC()
	next := schedule.Next(now)
	job := &store.ScheduledJob{
		ID:             uuid.New().String(),
		WorkflowName:   workflowName,
		CronExpression: cronExpr,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if params := mcp.ParseStringMap(req, "params", nil); params != nil {
		if raw, err := json.Marshal(params); err == nil {
			job.Params = raw
		}
	}

	if createErr := s.store.CreateScheduledJob(ctx, job); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create scheduled job: %v", createErr)), nil
	}
	return marshalResult(map[string]any{
		"job_id":      job.ID,
		"next_run_at": next,
	})
}

// handleQuery lists runs, events, or scheduled jobs based on filters.
func (s *ArborServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "jobs":
		return s.queryJobs(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *ArborServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if name, ok := filter["workflow_name"].(string); ok {
		rf.WorkflowName = name
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *ArborServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if nodeID, ok := filter["node_id"].(string); ok {
		ef.NodeID = nodeID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.RunID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *ArborServer) queryJobs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	jf := store.ScheduledJobFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		jf.Enabled = &enabled
	}

	jobs, err := s.store.ListScheduledJobs(ctx, jf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"jobs": jobs})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
