package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentpipe/internal/store"
	"github.com/rendis/agentpipe/pkg/schema"
)

// eventsByType is implemented by stores that index events by type.
type eventsByType interface {
	GetEventsByType(ctx context.Context, eventType string, limit int) ([]*schema.Event, error)
}

// handleTrigger starts an execution of a stored pipeline.
func (s *Server) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineID, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}
	triggeredBy := req.GetString("triggered_by", "")

	headers, err := stringMap(mcp.ParseStringMap(req, "callback_headers", nil))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid callback_headers: %v", err)), nil
	}

	treq := &schema.TriggerRequest{
		PipelineID:      pipelineID,
		Input:           argValue(req, "input"),
		TriggeredBy:     triggeredBy,
		ExecutionMode:   schema.ExecutionMode(req.GetString("execution_mode", "")),
		Overrides:       argValue(req, "overrides"),
		CallbackURL:     req.GetString("callback_url", ""),
		CallbackHeaders: headers,
	}

	// Capture session mapping for notifications.
	s.captureSession(ctx, triggeredBy)

	exec, trigErr := s.intake.Trigger(ctx, treq)
	if trigErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trigger failed: %v", trigErr)), nil
	}
	if !exec.Status.IsTerminal() {
		s.watch(exec.ExecutionID, triggeredBy)
	}
	return marshalResult(exec)
}

// handleStatus returns the current record of an execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, statusErr := s.intake.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	if !req.GetBool("progress", false) {
		return marshalResult(exec)
	}

	progress, progErr := s.intake.Progress(ctx, executionID)
	if progErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("progress query failed: %v", progErr)), nil
	}
	return marshalResult(map[string]any{
		"execution": exec,
		"progress":  progress,
	})
}

// handleApprove delivers a decision to a waiting approval step and returns
// the record once the execution settles again.
func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}

	areq := &schema.ApprovalRequest{
		ExecutionID: executionID,
		StepID:      stepID,
		Decision:    schema.ApprovalDecision(decision),
		DecidedBy:   req.GetString("decided_by", ""),
		Comment:     req.GetString("comment", ""),
	}
	if vErr := areq.Validate(); vErr != nil {
		return mcp.NewToolResultError(vErr.Error()), nil
	}

	exec, approveErr := s.intake.Approve(ctx, areq)
	if approveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval failed: %v", approveErr)), nil
	}
	return marshalResult(exec)
}

// handleCancel stops an execution and returns its final record.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if cancelErr := s.intake.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	exec, statusErr := s.intake.Status(ctx, executionID)
	if statusErr != nil {
		return marshalResult(map[string]any{
			"execution_id": executionID,
			"status":       schema.ExecutionCancelled,
		})
	}
	return marshalResult(exec)
}

// handleValidate returns the validation report of a definition.
func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := s.decodeDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	return marshalResult(s.validator.Validate(def))
}

// handleDefine validates a definition and stores it under its id.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := s.decodeDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	s.captureSession(ctx, req.GetString("triggered_by", ""))

	report := s.validator.Validate(def)
	if !report.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid pipeline: %v", report.ToError())), nil
	}
	if err := s.store.PutPipeline(ctx, def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store pipeline: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"pipeline_id": def.ID,
		"version":     def.Version,
		"warnings":    report.Warnings,
	})
}

// decodeDefinition converts the definition argument into a typed definition,
// checking its document shape first.
func (s *Server) decodeDefinition(req mcp.CallToolRequest) (*schema.PipelineDefinition, *mcp.CallToolResult) {
	if s.validator == nil {
		return nil, mcp.NewToolResultError("validator is not configured")
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return nil, mcp.NewToolResultError("definition is required")
	}
	data, err := json.Marshal(defRaw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	def, err := s.validator.Schemas().DecodeDefinition(data)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return def, nil
}

// handleQuery lists stored resources.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "pipelines":
		return s.queryPipelines(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "agents":
		return s.queryAgents(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource: %s", resource)), nil
	}
}

func (s *Server) queryPipelines(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query pipelines failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"pipelines": limit(pipelines, extractInt(filter, "limit", 50))})
}

func (s *Server) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if pipelineID, ok := filter["pipeline_id"].(string); ok {
		f.PipelineID = pipelineID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		f.Status = schema.ExecutionStatus(status)
	}

	executions, err := s.store.ListExecutions(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query executions failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	n := extractInt(filter, "limit", 100)
	executionID, _ := filter["execution_id"].(string)
	eventType, _ := filter["event_type"].(string)

	if executionID == "" {
		if eventType == "" {
			return mcp.NewToolResultError("events query requires execution_id or event_type"), nil
		}
		byType, ok := s.store.(eventsByType)
		if !ok {
			return mcp.NewToolResultError("store does not support event type queries"), nil
		}
		events, err := byType.GetEventsByType(ctx, eventType, n)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query events failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	events, err := s.store.GetEvents(ctx, executionID, int64(extractInt(filter, "since", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query events failed: %v", err)), nil
	}
	if eventType != "" {
		filtered := make([]*schema.Event, 0, len(events))
		for _, e := range events {
			if e.Type == eventType {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	return marshalResult(map[string]any{"events": limit(events, n)})
}

func (s *Server) queryAgents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query agents failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"agents": limit(agents, extractInt(filter, "limit", 50))})
}

func (s *Server) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	var f store.ScheduleFilter
	if pipelineID, ok := filter["pipeline_id"].(string); ok {
		f.PipelineID = pipelineID
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		f.Enabled = &enabled
	}
	schedules, err := s.store.ListSchedules(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query schedules failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": limit(schedules, extractInt(filter, "limit", 50))})
}

// --- Helpers ---

// argValue converts a raw tool argument into a Value; absent means null.
func argValue(req mcp.CallToolRequest, key string) schema.Value {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return schema.Null()
	}
	return schema.FromNative(raw)
}

// stringMap narrows an object argument to string values.
func stringMap(m map[string]any) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a string", k)
		}
		out[k] = str
	}
	return out, nil
}

// limit truncates a slice to n entries when n is positive.
func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	if items == nil {
		return []T{}
	}
	return items
}

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

// captureSession maps the caller to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, caller string) {
	if caller == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(caller, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
