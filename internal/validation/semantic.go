package validation

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/pkg/schema"
)

// MaxLoopIterations caps the max_iterations a Loop step may declare.
const MaxLoopIterations = 10000

var webhookMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

var backoffStrategies = map[string]bool{
	"": true, "none": true, "constant": true, "linear": true, "exponential": true,
}

// validateSemantic checks ids, variants, connections, variant config,
// expressions and mappings. structural is true when ids or connection
// endpoints are broken, in which case graph analysis must be skipped.
func validateSemantic(def *schema.PipelineDefinition, ev *expressions.Evaluator, mapper *expressions.Mapper) (result *schema.ValidationReport, structural bool) {
	result = &schema.ValidationReport{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if s == nil {
			result.AddError(fmt.Sprintf("steps[%d]", i), schema.IssueMissingStepID, "step is null")
			structural = true
			continue
		}
		if strings.TrimSpace(s.ID) == "" {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.IssueMissingStepID, "step id is required")
			structural = true
			continue
		}
		if stepIDs[s.ID] {
			result.AddStepError(s.ID, schema.IssueDuplicateStepID, fmt.Sprintf("duplicate step id %q", s.ID))
			structural = true
			continue
		}
		stepIDs[s.ID] = true
	}

	names := scopeNames(def)

	connIDs := make(map[string]bool, len(def.Connections))
	for i, c := range def.Connections {
		if c == nil {
			result.AddError(fmt.Sprintf("connections[%d]", i), schema.IssueDanglingConnection, "connection is null")
			structural = true
			continue
		}
		label := c.Label()
		if c.ID != "" {
			if connIDs[c.ID] {
				result.AddConnectionError(c.ID, schema.IssueDuplicateConnectionID, fmt.Sprintf("duplicate connection id %q", c.ID))
			}
			connIDs[c.ID] = true
		}
		if !stepIDs[c.Source] {
			result.AddConnectionError(label, schema.IssueDanglingConnection, fmt.Sprintf("source step %q does not exist", c.Source))
			structural = true
		}
		if !stepIDs[c.Target] {
			result.AddConnectionError(label, schema.IssueDanglingConnection, fmt.Sprintf("target step %q does not exist", c.Target))
			structural = true
		}
		if !c.Kind().Known() {
			result.AddConnectionError(label, schema.IssueUnknownConnectionType, fmt.Sprintf("unknown connection type %q", c.Type))
		}
		if c.Condition != "" {
			if err := ev.Check(c.Condition, names); err != nil {
				result.AddConnectionError(label, schema.IssueInvalidExpression, err.Error())
			}
		}
		for target, source := range c.DataMapping {
			if err := mapper.Check(source); err != nil {
				result.AddConnectionError(label, schema.IssueInvalidMapping,
					fmt.Sprintf("data_mapping[%s]: %s", target, err.Error()))
			}
		}
	}

	for _, s := range def.Steps {
		if s == nil || s.ID == "" {
			continue
		}
		validateStep(s, names, ev, mapper, result)
	}

	if !structural {
		validateLoopBodies(def, result)
	}
	return result, structural
}

// validateStep checks fields shared by every variant, then the variant's config.
func validateStep(s *schema.Step, names []string, ev *expressions.Evaluator, mapper *expressions.Mapper, result *schema.ValidationReport) {
	if !s.Variant.Known() {
		result.AddStepError(s.ID, schema.IssueUnknownVariant, fmt.Sprintf("unknown step variant %q", s.Variant))
		return
	}
	if s.TimeoutSeconds < 0 {
		result.AddStepError(s.ID, schema.IssueInvalidConfig, "timeout_seconds must not be negative")
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		result.AddStepError(s.ID, schema.IssueInvalidConfig, "max_retries must not be negative")
	}
	if s.MaxRetries != nil && *s.MaxRetries > 10 {
		result.AddWarning(s.ID, schema.IssueInvalidConfig,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", *s.MaxRetries))
	}
	if s.Backoff != nil {
		validateBackoff(s, result)
	}
	if s.Condition != "" {
		if err := ev.Check(s.Condition, names); err != nil {
			result.AddStepError(s.ID, schema.IssueInvalidExpression, "condition: "+err.Error())
		}
	}
	for _, target := range sortedMappingKeys(s.InputMapping) {
		if err := mapper.Check(s.InputMapping[target]); err != nil {
			result.AddStepError(s.ID, schema.IssueInvalidMapping, fmt.Sprintf("input_mapping[%s]: %s", target, err.Error()))
		}
	}
	for _, port := range sortedMappingKeys(s.OutputMapping) {
		if err := mapper.Check(s.OutputMapping[port]); err != nil {
			result.AddStepError(s.ID, schema.IssueInvalidMapping, fmt.Sprintf("output_mapping[%s]: %s", port, err.Error()))
		}
	}
	if s.Config.Kind() != schema.KindNull && s.Config.Kind() != schema.KindMapping {
		result.AddStepError(s.ID, schema.IssueInvalidConfig, "config must be a mapping")
		return
	}

	switch s.Variant {
	case schema.VariantAgent:
		if s.AgentID == "" && configString(s, "agent_id") == "" {
			result.AddStepError(s.ID, schema.IssueInvalidConfig, "agent step requires agent_id")
		}
	case schema.VariantCondition:
		expr := configString(s, "expression")
		if expr == "" {
			result.AddStepError(s.ID, schema.IssueInvalidConfig, "condition step requires config.expression")
		} else if err := ev.Check(expr, names); err != nil {
			result.AddStepError(s.ID, schema.IssueInvalidExpression, "config.expression: "+err.Error())
		}
	case schema.VariantLoop:
		validateLoopConfig(s, mapper, result)
	case schema.VariantParallel:
		if n, ok := configNumber(s, "max_concurrency"); ok && n < 0 {
			result.AddStepError(s.ID, schema.IssueInvalidConfig, "max_concurrency must not be negative")
		}
	case schema.VariantDelay:
		validateDelayConfig(s, result)
	case schema.VariantWebhook:
		validateWebhookConfig(s, names, result)
	}
}

func validateBackoff(s *schema.Step, result *schema.ValidationReport) {
	if !backoffStrategies[s.Backoff.Strategy] {
		result.AddStepError(s.ID, schema.IssueInvalidConfig, fmt.Sprintf("unknown backoff strategy %q", s.Backoff.Strategy))
	}
	for field, val := range map[string]string{"delay": s.Backoff.Delay, "max_delay": s.Backoff.MaxDelay} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			result.AddStepError(s.ID, schema.IssueInvalidConfig, fmt.Sprintf("backoff.%s: %s", field, err.Error()))
		}
	}
}

func validateLoopConfig(s *schema.Step, mapper *expressions.Mapper, result *schema.ValidationReport) {
	if v, ok := s.Config.Get("max_iterations"); ok {
		n, isNum := v.AsNumber()
		switch {
		case !isNum:
			result.AddStepError(s.ID, schema.IssueUnboundedLoop, "max_iterations must be a number")
		case n <= 0:
			result.AddStepError(s.ID, schema.IssueUnboundedLoop, "max_iterations must be positive")
		case n > MaxLoopIterations:
			result.AddStepError(s.ID, schema.IssueUnboundedLoop,
				fmt.Sprintf("max_iterations %v exceeds the limit of %d", n, MaxLoopIterations))
		}
	}
	if items := configString(s, "items"); items != "" {
		if err := mapper.Check(items); err != nil {
			result.AddStepError(s.ID, schema.IssueInvalidMapping, "config.items: "+err.Error())
		}
	}
}

func validateDelayConfig(s *schema.Step, result *schema.ValidationReport) {
	if d := configString(s, "duration"); d != "" {
		dur, err := time.ParseDuration(d)
		if err != nil {
			result.AddStepError(s.ID, schema.IssueInvalidConfig, "config.duration: "+err.Error())
		} else if dur < 0 {
			result.AddStepError(s.ID, schema.IssueInvalidConfig, "config.duration must not be negative")
		}
		return
	}
	if n, ok := configNumber(s, "seconds"); ok {
		if n < 0 {
			result.AddStepError(s.ID, schema.IssueInvalidConfig, "config.seconds must not be negative")
		}
		return
	}
	result.AddStepError(s.ID, schema.IssueInvalidConfig, "delay step requires config.duration or config.seconds")
}

func validateWebhookConfig(s *schema.Step, names []string, result *schema.ValidationReport) {
	url := configString(s, "url")
	if url == "" {
		result.AddStepError(s.ID, schema.IssueInvalidConfig, "webhook step requires config.url")
	}
	if m := configString(s, "method"); m != "" && !webhookMethods[strings.ToUpper(m)] {
		result.AddStepError(s.ID, schema.IssueInvalidConfig, fmt.Sprintf("unsupported webhook method %q", m))
	}
	if h, ok := s.Config.Get("headers"); ok && h.Kind() != schema.KindMapping && !h.IsNull() {
		result.AddStepError(s.ID, schema.IssueInvalidConfig, "config.headers must be a mapping")
	}

	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	for _, str := range expressions.StringsIn(s.Config) {
		for _, ref := range expressions.References(str) {
			if !known[ref] {
				result.AddStepError(s.ID, schema.IssueInvalidConfig,
					fmt.Sprintf("reference ${{ %s }} names neither a step, a config key nor a reserved name", ref))
			}
		}
	}
}

// validateLoopBodies checks the successor-based loop scope: body steps may
// only be entered from their loop, and cannot suspend or loop themselves.
func validateLoopBodies(def *schema.PipelineDefinition, result *schema.ValidationReport) {
	for _, s := range def.Steps {
		if s == nil || s.Variant != schema.VariantLoop {
			continue
		}
		body := def.LoopBody(s.ID)
		if len(body) == 0 {
			result.AddWarning(s.ID, schema.IssueInvalidConfig, "loop has no body: iterations return their items unchanged")
			continue
		}
		inBody := make(map[string]bool, len(body))
		for _, id := range body {
			inBody[id] = true
		}
		for _, id := range body {
			bs, _ := def.Step(id)
			switch bs.Variant {
			case schema.VariantHumanApproval:
				result.AddStepError(id, schema.IssueInvalidConfig, fmt.Sprintf("human_approval step cannot run inside loop %q", s.ID))
			case schema.VariantLoop:
				result.AddStepError(id, schema.IssueInvalidConfig, fmt.Sprintf("nested loop inside loop %q is not supported", s.ID))
			}
		}
		for _, c := range def.Connections {
			if c != nil && inBody[c.Target] && c.Source != s.ID {
				result.AddConnectionError(c.Label(), schema.IssueInvalidConfig,
					fmt.Sprintf("step %q is in the body of loop %q and can only be entered from it", c.Target, s.ID))
			}
		}
	}
}

// scopeNames lists every top-level name a condition may reference.
func scopeNames(def *schema.PipelineDefinition) []string {
	names := append([]string(nil), expressions.ReservedNames...)
	for _, s := range def.Steps {
		if s != nil && s.ID != "" {
			names = append(names, s.ID)
		}
	}
	names = append(names, def.GlobalConfig.Keys()...)
	return names
}

func configString(s *schema.Step, key string) string {
	v, ok := s.Config.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.AsString()
	return strings.TrimSpace(str)
}

func configNumber(s *schema.Step, key string) (float64, bool) {
	v, ok := s.Config.Get(key)
	if !ok {
		return 0, false
	}
	return v.AsNumber()
}

func sortedMappingKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
