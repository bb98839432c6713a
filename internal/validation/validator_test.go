package validation

import (
	"testing"

	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *PipelineValidator {
	t.Helper()
	v, err := NewPipelineValidator(nil)
	require.NoError(t, err)
	return v
}

func cfg(fields map[string]schema.Value) schema.Value { return schema.Mapping(fields) }

// linearPipeline is start(trigger) -> work(agent) -> notify(webhook).
func linearPipeline() *schema.PipelineDefinition {
	return &schema.PipelineDefinition{
		ID: "linear",
		Steps: []*schema.Step{
			{ID: "start", Variant: schema.VariantTrigger},
			{ID: "work", Variant: schema.VariantAgent, AgentID: "summarizer"},
			{ID: "notify", Variant: schema.VariantWebhook, Config: cfg(map[string]schema.Value{
				"url": schema.String("https://hooks.example.com/${{ input.channel }}"),
			})},
		},
		Connections: []*schema.Connection{
			{Source: "start", Target: "work"},
			{Source: "work", Target: "notify"},
		},
	}
}

func issueCodes(issues []schema.ValidationIssue) []string {
	codes := make([]string, 0, len(issues))
	for _, i := range issues {
		codes = append(codes, i.Code)
	}
	return codes
}

func TestValidate_ValidLinearPipeline(t *testing.T) {
	report := newValidator(t).Validate(linearPipeline())
	assert.True(t, report.Valid(), "%+v", report.Errors)
	assert.Empty(t, report.Warnings)
}

func TestValidate_NilDefinition(t *testing.T) {
	report := newValidator(t).Validate(nil)
	assert.False(t, report.Valid())
}

func TestValidate_DuplicateAndMissingIDs(t *testing.T) {
	def := linearPipeline()
	def.Steps = append(def.Steps, &schema.Step{ID: "work", Variant: schema.VariantAgent, AgentID: "x"}, &schema.Step{Variant: schema.VariantDelay})

	report := newValidator(t).Validate(def)
	codes := issueCodes(report.Errors)
	assert.Contains(t, codes, schema.IssueDuplicateStepID)
	assert.Contains(t, codes, schema.IssueMissingStepID)
}

func TestValidate_DanglingConnection(t *testing.T) {
	def := linearPipeline()
	def.Connections = append(def.Connections, &schema.Connection{ID: "c9", Source: "notify", Target: "ghost"})

	report := newValidator(t).Validate(def)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, schema.IssueDanglingConnection, report.Errors[0].Code)
	assert.Equal(t, "c9", report.Errors[0].ConnectionID)
}

func TestValidate_UnknownVariantAndConnectionType(t *testing.T) {
	def := linearPipeline()
	def.Steps[1].Variant = "shell"
	def.Connections[0].Type = "maybe"

	report := newValidator(t).Validate(def)
	codes := issueCodes(report.Errors)
	assert.Contains(t, codes, schema.IssueUnknownVariant)
	assert.Contains(t, codes, schema.IssueUnknownConnectionType)
}

func TestValidate_NoEntryStep(t *testing.T) {
	def := &schema.PipelineDefinition{
		ID: "ring",
		Steps: []*schema.Step{
			{ID: "a", Variant: schema.VariantAgent, AgentID: "x"},
			{ID: "b", Variant: schema.VariantAgent, AgentID: "x"},
		},
		Connections: []*schema.Connection{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}

	report := newValidator(t).Validate(def)
	codes := issueCodes(report.Errors)
	assert.Contains(t, codes, schema.IssueNoEntryStep)
	assert.Contains(t, codes, schema.IssueCycle)
}

func TestValidate_CycleBehindEntry(t *testing.T) {
	def := linearPipeline()
	def.Connections = append(def.Connections, &schema.Connection{Source: "notify", Target: "work", Type: schema.ConnSuccess})

	report := newValidator(t).Validate(def)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, schema.IssueCycle, report.Errors[0].Code)
	assert.Contains(t, report.Errors[0].Message, "notify")
	assert.Contains(t, report.Errors[0].Message, "work")
}

func TestValidate_LoopBackEdgeIsNotACycle(t *testing.T) {
	def := &schema.PipelineDefinition{
		ID: "loop",
		Steps: []*schema.Step{
			{ID: "start", Variant: schema.VariantTrigger},
			{ID: "each", Variant: schema.VariantLoop, Config: cfg(map[string]schema.Value{
				"items":          schema.String("documents"),
				"max_iterations": schema.Int(20),
			})},
			{ID: "summarize", Variant: schema.VariantAgent, AgentID: "summarizer"},
		},
		Connections: []*schema.Connection{
			{Source: "start", Target: "each"},
			{Source: "each", Target: "summarize"},
			{Source: "summarize", Target: "each"},
		},
	}

	report := newValidator(t).Validate(def)
	assert.True(t, report.Valid(), "%+v", report.Errors)
}

func TestValidate_LoopBounds(t *testing.T) {
	for _, n := range []schema.Value{schema.Int(0), schema.Int(MaxLoopIterations + 1), schema.String("many")} {
		def := &schema.PipelineDefinition{
			ID: "loop",
			Steps: []*schema.Step{
				{ID: "each", Variant: schema.VariantLoop, Config: cfg(map[string]schema.Value{"max_iterations": n})},
				{ID: "body", Variant: schema.VariantDelay, Config: cfg(map[string]schema.Value{"seconds": schema.Int(0)})},
			},
			Connections: []*schema.Connection{{Source: "each", Target: "body"}},
		}
		report := newValidator(t).Validate(def)
		assert.Equal(t, []string{schema.IssueUnboundedLoop}, issueCodes(report.Errors), n.String())
	}
}

func TestValidate_LoopBodyRestrictions(t *testing.T) {
	def := &schema.PipelineDefinition{
		ID: "loop",
		Steps: []*schema.Step{
			{ID: "start", Variant: schema.VariantTrigger},
			{ID: "each", Variant: schema.VariantLoop},
			{ID: "review", Variant: schema.VariantHumanApproval},
		},
		Connections: []*schema.Connection{
			{Source: "start", Target: "each"},
			{Source: "each", Target: "review"},
			{Source: "start", Target: "review", Type: schema.ConnTrigger},
		},
	}

	report := newValidator(t).Validate(def)
	codes := issueCodes(report.Errors)
	assert.Len(t, codes, 2)
	assert.Equal(t, schema.IssueInvalidConfig, codes[0])
}

func TestValidate_EmptyLoopBodyWarns(t *testing.T) {
	def := &schema.PipelineDefinition{
		ID:    "loop",
		Steps: []*schema.Step{{ID: "each", Variant: schema.VariantLoop}},
	}
	report := newValidator(t).Validate(def)
	assert.True(t, report.Valid())
	assert.Equal(t, []string{schema.IssueInvalidConfig}, issueCodes(report.Warnings))
}

func TestValidate_VariantConfig(t *testing.T) {
	def := &schema.PipelineDefinition{
		ID: "configs",
		Steps: []*schema.Step{
			{ID: "start", Variant: schema.VariantTrigger},
			{ID: "agent", Variant: schema.VariantAgent},
			{ID: "cond", Variant: schema.VariantCondition},
			{ID: "wait", Variant: schema.VariantDelay, Config: cfg(map[string]schema.Value{"duration": schema.String("soon")})},
			{ID: "hook", Variant: schema.VariantWebhook, Config: cfg(map[string]schema.Value{"method": schema.String("TRACE")})},
		},
	}

	report := newValidator(t).Validate(def)
	byStep := map[string]string{}
	for _, issue := range report.Errors {
		byStep[issue.StepID] = issue.Code
	}
	assert.Equal(t, schema.IssueInvalidConfig, byStep["agent"])
	assert.Equal(t, schema.IssueInvalidConfig, byStep["cond"])
	assert.Equal(t, schema.IssueInvalidConfig, byStep["wait"])
	assert.Equal(t, schema.IssueInvalidConfig, byStep["hook"])
	assert.Len(t, report.Errors, 5, "webhook reports missing url and bad method")
}

func TestValidate_Expressions(t *testing.T) {
	def := linearPipeline()
	def.GlobalConfig = cfg(map[string]schema.Value{"threshold": schema.Number(0.5)})
	def.Steps[1].Condition = "input.priority > threshold"
	def.Connections[1].Condition = "work.score >"
	def.Steps = append(def.Steps, &schema.Step{ID: "route", Variant: schema.VariantCondition,
		Config: cfg(map[string]schema.Value{"expression": schema.String("unknown_name.flag")})})
	def.Connections = append(def.Connections, &schema.Connection{Source: "work", Target: "route"})

	report := newValidator(t).Validate(def)
	codes := issueCodes(report.Errors)
	assert.Equal(t, []string{schema.IssueInvalidExpression, schema.IssueInvalidExpression}, codes)
}

func TestValidate_ExprEngineAcceptsUnknownNames(t *testing.T) {
	ev, err := expressions.NewEvaluator(expressions.NewExprEngine())
	require.NoError(t, err)
	v, err := NewPipelineValidator(ev)
	require.NoError(t, err)

	def := linearPipeline()
	def.Steps[1].Condition = "unknown_name.flag"
	assert.True(t, v.Validate(def).Valid())
}

func TestValidate_Mappings(t *testing.T) {
	def := linearPipeline()
	def.Steps[1].InputMapping = map[string]string{"text": "start.body", "bad": "a[x]"}
	def.Steps[1].OutputMapping = map[string]string{"summary": "jq:.summary |"}
	def.Connections[0].DataMapping = map[string]string{"doc": "jq:.["}

	report := newValidator(t).Validate(def)
	assert.Equal(t, []string{schema.IssueInvalidMapping, schema.IssueInvalidMapping, schema.IssueInvalidMapping}, issueCodes(report.Errors))
}

func TestValidate_WebhookUnknownReference(t *testing.T) {
	def := linearPipeline()
	def.Steps[2].Config = cfg(map[string]schema.Value{
		"url":     schema.String("https://x/${{ ghost.id }}"),
		"headers": cfg(map[string]schema.Value{"Authorization": schema.String("Bearer ${{ secrets.TOKEN }}")}),
	})

	report := newValidator(t).Validate(def)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Message, "ghost")
}

func TestValidate_UnreachableStepWarns(t *testing.T) {
	def := linearPipeline()
	def.Steps = append(def.Steps, &schema.Step{ID: "island", Variant: schema.VariantAgent, AgentID: "x"},
		&schema.Step{ID: "lagoon", Variant: schema.VariantAgent, AgentID: "x"})
	def.Connections = append(def.Connections, &schema.Connection{Source: "island", Target: "lagoon", Type: schema.ConnTrigger})

	report := newValidator(t).Validate(def)
	assert.True(t, report.Valid(), "unreachable steps are warnings only")
	require.Len(t, report.Warnings, 2)
	assert.Equal(t, "island", report.Warnings[0].StepID)
	assert.Equal(t, schema.IssueUnreachableStep, report.Warnings[1].Code)
}

func TestValidate_FieldRanges(t *testing.T) {
	def := linearPipeline()
	neg := -1
	def.Steps[1].MaxRetries = &neg
	def.Steps[1].TimeoutSeconds = -5
	def.Steps[1].Backoff = &schema.BackoffPolicy{Strategy: "random", Delay: "fast"}

	report := newValidator(t).Validate(def)
	assert.Len(t, report.Errors, 4)
}

func TestTopologicalOrder(t *testing.T) {
	def := linearPipeline()
	order, ok := TopologicalOrder(def)
	require.True(t, ok)
	assert.Equal(t, []string{"start", "work", "notify"}, order)

	def.Connections = append(def.Connections, &schema.Connection{Source: "notify", Target: "start"})
	_, ok = TopologicalOrder(def)
	assert.False(t, ok)
}
