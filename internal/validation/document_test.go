package validation

import (
	"testing"

	"github.com/rendis/agentpipe/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlPipeline = `
id: triage
name: Ticket triage
version: 2
global_config:
  threshold: 0.7
steps:
  - id: intake
    variant: trigger
  - id: classify
    variant: agent
    agent_id: classifier
    max_retries: 0
    input_mapping:
      text: input.body
  - id: urgent
    variant: condition
    config:
      expression: classify.score > threshold
connections:
  - source: intake
    target: classify
  - source: classify
    target: urgent
    type: success
`

func TestDecodeDefinition_YAML(t *testing.T) {
	v := newJSONSchema(t)

	def, err := v.DecodeDefinition([]byte(yamlPipeline))
	require.NoError(t, err)

	assert.Equal(t, "triage", def.ID)
	assert.Equal(t, "2", def.Version)
	require.Len(t, def.Steps, 3)
	classify, ok := def.Step("classify")
	require.True(t, ok)
	assert.Equal(t, 0, classify.Retries())
	assert.Equal(t, schema.ConnSuccess, def.Connections[1].Kind())

	report := newValidator(t).Validate(def)
	assert.True(t, report.Valid(), "%+v", report.Errors)
}

func TestDecodeDefinition_JSON(t *testing.T) {
	v := newJSONSchema(t)

	def, err := v.DecodeDefinition([]byte(`{"id":"j","steps":[{"id":"s","variant":"delay","config":{"seconds":1}}]}`))
	require.NoError(t, err)
	step, _ := def.Step("s")
	secs, _ := step.Config.Get("seconds")
	assert.True(t, secs.Equal(schema.Int(1)))
}

func TestDecodeDefinition_Errors(t *testing.T) {
	v := newJSONSchema(t)

	for name, doc := range map[string]string{
		"empty":      "  ",
		"not yaml":   "id: [unclosed",
		"scalar":     "just text",
		"bad shape":  `{"id":"x","steps":"nope"}`,
		"unknown key": "id: x\nsteps: []\nowner: me\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.DecodeDefinition([]byte(doc))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		})
	}
}
