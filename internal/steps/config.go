package steps

import (
	"strings"

	"github.com/rendis/agentpipe/pkg/schema"
)

// Config helpers shared by the executors. Validation already rejected
// ill-typed values, so lookups fall back to defaults quietly.

func configString(step *schema.Step, key, defaultVal string) string {
	v, ok := step.Config.Get(key)
	if !ok {
		return defaultVal
	}
	s, ok := v.AsString()
	if !ok || strings.TrimSpace(s) == "" {
		return defaultVal
	}
	return strings.TrimSpace(s)
}

func configNumber(step *schema.Step, key string) (float64, bool) {
	v, ok := step.Config.Get(key)
	if !ok {
		return 0, false
	}
	return v.AsNumber()
}

func configInt(step *schema.Step, key string, defaultVal int) int {
	n, ok := configNumber(step, key)
	if !ok {
		return defaultVal
	}
	return int(n)
}
