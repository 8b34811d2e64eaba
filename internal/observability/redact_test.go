package observability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactJSONMasksSensitiveKeys(t *testing.T) {
	raw := json.RawMessage(`{"api_key":"sk-secret","model":"gpt-4.1","nested":{"Authorization":"Bearer xyz"}}`)
	red := RedactJSON(raw)

	var out map[string]any
	assert.NoError(t, json.Unmarshal(red, &out))
	assert.Equal(t, "[REDACTED]", out["api_key"])
	assert.Equal(t, "gpt-4.1", out["model"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["Authorization"])
}

func TestRedactJSONPassesThroughInvalidPayload(t *testing.T) {
	raw := json.RawMessage(`not-json`)
	assert.Equal(t, raw, RedactJSON(raw))
}
