package observability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactJSONNestedAndArrays(t *testing.T) {
	t.Parallel()
	in := map[string]any{
		"api_key": "secret123",
		"storage": map[string]any{
			"postgres_dsn": "postgres://user:pw@host/db",
			"bucket":       "blobs",
		},
		"providers": []any{
			map[string]any{"token": "tok"},
			"plain",
		},
		"note": "keepme",
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(RedactJSON(b), &out))

	assert.Equal(t, "[REDACTED]", out["api_key"])
	storage := out["storage"].(map[string]any)
	assert.Equal(t, "[REDACTED]", storage["postgres_dsn"])
	assert.Equal(t, "blobs", storage["bucket"])
	providers := out["providers"].([]any)
	assert.Equal(t, "[REDACTED]", providers[0].(map[string]any)["token"])
	assert.Equal(t, "plain", providers[1])
	assert.Equal(t, "keepme", out["note"])
}

func TestRedactJSONPassThrough(t *testing.T) {
	t.Parallel()
	assert.Nil(t, RedactJSON(nil))
	assert.Equal(t, "notjson", string(RedactJSON(json.RawMessage("notjson"))))
}
