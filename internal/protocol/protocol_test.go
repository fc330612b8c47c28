package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ok := true
	original := Envelope{
		Type:      TypeCommandResult,
		CommandID: "abc-123",
		OK:        &ok,
		Result:    json.RawMessage(`{"value":42}`),
	}

	raw, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.CommandID, decoded.CommandID)
	assert.Equal(t, *original.OK, *decoded.OK)
	assert.JSONEq(t, string(original.Result), string(decoded.Result))
}

func TestDecodeMalformedFrameDoesNotPanic(t *testing.T) {
	_, err := Decode([]byte(`{not valid json`))
	assert.Error(t, err)
}

func TestDecodeMissingTypeIsError(t *testing.T) {
	_, err := Decode([]byte(`{"commandId":"x"}`))
	assert.Error(t, err)
}

func TestEncodeEmptyTypePanics(t *testing.T) {
	assert.Panics(t, func() {
		_, _ = Encode(Envelope{})
	})
}

func TestNewCommandExecuteShape(t *testing.T) {
	env := NewCommandExecute("id-1", "unity.ping", json.RawMessage(`{"a":1}`))
	raw, err := Encode(env)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, TypeCommandExecute, decoded["type"])
	assert.Equal(t, "id-1", decoded["commandId"])
	assert.Equal(t, "unity.ping", decoded["toolName"])
}

func TestCompilationResultRoundTrip(t *testing.T) {
	result := CompilationResult{
		Success:      true,
		Completed:    true,
		HasErrors:    false,
		ErrorCount:   0,
		WarningCount: 2,
		Warnings:     []string{"w1", "w2"},
	}
	raw, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded CompilationResult
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, result, decoded)
}
