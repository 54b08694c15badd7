package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyFinalEventKeepsFullMessage(t *testing.T) {
	ev := FinalEvent("s1", "")
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"full_message":""`)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Terminal())
	assert.False(t, decoded.Failed())
	assert.Equal(t, "", decoded.Reply())
}

func TestErrorEventHasNoFullMessage(t *testing.T) {
	data, err := json.Marshal(ErrorEvent("s1", errors.New("boom")))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "full_message")

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Failed())
	assert.Equal(t, "Error: boom", decoded.Message)
}

func TestEventKinds(t *testing.T) {
	cases := []struct {
		name     string
		ev       Event
		terminal bool
		failed   bool
	}{
		{name: "text so far", ev: TextEvent("s", "Hi"), terminal: false, failed: false},
		{name: "sentence", ev: IncrementalEvent("s", 0, "Hi.", nil, true), terminal: false, failed: false},
		{name: "greeting", ev: GreetingEvent("Welcome"), terminal: false, failed: false},
		{name: "final", ev: FinalEvent("s", "Hi."), terminal: true, failed: false},
		{name: "error", ev: ErrorEvent("s", errors.New("x")), terminal: true, failed: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.terminal, tc.ev.Terminal())
			assert.Equal(t, tc.failed, tc.ev.Failed())
		})
	}
}

func TestTextEventOmitsChunkIndex(t *testing.T) {
	data, err := json.Marshal(TextEvent("s1", "Hello"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "chunk_index")

	data, err = json.Marshal(IncrementalEvent("s1", 0, "Hello.", nil, false))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"chunk_index":0`)
}

func TestParseRole(t *testing.T) {
	for _, r := range []string{"system", "user", "assistant"} {
		got, err := ParseRole(r)
		require.NoError(t, err)
		assert.Equal(t, Role(r), got)
	}
	_, err := ParseRole("tool")
	assert.Error(t, err)
}
