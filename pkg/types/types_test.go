package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentBlocksBareStringRoundTrip(t *testing.T) {
	msg := Message{Content: ContentBlocks{{Type: BlockText, Text: "hi"}}}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"content":"hi"`)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "hi", decoded.Content.Text())
}

func TestContentBlocksListRoundTrip(t *testing.T) {
	msg := Message{Content: ContentBlocks{
		{Type: BlockText, Text: "part one"},
		{Type: BlockToolUse, ID: "t1", Name: "bash", Input: map[string]any{"cmd": "ls"}},
	}}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Content, 2)
	assert.Equal(t, "part one", decoded.Content[0].Text)
	assert.Equal(t, "bash", decoded.Content[1].Name)
}

func TestSessionResumable(t *testing.T) {
	s := &Session{Status: SessionActive}
	assert.False(t, s.Resumable())

	s.BackendSessionID = "b1"
	assert.True(t, s.Resumable())

	s.Status = SessionEnded
	assert.False(t, s.Resumable())
}
