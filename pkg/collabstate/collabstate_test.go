package collabstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNoBlock(t *testing.T) {
	result := Decode("just plain text")
	assert.Equal(t, "just plain text", result.CleanText)
	assert.False(t, result.HasState)
	assert.NoError(t, result.ParseError)
}

func TestDecodeWellFormedBlock(t *testing.T) {
	text := `Here is my answer.

<collab_state>{"phase":"explore","overlap_score":1.5,"turn_count":3,"active_threads":["a","b","c","d","e"],"close_signal":true,"confidence":0.9}</collab_state>`

	result := Decode(text)
	require.True(t, result.HasState)
	assert.NoError(t, result.ParseError)
	assert.Equal(t, "Here is my answer.", result.CleanText)
	require.NotNil(t, result.StatePatch)
	assert.Equal(t, PhaseExplore, result.StatePatch.Phase)
	require.NotNil(t, result.StatePatch.OverlapScore)
	assert.Equal(t, 1.0, *result.StatePatch.OverlapScore) // clamped to [0,1]
	require.NotNil(t, result.StatePatch.TurnCount)
	assert.Equal(t, 3, *result.StatePatch.TurnCount)
	assert.Len(t, result.StatePatch.ActiveThreads, 4) // truncated to 4
	assert.True(t, result.StatePatch.CloseSignal)
	require.NotNil(t, result.StatePatch.Confidence)
	assert.Equal(t, 0.9, *result.StatePatch.Confidence)
}

func TestDecodeMalformedJSONStillUsableText(t *testing.T) {
	text := "Answer text.\n<collab_state>{not json</collab_state>"

	result := Decode(text)
	assert.False(t, result.HasState)
	assert.Error(t, result.ParseError)
	assert.Equal(t, "Answer text.", result.CleanText)
}

func TestDecodeArrayRejected(t *testing.T) {
	text := "Answer.\n<collab_state>[1,2,3]</collab_state>"

	result := Decode(text)
	assert.False(t, result.HasState)
	assert.Error(t, result.ParseError)
}

func TestDecodeInvalidPhaseDropped(t *testing.T) {
	text := `Answer.
<collab_state>{"phase":"not_a_real_phase"}</collab_state>`

	result := Decode(text)
	require.True(t, result.HasState)
	assert.Empty(t, result.StatePatch.Phase)
}

func TestDecodeNegativeTurnCountClampedToZero(t *testing.T) {
	text := `Answer.
<collab_state>{"turn_count":-5}</collab_state>`

	result := Decode(text)
	require.True(t, result.HasState)
	require.NotNil(t, result.StatePatch.TurnCount)
	assert.Equal(t, 0, *result.StatePatch.TurnCount)
}
