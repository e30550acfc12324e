package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicEmitter_TextBlockSequence(t *testing.T) {
	var buf bytes.Buffer
	e := NewAnthropicEmitter(&buf, "msg_1", "claude-x")

	require.NoError(t, e.Start())
	require.NoError(t, e.OpenTextBlock())
	require.NoError(t, e.DeltaText("hello"))
	require.NoError(t, e.Stop("end_turn", 3))

	out := buf.String()
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, "event: ping")
	assert.Contains(t, out, "event: content_block_start")
	assert.Contains(t, out, "text_delta")
	assert.Contains(t, out, "event: content_block_stop")
	assert.Contains(t, out, "event: message_delta")
	assert.Contains(t, out, "event: message_stop")
}

func TestAnthropicEmitter_ToolUseBlock(t *testing.T) {
	var buf bytes.Buffer
	e := NewAnthropicEmitter(&buf, "msg_2", "claude-x")

	require.NoError(t, e.Start())
	require.NoError(t, e.OpenToolUseBlock("tool_1", "get_weather"))
	require.NoError(t, e.DeltaToolInput(`{"loc":"nyc"}`))
	require.NoError(t, e.Stop("tool_use", 5))

	out := buf.String()
	assert.Contains(t, out, "tool_use")
	assert.Contains(t, out, "input_json_delta")
}

func TestOpenAIEmitter_TextAndFinish(t *testing.T) {
	var buf bytes.Buffer
	e := NewOpenAIEmitter(&buf, "chatcmpl-1", "gpt-x", 12345)

	require.NoError(t, e.DeltaText("hi there"))
	require.NoError(t, e.Finish("stop"))

	out := buf.String()
	assert.Contains(t, out, "chat.completion.chunk")
	assert.Contains(t, out, "hi there")
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestOpenAIEmitter_ToolCallDelta(t *testing.T) {
	var buf bytes.Buffer
	e := NewOpenAIEmitter(&buf, "chatcmpl-2", "gpt-x", 12345)

	require.NoError(t, e.DeltaToolCall(0, "call_1", "get_weather", `{"loc":`))
	out := buf.String()
	assert.Contains(t, out, "tool_calls")
	assert.Contains(t, out, "get_weather")
}
