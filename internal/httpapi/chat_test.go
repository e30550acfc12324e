package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnthropicRequest_ResolvesModelAndGeneratesConversationID(t *testing.T) {
	body := []byte(`{"model":"claude-opus-4-1-20250805","messages":[{"role":"user","content":"hi"}]}`)
	req, streaming, err := parseAnthropicRequest(body)
	require.NoError(t, err)
	assert.False(t, streaming)
	assert.Equal(t, "claude-opus-4.5", req.Model)
	assert.NotEmpty(t, req.ConversationID)
}

func TestParseAnthropicRequest_KeepsCallerSuppliedConversationID(t *testing.T) {
	body := []byte(`{"model":"claude-opus-4-1-20250805","conversation_id":"cid-123","messages":[{"role":"user","content":"hi"}]}`)
	req, _, err := parseAnthropicRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "cid-123", req.ConversationID)
}

func TestParseAnthropicRequest_ParsesThinkingField(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4","thinking":{"type":"enabled","budget_tokens":4000},"messages":[{"role":"user","content":"hi"}]}`)
	req, _, err := parseAnthropicRequest(body)
	require.NoError(t, err)
	assert.True(t, req.ThinkingHint)
}

func TestParseAnthropicRequest_ParsesImageBlockWithMediaType(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}}
	]}]}`)
	req, _, err := parseAnthropicRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Images, 1)
	assert.Equal(t, "png", req.Messages[0].Images[0].Format)
	assert.Equal(t, "AAAA", req.Messages[0].Images[0].Data)
}

func TestParseOpenAIRequest_ParsesImageURLDataBlock(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/jpeg;base64,QUFB"}}
	]}]}`)
	req, _, err := parseOpenAIRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Images, 1)
	assert.Equal(t, "jpeg", req.Messages[0].Images[0].Format)
	assert.Equal(t, "QUFB", req.Messages[0].Images[0].Data)
	assert.Equal(t, "what is this", req.Messages[0].Text)
}

func TestParseOpenAIRequest_ParsesAttachmentDataURL(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"look","attachments":[{"url":"data:image/png;base64,QkJC"}]}]}`)
	req, _, err := parseOpenAIRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Images, 1)
	assert.Equal(t, "png", req.Messages[0].Images[0].Format)
}

func TestDataURLPayload_RejectsNonBase64Encoding(t *testing.T) {
	_, _, ok := dataURLPayload("data:image/png;utf8,not-base64")
	assert.False(t, ok)
}

func TestDataURLPayload_RejectsNonDataURL(t *testing.T) {
	_, _, ok := dataURLPayload("https://example.com/image.png")
	assert.False(t, ok)
}
