package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

var sseBufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

var (
	sseEventPrefix = []byte("event: ")
	sseDataPrefix  = []byte("data: ")
	sseSuffix      = []byte("\n\n")
	sseDoneMarker  = []byte("data: [DONE]\n\n")
)

// WriteNamedEvent writes an SSE frame with both an "event:" line and a
// "data:" line, the shape Anthropic's streaming API uses.
func WriteNamedEvent(w io.Writer, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	buf := sseBufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		sseBufferPool.Put(buf)
	}()
	buf.Reset()
	buf.Write(sseEventPrefix)
	buf.WriteString(event)
	buf.WriteByte('\n')
	buf.Write(sseDataPrefix)
	buf.Write(payload)
	buf.Write(sseSuffix)
	_, err = w.Write(buf.Bytes())
	return err
}

// WriteDataEvent writes a bare "data:" SSE frame, the shape OpenAI's
// chat completion chunks use.
func WriteDataEvent(w io.Writer, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	buf := sseBufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		sseBufferPool.Put(buf)
	}()
	buf.Reset()
	buf.Write(sseDataPrefix)
	buf.Write(payload)
	buf.Write(sseSuffix)
	_, err = w.Write(buf.Bytes())
	return err
}

// WriteDone writes the OpenAI-style terminal "[DONE]" marker.
func WriteDone(w io.Writer) error {
	_, err := w.Write(sseDoneMarker)
	return err
}

// AnthropicEmitter tracks the sequence of events an Anthropic
// /v1/messages stream must emit: message_start, content_block_start,
// one or more content_block_delta, content_block_stop,
// message_delta, message_stop (with an initial ping, matching the
// real API's keep-alive behavior).
type AnthropicEmitter struct {
	w             io.Writer
	blockIndex    int
	blockOpen     bool
	messageID     string
	model         string
}

// NewAnthropicEmitter constructs an emitter writing to w.
func NewAnthropicEmitter(w io.Writer, messageID, model string) *AnthropicEmitter {
	return &AnthropicEmitter{w: w, messageID: messageID, model: model}
}

// Start emits message_start and the keep-alive ping.
func (e *AnthropicEmitter) Start() error {
	if err := WriteNamedEvent(e.w, "message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         e.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	}); err != nil {
		return err
	}
	return WriteNamedEvent(e.w, "ping", map[string]any{"type": "ping"})
}

// OpenTextBlock opens a text content block at the next index.
func (e *AnthropicEmitter) OpenTextBlock() error {
	if e.blockOpen {
		if err := e.CloseBlock(); err != nil {
			return err
		}
	}
	e.blockOpen = true
	err := WriteNamedEvent(e.w, "content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         e.blockIndex,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	return err
}

// DeltaText emits a text_delta for the currently open block.
func (e *AnthropicEmitter) DeltaText(text string) error {
	if text == "" {
		return nil
	}
	return WriteNamedEvent(e.w, "content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.blockIndex,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

// OpenToolUseBlock opens a tool_use content block.
func (e *AnthropicEmitter) OpenToolUseBlock(toolUseID, name string) error {
	if e.blockOpen {
		if err := e.CloseBlock(); err != nil {
			return err
		}
	}
	e.blockOpen = true
	return WriteNamedEvent(e.w, "content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": e.blockIndex,
		"content_block": map[string]any{
			"type": "tool_use", "id": toolUseID, "name": name, "input": map[string]any{},
		},
	})
}

// DeltaToolInput emits a partial_json delta for the currently open
// tool_use block.
func (e *AnthropicEmitter) DeltaToolInput(partialJSON string) error {
	if partialJSON == "" {
		return nil
	}
	return WriteNamedEvent(e.w, "content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.blockIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": partialJSON},
	})
}

// CloseBlock emits content_block_stop and advances to the next index.
func (e *AnthropicEmitter) CloseBlock() error {
	if !e.blockOpen {
		return nil
	}
	err := WriteNamedEvent(e.w, "content_block_stop", map[string]any{
		"type": "content_block_stop", "index": e.blockIndex,
	})
	e.blockOpen = false
	e.blockIndex++
	return err
}

// Stop emits message_delta (with stop_reason/usage) then message_stop,
// closing any still-open block first.
func (e *AnthropicEmitter) Stop(stopReason string, outputTokens int) error {
	if e.blockOpen {
		if err := e.CloseBlock(); err != nil {
			return err
		}
	}
	if err := WriteNamedEvent(e.w, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": outputTokens},
	}); err != nil {
		return err
	}
	return WriteNamedEvent(e.w, "message_stop", map[string]any{"type": "message_stop"})
}

// OpenAIEmitter writes OpenAI-shaped chat.completion.chunk SSE frames.
type OpenAIEmitter struct {
	w         io.Writer
	id        string
	model     string
	created   int64
}

// NewOpenAIEmitter constructs an emitter writing to w.
func NewOpenAIEmitter(w io.Writer, id, model string, created int64) *OpenAIEmitter {
	return &OpenAIEmitter{w: w, id: id, model: model, created: created}
}

func (e *OpenAIEmitter) chunk(delta map[string]any, finishReason any) map[string]any {
	return map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []any{
			map[string]any{"index": 0, "delta": delta, "finish_reason": finishReason},
		},
	}
}

// DeltaText emits one content-delta chunk.
func (e *OpenAIEmitter) DeltaText(text string) error {
	if text == "" {
		return nil
	}
	return WriteDataEvent(e.w, e.chunk(map[string]any{"content": text}, nil))
}

// DeltaToolCall emits one tool_calls-array delta chunk for a single
// tool invocation at toolIndex.
func (e *OpenAIEmitter) DeltaToolCall(toolIndex int, toolUseID, name, argsPart string) error {
	entry := map[string]any{"index": toolIndex}
	if toolUseID != "" {
		entry["id"] = toolUseID
		entry["type"] = "function"
	}
	fn := map[string]any{}
	if name != "" {
		fn["name"] = name
	}
	if argsPart != "" {
		fn["arguments"] = argsPart
	}
	if len(fn) > 0 {
		entry["function"] = fn
	}
	return WriteDataEvent(e.w, e.chunk(map[string]any{"tool_calls": []any{entry}}, nil))
}

// Finish emits the terminal chunk with finish_reason then [DONE].
func (e *OpenAIEmitter) Finish(finishReason string) error {
	if err := WriteDataEvent(e.w, e.chunk(map[string]any{}, finishReason)); err != nil {
		return err
	}
	return WriteDone(e.w)
}
