package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/kiroq-gateway/gateway/internal/dispatch"
	apperrors "github.com/kiroq-gateway/gateway/internal/errors"
	"github.com/kiroq-gateway/gateway/internal/eventstream"
	"github.com/kiroq-gateway/gateway/internal/quota"
	"github.com/kiroq-gateway/gateway/internal/stream"
	"github.com/kiroq-gateway/gateway/internal/translate"
)

// handleOpenAIChatCompletions accepts an OpenAI-shaped request,
// translates it into conversationState, dispatches it to Kiro, and
// replays the result either as a single JSON body or, when the caller
// asked for stream:true, as an OpenAI-style SSE chunk sequence.
func (s *Server) handleOpenAIChatCompletions(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		writeAppError(c, apperrors.BadRequest("could not read request body", err))
		return
	}

	if !s.checkDedupe(c, raw) {
		return
	}

	buildReq, streaming, err := parseOpenAIRequest(raw)
	if err != nil {
		writeAppError(c, apperrors.BadRequest("invalid chat completion request", err))
		return
	}

	c.Header("X-Conversation-Id", buildReq.ConversationID)
	c.Header("X-ConversationId", buildReq.ConversationID)

	kiroBody, err := translate.BuildConversationState(buildReq)
	if err != nil {
		writeAppError(c, apperrors.InternalServerError("failed to build upstream request", err))
		return
	}

	sessionKey := quota.SessionKey(messageTexts(buildReq), c.GetHeader("x-user-id"))

	if !streaming {
		s.dispatchAndRespond(c, "/chat/completions", kiroBody, sessionKey, buildReq.Model, buildReq.ConversationID)
		return
	}

	s.dispatchAndStreamOpenAI(c, kiroBody, sessionKey, buildReq.Model)
}

// handleAnthropicMessages accepts an Anthropic /v1/messages-shaped
// request and behaves like handleOpenAIChatCompletions but replays in
// Claude's content-block SSE shape when streaming.
func (s *Server) handleAnthropicMessages(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		writeAppError(c, apperrors.BadRequest("could not read request body", err))
		return
	}

	if !s.checkDedupe(c, raw) {
		return
	}

	buildReq, streaming, err := parseAnthropicRequest(raw)
	if err != nil {
		writeAppError(c, apperrors.BadRequest("invalid messages request", err))
		return
	}

	c.Header("X-Conversation-Id", buildReq.ConversationID)
	c.Header("X-ConversationId", buildReq.ConversationID)

	kiroBody, err := translate.BuildConversationState(buildReq)
	if err != nil {
		writeAppError(c, apperrors.InternalServerError("failed to build upstream request", err))
		return
	}

	sessionKey := quota.SessionKey(messageTexts(buildReq), c.GetHeader("x-user-id"))

	if !streaming {
		s.dispatchAndRespond(c, "/messages", kiroBody, sessionKey, buildReq.Model, buildReq.ConversationID)
		return
	}

	s.dispatchAndStreamAnthropic(c, kiroBody, sessionKey, buildReq.Model)
}

func messageTexts(req translate.BuildRequest) []string {
	out := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		out = append(out, m.Text)
	}
	return out
}

// conversationID reads a caller-supplied conversation_id/conversationId
// off the request body, generating a fresh one when the caller starts
// a new conversation, so continuity across turns is the caller's
// choice rather than something the gateway has to remember itself.
func conversationID(root gjson.Result) string {
	if v := root.Get("conversation_id").String(); v != "" {
		return v
	}
	if v := root.Get("conversationId").String(); v != "" {
		return v
	}
	return uuid.NewString()
}

// thinkingEnabled reports whether the caller's "thinking" field turns
// on extended thinking: a bare true/"enabled" string, or an object
// carrying a positive budget_tokens.
func thinkingEnabled(root gjson.Result) bool {
	t := root.Get("thinking")
	if !t.Exists() {
		return false
	}
	switch t.Type {
	case gjson.True:
		return true
	case gjson.String:
		v := strings.ToLower(strings.TrimSpace(t.String()))
		return v == "enabled" || v == "true"
	case gjson.JSON:
		if t.Get("type").String() == "enabled" {
			return true
		}
		return t.Get("budget_tokens").Int() > 0
	}
	return false
}

// dataURLPayload splits a "data:<mime>;base64,<data>" URL into the
// image format (the mime subtype) and the base64 payload; ok is false
// for anything that isn't a base64 data URL.
func dataURLPayload(url string) (format, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	header, body, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime, encoding, _ := strings.Cut(header, ";")
	if encoding != "base64" {
		return "", "", false
	}
	format = formatFromMIME(mime)
	return format, body, true
}

func formatFromMIME(mime string) string {
	_, sub, found := strings.Cut(mime, "/")
	if !found {
		return mime
	}
	return sub
}

func parseOpenAIRequest(raw []byte) (translate.BuildRequest, bool, error) {
	root := gjson.ParseBytes(raw)
	if !root.Exists() {
		return translate.BuildRequest{}, false, apperrors.BadRequest("empty request body", nil)
	}

	req := translate.BuildRequest{
		Model:          translate.ResolveModel(root.Get("model").String()),
		ThinkingHint:   thinkingEnabled(root),
		ConversationID: conversationID(root),
	}

	for _, m := range root.Get("messages").Array() {
		role := m.Get("role").String()
		content := m.Get("content")

		if role == "system" {
			req.System = openAIContentText(content)
			continue
		}

		msg := translate.Message{
			Role:       role,
			ToolCallID: m.Get("tool_call_id").String(),
		}

		if content.IsArray() {
			var text strings.Builder
			for _, block := range content.Array() {
				switch block.Get("type").String() {
				case "image_url":
					url := block.Get("image_url.url").String()
					if format, data, ok := dataURLPayload(url); ok {
						msg.Images = append(msg.Images, translate.Image{Format: format, Data: data})
					}
				default:
					if t := block.Get("text").String(); t != "" {
						if text.Len() > 0 {
							text.WriteString("\n")
						}
						text.WriteString(t)
					}
				}
			}
			msg.Text = text.String()
		} else {
			msg.Text = content.String()
		}

		for _, att := range m.Get("attachments").Array() {
			url := att.Get("url").String()
			if format, data, ok := dataURLPayload(url); ok {
				msg.Images = append(msg.Images, translate.Image{Format: format, Data: data})
			}
		}

		req.Messages = append(req.Messages, msg)
	}

	for _, t := range root.Get("tools").Array() {
		fn := t.Get("function")
		req.Tools = append(req.Tools, translate.ToolSpec{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
			SchemaJSON:  fn.Get("parameters").Raw,
		})
	}

	return req, root.Get("stream").Bool(), nil
}

// openAIContentText collapses an OpenAI message's content, which may be
// a bare string or an array of {type:"text", text:...} blocks, into a
// single string.
func openAIContentText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var b strings.Builder
	for _, block := range content.Array() {
		if t := block.Get("text").String(); t != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t)
		}
	}
	return b.String()
}

func parseAnthropicRequest(raw []byte) (translate.BuildRequest, bool, error) {
	root := gjson.ParseBytes(raw)
	if !root.Exists() {
		return translate.BuildRequest{}, false, apperrors.BadRequest("empty request body", nil)
	}

	req := translate.BuildRequest{
		Model:          translate.ResolveModel(root.Get("model").String()),
		System:         root.Get("system").String(),
		ThinkingHint:   thinkingEnabled(root),
		ConversationID: conversationID(root),
	}

	for _, m := range root.Get("messages").Array() {
		role := m.Get("role").String()
		content := m.Get("content")
		if content.IsArray() {
			for _, block := range content.Array() {
				switch block.Get("type").String() {
				case "tool_result":
					req.Messages = append(req.Messages, translate.Message{
						Role:       "tool",
						Text:       block.Get("content").String(),
						ToolCallID: block.Get("tool_use_id").String(),
					})
				case "image":
					if len(req.Messages) > 0 {
						last := &req.Messages[len(req.Messages)-1]
						format := formatFromMIME(block.Get("source.media_type").String())
						last.Images = append(last.Images, translate.Image{
							Format: format,
							Data:   block.Get("source.data").String(),
						})
					}
				default:
					req.Messages = append(req.Messages, translate.Message{
						Role: role,
						Text: block.Get("text").String(),
					})
				}
			}
			continue
		}
		req.Messages = append(req.Messages, translate.Message{Role: role, Text: content.String()})
	}

	for _, t := range root.Get("tools").Array() {
		req.Tools = append(req.Tools, translate.ToolSpec{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
			SchemaJSON:  t.Get("input_schema").Raw,
		})
	}

	return req, root.Get("stream").Bool(), nil
}

// dispatchAndStreamOpenAI runs the dispatcher, decodes Kiro's AWS
// Event Stream response, post-processes the assistant-text deltas and
// tool-call fragments, and replays them as OpenAI chat.completion.chunk
// SSE frames.
func (s *Server) dispatchAndStreamOpenAI(c *gin.Context, kiroBody []byte, sessionKey, modelName string) {
	events, err := s.dispatchAndDecode(c, kiroBody, sessionKey)
	if err != nil {
		return
	}

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	emitter := stream.NewOpenAIEmitter(c.Writer, "chatcmpl-"+sessionKey, modelName, 0)
	stripper := &stream.ThinkingStripper{}
	assembler := stream.NewToolCallAssembler()
	var prevText string
	toolIndexByID := map[string]int{}
	headerSentByID := map[string]bool{}

	for _, ev := range events {
		switch ev.Type {
		case "toolUseEvent":
			toolUseID := gjson.GetBytes(ev.Payload, "toolUseId").String()
			name := gjson.GetBytes(ev.Payload, "name").String()
			fragment := toolInputFragment(ev.Payload)
			assembler.Feed(stream.ToolCallFragment{ToolUseID: toolUseID, Name: name, InputJSONPart: fragment})

			idx, seen := toolIndexByID[toolUseID]
			if !seen {
				idx = len(toolIndexByID)
				toolIndexByID[toolUseID] = idx
			}
			sendID, sendName := "", ""
			if !headerSentByID[toolUseID] {
				sendID, sendName = toolUseID, name
				headerSentByID[toolUseID] = true
			}
			if sendID != "" || sendName != "" || fragment != "" {
				_ = emitter.DeltaToolCall(idx, sendID, sendName, fragment)
			}
		default:
			text := gjson.GetBytes(ev.Payload, "content").String()
			delta := stream.DeltaByPrefix(prevText, text)
			prevText = text
			clean := stripper.Feed(delta)
			if clean != "" {
				_ = emitter.DeltaText(clean)
			}
		}
		c.Writer.Flush()
	}
	if tail := stripper.Flush(); tail != "" {
		_ = emitter.DeltaText(tail)
	}

	finishReason := "stop"
	if len(assembler.Calls()) > 0 {
		finishReason = "tool_calls"
	}
	_ = emitter.Finish(finishReason)
}

// dispatchAndStreamAnthropic mirrors dispatchAndStreamOpenAI but emits
// Claude's content_block_delta sequence, including tool_use blocks,
// instead.
func (s *Server) dispatchAndStreamAnthropic(c *gin.Context, kiroBody []byte, sessionKey, modelName string) {
	events, err := s.dispatchAndDecode(c, kiroBody, sessionKey)
	if err != nil {
		return
	}

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	emitter := stream.NewAnthropicEmitter(c.Writer, "msg_"+sessionKey, modelName)
	_ = emitter.Start()
	_ = emitter.OpenTextBlock()
	textBlockOpen := true

	stripper := &stream.ThinkingStripper{}
	assembler := stream.NewToolCallAssembler()
	var prevText string
	outputTokens := 0
	openToolID := ""

	for _, ev := range events {
		switch ev.Type {
		case "toolUseEvent":
			toolUseID := gjson.GetBytes(ev.Payload, "toolUseId").String()
			name := gjson.GetBytes(ev.Payload, "name").String()
			fragment := toolInputFragment(ev.Payload)
			stop := gjson.GetBytes(ev.Payload, "stop").Bool()

			if textBlockOpen {
				_ = emitter.CloseBlock()
				textBlockOpen = false
			}
			if openToolID != toolUseID && name != "" {
				_ = emitter.OpenToolUseBlock(toolUseID, name)
				openToolID = toolUseID
			}
			assembler.Feed(stream.ToolCallFragment{ToolUseID: toolUseID, Name: name, InputJSONPart: fragment})
			if fragment != "" {
				_ = emitter.DeltaToolInput(fragment)
			}
			if stop {
				_ = emitter.CloseBlock()
				openToolID = ""
			}
		default:
			text := gjson.GetBytes(ev.Payload, "content").String()
			delta := stream.DeltaByPrefix(prevText, text)
			prevText = text
			clean := stripper.Feed(delta)
			if clean != "" {
				if !textBlockOpen {
					_ = emitter.OpenTextBlock()
					textBlockOpen = true
				}
				_ = emitter.DeltaText(clean)
				outputTokens += s.tokens.Count(clean)
			}
		}
		c.Writer.Flush()
	}
	if tail := stripper.Flush(); tail != "" {
		if !textBlockOpen {
			_ = emitter.OpenTextBlock()
			textBlockOpen = true
		}
		_ = emitter.DeltaText(tail)
		outputTokens += s.tokens.Count(tail)
	}

	stopReason := "end_turn"
	if len(assembler.Calls()) > 0 {
		stopReason = "tool_use"
	}
	_ = emitter.Stop(stopReason, outputTokens)
}

// toolInputFragment renders a toolUseEvent's "input" field as the
// partial_json/arguments fragment text, matching how the upstream may
// send it as either a bare string or a JSON object.
func toolInputFragment(payload []byte) string {
	input := gjson.GetBytes(payload, "input")
	if !input.Exists() {
		return ""
	}
	if input.Type == gjson.String {
		return input.String()
	}
	return input.Raw
}

// dispatchAndDecode runs the dispatcher and decodes the buffered AWS
// Event Stream body it returns into individual events.
func (s *Server) dispatchAndDecode(c *gin.Context, kiroBody []byte, sessionKey string) ([]eventstream.Event, error) {
	pin, acl := keyScope(c)
	res, err := s.dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		Fingerprint: translate.Fingerprint(kiroBody),
		SessionKey:  sessionKey,
		Body:        kiroBody,
		Endpoint:    "/stream",
		PinAccount:  pin,
		AllowedACL:  acl,
	})
	if err != nil {
		if appErr, ok := asAppError(err); ok {
			writeAppError(c, appErr)
		} else {
			writeAppError(c, apperrors.InternalServerError("dispatch failed", err))
		}
		return nil, err
	}

	dec := eventstream.NewDecoder()
	events, decErr := dec.Feed(res.Body)
	if decErr != nil {
		writeAppError(c, apperrors.UpstreamError(http.StatusBadGateway, "malformed upstream event stream", decErr))
		return nil, decErr
	}
	return events, nil
}
