// Package httpapi exposes the gateway's caller-facing HTTP surface: the
// OpenAI- and Anthropic-shaped chat endpoints, a model listing, and a
// health check, all behind the gateway's own API-key auth rather than
// any upstream credential.
package httpapi

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/kiroq-gateway/gateway/internal/authkey"
	"github.com/kiroq-gateway/gateway/internal/dedupe"
	"github.com/kiroq-gateway/gateway/internal/dispatch"
	apperrors "github.com/kiroq-gateway/gateway/internal/errors"
	"github.com/kiroq-gateway/gateway/internal/eventstream"
	"github.com/kiroq-gateway/gateway/internal/logging"
	"github.com/kiroq-gateway/gateway/internal/model"
	"github.com/kiroq-gateway/gateway/internal/quota"
	"github.com/kiroq-gateway/gateway/internal/stream"
	"github.com/kiroq-gateway/gateway/internal/translate"
)

// modelInfo is one entry of the GET /v1/models listing: a canonical
// upstream model id and the metadata callers use to budget a request
// before sending it.
type modelInfo struct {
	ID            string
	MaxTokens     int
	ContextWindow int
}

// availableModels is served at GET /v1/models; it lists the canonical
// Kiro model ids translate.ResolveModel can resolve a caller-facing
// name onto, alongside the token limits each one accepts.
var availableModels = []modelInfo{
	{ID: "claude-sonnet-4", MaxTokens: 8192, ContextWindow: 200000},
	{ID: "claude-sonnet-4.5", MaxTokens: 8192, ContextWindow: 200000},
	{ID: "claude-haiku-4.5", MaxTokens: 8192, ContextWindow: 200000},
	{ID: "claude-opus-4.5", MaxTokens: 4096, ContextWindow: 200000},
}

// Server wires the gateway's domain packages into a gin.Engine.
type Server struct {
	engine     *gin.Engine
	keys       *authkey.Manager
	dispatcher *dispatch.Dispatcher
	quota      *quota.Tracker
	tokens     *stream.TokenCounter
	dedupe     *dedupe.Tracker
}

// New builds a Server with routes registered but not yet listening.
func New(keys *authkey.Manager, dispatcher *dispatch.Dispatcher, tracker *quota.Tracker, tokenMultiplier float64) *Server {
	s := &Server{
		keys:       keys,
		dispatcher: dispatcher,
		quota:      tracker,
		tokens:     stream.NewTokenCounter(tokenMultiplier),
		dedupe:     dedupe.New(dedupe.DefaultWindow),
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(auditMiddleware())

	engine.GET("/healthz", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		s.handleHealthz(c)
	})

	v1 := engine.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.GET("/models", s.handleListModels)
		v1.POST("/chat/completions", s.handleOpenAIChatCompletions)
		v1.POST("/messages", s.handleAnthropicMessages)
		v1.POST("/messages/count_tokens", s.handleCountTokens)
	}

	s.engine = engine
	return s
}

// Engine exposes the underlying gin.Engine for http.ListenAndServe.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.Request)
		if raw == "" {
			writeAppError(c, apperrors.Unauthorized("missing API key", nil))
			c.Abort()
			return
		}

		key, err := s.keys.Verify(c.Request.Context(), raw, authkey.VerifyContext{
			ClientIP:  c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		if err != nil {
			writeAppError(c, apperrors.Unauthorized("invalid API key", err))
			c.Abort()
			return
		}

		c.Set("secureKey", key)
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	return ""
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListModels(c *gin.Context) {
	data := make([]gin.H, 0, len(availableModels))
	for _, m := range availableModels {
		data = append(data, gin.H{
			"id":             m.ID,
			"object":         "model",
			"max_tokens":     m.MaxTokens,
			"context_window": m.ContextWindow,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// handleCountTokens estimates input tokens for an Anthropic-shaped
// messages array without dispatching to the upstream. It reads the raw
// body itself, rather than binding into a struct, so the dedup check
// fingerprints the exact bytes the caller sent.
func (s *Server) handleCountTokens(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		writeAppError(c, apperrors.BadRequest("could not read request body", err))
		return
	}

	if !s.checkDedupe(c, raw) {
		return
	}

	root := gjson.ParseBytes(raw)
	if !root.Exists() {
		writeAppError(c, apperrors.BadRequest("empty request body", nil))
		return
	}

	texts := make([]string, 0)
	if sys := root.Get("system").String(); sys != "" {
		texts = append(texts, sys)
	}
	for _, m := range root.Get("messages").Array() {
		content := m.Get("content")
		if content.IsArray() {
			for _, block := range content.Array() {
				if t := block.Get("text").String(); t != "" {
					texts = append(texts, t)
				}
			}
			continue
		}
		texts = append(texts, content.String())
	}

	c.JSON(http.StatusOK, gin.H{"input_tokens": s.tokens.CountAll(texts)})
}

// clientIdentity picks the scope a dedup key is computed against: an
// end-user id the caller declares explicitly, falling back to a
// fingerprint of its own API key, and finally the remote IP, so two
// different end users relaying identical bodies through the same key
// are never deduped against each other.
func (s *Server) clientIdentity(c *gin.Context) string {
	if id := c.GetHeader("x-end-user-id"); id != "" {
		return "u:" + id
	}
	if raw := bearerToken(c.Request); raw != "" {
		sum := sha256.Sum256([]byte(raw))
		return "k:" + fmt.Sprintf("%x", sum)[:12]
	}
	return "ip:" + c.ClientIP()
}

// checkDedupe rejects a call whose body was already seen from the same
// client within the dedup window with 429 and a Retry-After header,
// unless the caller sets X-Dedupe-Bypass. It returns false when the
// request has already been answered and the handler must stop.
func (s *Server) checkDedupe(c *gin.Context, body []byte) bool {
	if c.GetHeader("X-Dedupe-Bypass") != "" {
		return true
	}
	key := s.clientIdentity(c) + "|" + translate.Fingerprint(body)
	retryAfter, duplicate := s.dedupe.Check(key)
	if !duplicate {
		return true
	}
	c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
	writeAppError(c, apperrors.RateLimited("duplicate request: an identical call is already within the dedup window", nil))
	return false
}

// keyScope pulls the pin/ACL scope a secure key grants onto its
// account pool, defaulting to unrestricted when the key carries none.
func keyScope(c *gin.Context) (pin string, acl []string) {
	v, ok := c.Get("secureKey")
	if !ok {
		return "", nil
	}
	key, ok := v.(*model.SecureKey)
	if !ok {
		return "", nil
	}
	return key.DefaultAccountID, key.AllowedAccountIDs
}

func writeAppError(c *gin.Context, err *apperrors.AppError) {
	err = err.WithRequestID(c.GetString("requestID"))
	c.Data(err.HTTPStatusCode, "application/json", err.ToJSON())
}

// dispatchAndRespond runs body through the dispatcher, decodes Kiro's
// AWS Event Stream response, and aggregates it into a single JSON body
// shaped {model, conversation_id, content:[{type:"text",text}]};
// streaming endpoints instead pump through a stream.*Emitter and never
// reach this path.
func (s *Server) dispatchAndRespond(c *gin.Context, endpoint string, body []byte, sessionKey, modelName, conversationID string) {
	pin, acl := keyScope(c)
	res, err := s.dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		Fingerprint: translate.Fingerprint(body),
		SessionKey:  sessionKey,
		Body:        body,
		Endpoint:    endpoint,
		PinAccount:  pin,
		AllowedACL:  acl,
	})
	if err != nil {
		if appErr, ok := asAppError(err); ok {
			writeAppError(c, appErr)
			return
		}
		writeAppError(c, apperrors.InternalServerError("dispatch failed", err))
		return
	}

	dec := eventstream.NewDecoder()
	events, decErr := dec.Feed(res.Body)
	if decErr != nil {
		writeAppError(c, apperrors.UpstreamError(http.StatusBadGateway, "malformed upstream event stream", decErr))
		return
	}

	convID := conversationID
	var text strings.Builder
	var prev string
	for _, ev := range events {
		switch ev.Type {
		case "initial-response":
			if cid := gjson.GetBytes(ev.Payload, "conversationId").String(); cid != "" {
				convID = cid
			}
		case "assistantResponseEvent":
			cur := gjson.GetBytes(ev.Payload, "content").String()
			text.WriteString(stream.DeltaByPrefix(prev, cur))
			prev = cur
		}
	}

	c.Header("X-Conversation-Id", convID)
	c.Header("X-ConversationId", convID)
	c.JSON(res.StatusCode, gin.H{
		"model":           modelName,
		"conversation_id": convID,
		"content": []gin.H{
			{"type": "text", "text": text.String()},
		},
	})
}

func asAppError(err error) (*apperrors.AppError, bool) {
	appErr, ok := err.(*apperrors.AppError)
	return appErr, ok
}
