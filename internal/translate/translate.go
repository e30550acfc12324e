// Package translate converts OpenAI- and Anthropic-shaped chat
// requests into Amazon Q/Kiro's conversationState payload, and Kiro's
// assistant responses back into each caller format. Kiro's wire shape
// is Claude-compatible internally, so most of the heavy lifting here
// is building conversationState's history/context arrays, not
// reshaping message bodies field by field.
package translate

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// toolDocSplitThreshold is the point past which a tool's description
// is moved out of the inline tool list and into a separate context
// entry, so a handful of huge tool schemas don't dominate the prompt
// Kiro actually reads first.
const toolDocSplitThreshold = 10 * 1024

const (
	systemPromptBeginMarker = "--- SYSTEM PROMPT BEGIN ---"
	systemPromptEndMarker   = "--- SYSTEM PROMPT END ---"
	contextEntryBeginMarker = "--- CONTEXT ENTRY BEGIN ---"
	contextEntryEndMarker   = "--- CONTEXT ENTRY END ---"
	userMessageBeginMarker  = "--- USER MESSAGE BEGIN ---"
	userMessageEndMarker    = "--- USER MESSAGE END ---"

	// thinkingHint is appended to the current message's content when
	// the caller asked for extended thinking; Kiro has no separate
	// wire field for it.
	thinkingHint = "<thinking_mode>interleaved</thinking_mode><max_thinking_length>16000</max_thinking_length>"

	// defaultKiroModel is returned whenever a caller-supplied model
	// name can't be resolved to one CodeWhisperer accepts, since
	// sending an unsupported id upstream trips a ValidationException.
	defaultKiroModel = "claude-sonnet-4"
)

// validKiroModels is the full set of model ids AWS CodeWhisperer's
// KIRO_CLI origin accepts; ResolveModel never returns anything outside
// this set.
var validKiroModels = map[string]bool{
	"claude-sonnet-4":   true,
	"claude-sonnet-4.5": true,
	"claude-haiku-4.5":  true,
	"claude-opus-4.5":   true,
}

// canonicalModelAliases maps full dated Anthropic model ids, plus a
// couple of superseded 3.5-era names, to the short Kiro id they resolve
// to before any heuristic guessing is needed.
var canonicalModelAliases = map[string]string{
	"claude-sonnet-4-20250514":   "claude-sonnet-4",
	"claude-sonnet-4-5-20250929": "claude-sonnet-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-3-5-sonnet-20241022": "claude-sonnet-4.5",
	"claude-3-5-sonnet-20240620": "claude-sonnet-4.5",
	"claude-3-5-haiku-20241022":  "claude-haiku-4.5",
}

// openAIFamilyAliases lets the OpenAI-shaped endpoint keep using its
// own caller-facing names, mapping each to the Claude family closest to
// it in capability before the Claude resolution pipeline runs.
var openAIFamilyAliases = map[string]string{
	"gpt-4o":      "claude-sonnet-4.5",
	"gpt-4o-mini": "claude-haiku-4.5",
	"gpt-4":       "claude-sonnet-4.5",
	"gpt-4-turbo": "claude-sonnet-4.5",
}

// ResolveModel maps a caller-supplied model name to the Kiro model id
// CodeWhisperer accepts. Names that can't be resolved fall back to
// defaultKiroModel instead of passing through, since an unsupported id
// sent upstream fails the whole request.
func ResolveModel(name string) string {
	normalized := normalizeModelName(name)
	if normalized == "" || normalized == "auto" {
		return defaultKiroModel
	}
	if alias, ok := openAIFamilyAliases[normalized]; ok {
		normalized = alias
	}
	if resolved := resolveModelID(normalized); resolved != "" {
		return resolved
	}
	return defaultKiroModel
}

// normalizeModelName lowercases name and, when it's a friendly label
// wrapping a Claude id (e.g. "Opus (claude-opus-4-5-20251101)"), keeps
// only the substring starting at "claude-".
func normalizeModelName(name string) string {
	raw := strings.ToLower(strings.TrimSpace(name))
	if raw == "" {
		return ""
	}
	if idx := strings.Index(raw, "claude-"); idx > 0 {
		raw = raw[idx:]
	}
	return strings.Trim(raw, "()[]{} ")
}

// resolveModelID walks a normalized name through the known-valid set,
// the canonical alias table, and finally the family heuristic.
func resolveModelID(normalized string) string {
	if validKiroModels[normalized] {
		return normalized
	}
	if mapped, ok := canonicalModelAliases[normalized]; ok {
		return mapped
	}
	return heuristicModelMap(normalized)
}

// heuristicModelMap guesses the closest Kiro-supported model family
// from substrings in an otherwise-unrecognized name.
func heuristicModelMap(normalized string) string {
	switch {
	case strings.HasPrefix(normalized, "claude-sonnet-4-5"), strings.HasPrefix(normalized, "claude-sonnet-4.5"):
		return "claude-sonnet-4.5"
	case strings.HasPrefix(normalized, "claude-sonnet-4"):
		return "claude-sonnet-4"
	case strings.Contains(normalized, "opus-4-5"), strings.Contains(normalized, "opus-4.5"):
		return "claude-opus-4.5"
	case strings.Contains(normalized, "haiku-4-5"), strings.Contains(normalized, "haiku-4.5"):
		return "claude-haiku-4.5"
	case strings.Contains(normalized, "opus"):
		return "claude-opus-4.5"
	case strings.Contains(normalized, "haiku"):
		return "claude-haiku-4.5"
	case strings.Contains(normalized, "1m"), strings.Contains(normalized, "1000k"):
		return "claude-sonnet-4.5"
	}
	return ""
}

// Image is one inline image attachment, already decoded to the
// format/base64-bytes pair Kiro's wire format expects.
type Image struct {
	Format string // e.g. "png", "jpeg"
	Data   string // base64-encoded bytes, no data: URL prefix
}

// Message is one normalized chat turn, shared between the OpenAI and
// Anthropic request shapes after unmarshaling.
type Message struct {
	Role       string
	Text       string
	ToolCallID string // for a tool-result message
	ToolName   string
	Images     []Image // preserved only for the last two user turns
}

// BuildRequest is the normalized input to conversationState assembly.
type BuildRequest struct {
	Model          string
	System         string
	Messages       []Message
	Tools          []ToolSpec
	ThinkingHint   bool
	MaxOutputToken int
	ConversationID string
}

// ToolSpec is one tool definition as the caller declared it.
type ToolSpec struct {
	Name        string
	Description string
	SchemaJSON  string
}

// BuildConversationState assembles the Kiro conversationState payload
// for req: history normalized to strict user/assistant alternation
// (consecutive same-role turns merged, tool results merged into their
// owning turn by ToolCallID), the current (last) turn's content
// wrapped with a context-entry timestamp and, when present, the
// system prompt and thinking-mode hint, oversized tool documentation
// split into its own context entry, and inline images pruned to the
// last two user turns and carried as {format, source.bytes} alongside
// the turn they belong to.
func BuildConversationState(req BuildRequest) ([]byte, error) {
	messages := mergeAlternation(req.Messages)
	messages = pruneImagesExceptLastTwoUserTurns(messages)

	if err := validateMessageSequence(messages); err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}

	history := make([]any, 0, len(messages))
	for _, m := range messages {
		history = append(history, messageEntry(m, m.Text))
	}

	var current any
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		content := assembleCurrentContent(last.Text, req.System, req.ThinkingHint)
		current = messageEntry(last, content)
		history = history[:len(history)-1]
	}

	inlineTools, docEntries := splitToolDocs(req.Tools)
	if docEntries == nil {
		docEntries = []any{}
	}

	state := map[string]any{
		"conversationState": map[string]any{
			"conversationId":  req.ConversationID,
			"chatTriggerType": "MANUAL",
			"currentMessage":  current,
			"history":         history,
			"context":         docEntries,
		},
		"source": "FeatureDev",
		"origin": "AI_EDITOR",
	}

	if len(inlineTools) > 0 {
		cs := state["conversationState"].(map[string]any)
		cs["tools"] = inlineTools
	}

	return sjson.SetBytes(nil, "", state)
}

// messageEntry builds one history/currentMessage JSON object for m,
// using content in place of m.Text so the current turn can carry its
// marker-wrapped content while history entries keep their raw text.
func messageEntry(m Message, content string) map[string]any {
	entry := map[string]any{
		"role":    strings.ToUpper(m.Role),
		"content": content,
	}
	if len(m.Images) > 0 {
		imgs := make([]any, 0, len(m.Images))
		for _, img := range m.Images {
			imgs = append(imgs, map[string]any{
				"format": img.Format,
				"source": map[string]any{"bytes": img.Data},
			})
		}
		entry["images"] = imgs
	}
	return entry
}

// assembleCurrentContent builds the current turn's content string:
// the raw text wrapped in a timestamped context entry and a user
// message marker, the system prompt (if any) prepended in its own
// marker block, and the thinking-mode hint appended last.
func assembleCurrentContent(text, system string, thinkingOn bool) string {
	var b strings.Builder
	b.WriteString(contextEntryBeginMarker)
	b.WriteByte('\n')
	b.WriteString("Current time: ")
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	b.WriteByte('\n')
	b.WriteString(contextEntryEndMarker)
	b.WriteString("\n\n")
	b.WriteString(userMessageBeginMarker)
	b.WriteByte('\n')
	b.WriteString(text)
	b.WriteByte('\n')
	b.WriteString(userMessageEndMarker)
	content := b.String()

	if system != "" {
		var sb strings.Builder
		sb.WriteString(systemPromptBeginMarker)
		sb.WriteByte('\n')
		sb.WriteString(system)
		sb.WriteByte('\n')
		sb.WriteString(systemPromptEndMarker)
		sb.WriteString("\n\n")
		sb.WriteString(content)
		content = sb.String()
	}

	if thinkingOn {
		content = appendThinkingHint(content)
	}
	return content
}

// appendThinkingHint appends thinkingHint to text unless it's already
// present, matching how a caller-echoed follow-up turn shouldn't pile
// up a second copy of the hint.
func appendThinkingHint(text string) string {
	if text == "" {
		return thinkingHint
	}
	if strings.Contains(text, thinkingHint) {
		return text
	}
	sep := "\n"
	if strings.HasSuffix(text, "\n") || strings.HasSuffix(text, "\r") {
		sep = ""
	}
	return text + sep + thinkingHint
}

// strictMessageConversion reports whether DEBUG_MESSAGE_CONVERSION
// asks malformed message ordering to fail the request instead of just
// being logged, matching the env toggle a developer reaches for when
// chasing down a client that's sending a broken conversation shape.
func strictMessageConversion() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG_MESSAGE_CONVERSION"))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// validateMessageSequence enforces the two ordering invariants Kiro's
// backend assumes of the post-merge history: turns alternate
// user/assistant, and a tool-role entry never survives merging, which
// only happens when it names a ToolCallID no assistant turn issued.
func validateMessageSequence(messages []Message) error {
	strict := strictMessageConversion()
	var lastRole string
	for i, m := range messages {
		if m.Role == "tool" {
			msg := fmt.Sprintf("message %d: tool result %q has no matching assistant tool call to fold into", i, m.ToolCallID)
			if strict {
				return errors.New(msg)
			}
			log.Warn(msg)
		}
		if lastRole != "" && m.Role == lastRole {
			msg := fmt.Sprintf("message %d: role %q repeats the previous turn after merge", i, m.Role)
			if strict {
				return errors.New(msg)
			}
			log.Warn(msg)
		}
		lastRole = m.Role
	}
	return nil
}

// mergeAlternation collapses consecutive messages of the same role
// into one, joining their text with a blank line, and folds a
// tool-result message into the assistant turn that issued the matching
// tool call by ToolCallID.
func mergeAlternation(in []Message) []Message {
	if len(in) == 0 {
		return in
	}

	byToolCallID := map[string]int{}
	out := make([]Message, 0, len(in))

	for _, m := range in {
		if m.Role == "tool" && m.ToolCallID != "" {
			if idx, ok := byToolCallID[m.ToolCallID]; ok {
				out[idx].Text += "\n[tool result: " + m.ToolName + "]\n" + m.Text
				continue
			}
		}

		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			out[len(out)-1].Text += "\n\n" + m.Text
			out[len(out)-1].Images = append(out[len(out)-1].Images, m.Images...)
			continue
		}

		out = append(out, m)
		if m.ToolCallID != "" {
			byToolCallID[m.ToolCallID] = len(out) - 1
		}
	}

	return out
}

// pruneImagesExceptLastTwoUserTurns drops inline image payloads from
// every user turn except the two most recent, since Kiro only needs
// recent visual context and carrying every image across a long
// conversation bloats the request past practical limits.
func pruneImagesExceptLastTwoUserTurns(in []Message) []Message {
	userIndices := make([]int, 0)
	for i, m := range in {
		if m.Role == "user" {
			userIndices = append(userIndices, i)
		}
	}
	keep := map[int]bool{}
	for i := len(userIndices) - 1; i >= 0 && len(keep) < 2; i-- {
		keep[userIndices[i]] = true
	}

	out := make([]Message, len(in))
	copy(out, in)
	for i := range out {
		if out[i].Role == "user" && !keep[i] {
			out[i].Images = nil
		}
	}
	return out
}

// splitToolDocs returns the tools small enough to stay inline and the
// context entries for any whose description exceeds the split
// threshold.
func splitToolDocs(tools []ToolSpec) (inline []any, docEntries []any) {
	for _, t := range tools {
		if len(t.Description)+len(t.SchemaJSON) <= toolDocSplitThreshold {
			inline = append(inline, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"schema":      gjson.Parse(t.SchemaJSON).Value(),
			})
			continue
		}
		inline = append(inline, map[string]any{
			"name":   t.Name,
			"schema": gjson.Parse(t.SchemaJSON).Value(),
		})
		docEntries = append(docEntries, map[string]any{
			"type":      "tool_documentation",
			"tool":      t.Name,
			"content":   t.Description,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
	return inline, docEntries
}

// Fingerprint returns the sha256 of body's canonical-ish JSON bytes,
// used by the dispatcher to dedup identical in-flight requests.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%x", sum)
}
