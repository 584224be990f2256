// Package decode turns one raw JSON line from an agent child's stdout into
// a tagged event (§4.B of the broker design). Decoding is pure: it never
// mutates session state and never returns an error for input it cannot
// make sense of — unrecognised shapes become KindUnknown so the caller can
// silently ignore diagnostic noise.
package decode

import (
	"encoding/json"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindSystemInit
	KindMessageStart
	KindBlockStart
	KindBlockDelta
	KindBlockStop
	KindMessageDelta
	KindMessageStop
	KindAssistantComplete
	KindAPIErrorAssistant
	KindUserOrToolResult
	KindTurnResult
)

func (k Kind) String() string {
	switch k {
	case KindSystemInit:
		return "system-init"
	case KindMessageStart:
		return "stream-message-start"
	case KindBlockStart:
		return "stream-block-start"
	case KindBlockDelta:
		return "stream-block-delta"
	case KindBlockStop:
		return "stream-block-stop"
	case KindMessageDelta:
		return "stream-message-delta"
	case KindMessageStop:
		return "stream-message-stop"
	case KindAssistantComplete:
		return "assistant-complete"
	case KindAPIErrorAssistant:
		return "api-error-assistant"
	case KindUserOrToolResult:
		return "user-or-tool-result"
	case KindTurnResult:
		return "turn-result"
	default:
		return "unknown"
	}
}

// SlashCommand is one entry from system-init's optional command list; it may
// have arrived as a bare string (Description empty) or a {name,description}
// record.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type SystemInit struct {
	Model         string
	Cwd           string
	SessionID     string
	SlashCommands []SlashCommand
}

// BlockStart describes a content_block_start stream event.
type BlockStart struct {
	Index int
	Kind  string // "text" | "thinking" | "tool_use"
	ID    string
	Name  string
}

// BlockDelta describes a content_block_delta stream event.
type BlockDelta struct {
	Index int
	Kind  string // "text" | "thinking" | "input-json" | "signature"
	Text  string
}

type BlockStop struct {
	Index int
}

// ContentBlock is one item of an assistant message's content array.
type ContentBlock struct {
	Type         string // "text" | "thinking" | "tool_use"
	Text         string
	Thinking     string
	Signature    string
	ToolUseID    string
	ToolName     string
	ToolInputRaw json.RawMessage
}

type Usage struct {
	InputTokens              int `json:"inputTokens"`
	OutputTokens             int `json:"outputTokens"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens"`
}

type AssistantComplete struct {
	MessageID  string
	Content    []ContentBlock
	Usage      Usage
	StopReason string
}

// APIError is the decoded form of a degenerate assistant event carrying
// isApiError=true.
type APIError struct {
	Message string
	Raw     string
}

type ToolResult struct {
	ToolUseID string
	Text      string
	IsError   bool
}

// UserOrToolResult covers both shapes of a "user" event: a plain string
// (IsText) or an array of tool-results (and possibly other block types,
// which are ignored).
type UserOrToolResult struct {
	IsText      bool
	Text        string
	ToolResults []ToolResult
}

type ModelUsage struct {
	ContextWindow            int
	InputTokens              int
	OutputTokens             int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
	Cost                     float64
}

type TurnResult struct {
	Subtype    string // success | aborted | error | error_max_turns
	ModelUsage map[string]ModelUsage
	Summary    string
}

// Event is the tagged union returned by Decode. At most one pointer field
// is non-nil, the one matching Kind; message start/delta/stop and unknown
// events carry none.
type Event struct {
	Kind       Kind
	SystemInit *SystemInit
	BlockStart *BlockStart
	BlockDelta *BlockDelta
	BlockStop  *BlockStop
	Assistant  *AssistantComplete
	APIError   *APIError
	UserResult *UserOrToolResult
	TurnResult *TurnResult
}

// wireEnvelope mirrors the superset of top-level shapes the child may emit. Fields
// are decoded lazily with json.RawMessage so a malformed nested shape in an
// event we don't care about never fails the whole line.
type wireEnvelope struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype"`
	Model      string          `json:"model"`
	Cwd        string          `json:"cwd"`
	SessionID  string          `json:"session_id"`
	Commands   json.RawMessage `json:"slash_commands"`
	Event      json.RawMessage `json:"event"`
	Message    json.RawMessage `json:"message"`
	IsAPIError bool            `json:"isApiError"`
	ModelUsage json.RawMessage `json:"modelUsage"`
	Result     string          `json:"result"`
}

type wireStreamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock json.RawMessage `json:"content_block"`
	Delta        json.RawMessage `json:"delta"`
	Message      json.RawMessage `json:"message"`
}

type wireContentBlock struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	PartialJSON string `json:"partial_json"`
	Signature   string `json:"signature"`
}

type wireMessage struct {
	ID         string          `json:"id"`
	Content    json.RawMessage `json:"content"`
	Role       string          `json:"role"`
	Usage      *wireUsage      `json:"usage"`
	StopReason string          `json:"stop_reason"`
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type wireContentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Signature string          `json:"signature"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type wireModelUsage struct {
	ContextWindow            int     `json:"contextWindow"`
	InputTokens              int     `json:"inputTokens"`
	OutputTokens             int     `json:"outputTokens"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens"`
	Cost                     float64 `json:"cost"`
}

// Decode parses one line of the child's stdout. Non-JSON lines and
// recognised-but-uninteresting shapes both return KindUnknown.
func Decode(line []byte) Event {
	trimmed := bytesTrim(line)
	if len(trimmed) == 0 {
		return Event{Kind: KindUnknown}
	}

	var env wireEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Event{Kind: KindUnknown}
	}

	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			return Event{Kind: KindUnknown}
		}
		return Event{Kind: KindSystemInit, SystemInit: decodeSystemInit(env)}
	case "stream_event":
		return decodeStreamEvent(env.Event)
	case "assistant":
		return decodeAssistant(env)
	case "user":
		return decodeUser(env)
	case "result":
		return Event{Kind: KindTurnResult, TurnResult: decodeTurnResult(env)}
	default:
		return Event{Kind: KindUnknown}
	}
}

func bytesTrim(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func decodeSystemInit(env wireEnvelope) *SystemInit {
	si := &SystemInit{
		Model:     env.Model,
		Cwd:       env.Cwd,
		SessionID: env.SessionID,
	}
	if len(env.Commands) == 0 {
		return si
	}
	// Commands may be a list of bare strings or {name,description} records.
	var asStrings []string
	if err := json.Unmarshal(env.Commands, &asStrings); err == nil {
		for _, s := range asStrings {
			si.SlashCommands = append(si.SlashCommands, SlashCommand{Name: s})
		}
		return si
	}
	var asRecords []SlashCommand
	if err := json.Unmarshal(env.Commands, &asRecords); err == nil {
		si.SlashCommands = asRecords
	}
	return si
}

func decodeStreamEvent(raw json.RawMessage) Event {
	if len(raw) == 0 {
		return Event{Kind: KindUnknown}
	}
	var ev wireStreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{Kind: KindUnknown}
	}
	switch ev.Type {
	case "message_start":
		return Event{Kind: KindMessageStart}
	case "content_block_start":
		var cb wireContentBlock
		_ = json.Unmarshal(ev.ContentBlock, &cb)
		return Event{Kind: KindBlockStart, BlockStart: &BlockStart{
			Index: ev.Index,
			Kind:  cb.Type,
			ID:    cb.ID,
			Name:  cb.Name,
		}}
	case "content_block_delta":
		var d wireDelta
		_ = json.Unmarshal(ev.Delta, &d)
		bd := &BlockDelta{Index: ev.Index}
		switch d.Type {
		case "text_delta":
			bd.Kind = "text"
			bd.Text = d.Text
		case "thinking_delta":
			bd.Kind = "thinking"
			bd.Text = d.Thinking
		case "input_json_delta":
			bd.Kind = "input-json"
			bd.Text = d.PartialJSON
		case "signature_delta":
			bd.Kind = "signature"
			bd.Text = d.Signature
		default:
			return Event{Kind: KindUnknown}
		}
		return Event{Kind: KindBlockDelta, BlockDelta: bd}
	case "content_block_stop":
		return Event{Kind: KindBlockStop, BlockStop: &BlockStop{Index: ev.Index}}
	case "message_delta":
		return Event{Kind: KindMessageDelta}
	case "message_stop":
		return Event{Kind: KindMessageStop}
	default:
		return Event{Kind: KindUnknown}
	}
}

func decodeAssistant(env wireEnvelope) Event {
	var msg wireMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return Event{Kind: KindUnknown}
	}

	var items []wireContentItem
	_ = json.Unmarshal(msg.Content, &items)

	if env.IsAPIError {
		return Event{Kind: KindAPIErrorAssistant, APIError: decodeAPIError(items)}
	}

	ac := &AssistantComplete{MessageID: msg.ID, StopReason: msg.StopReason}
	if msg.Usage != nil {
		ac.Usage = Usage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
		}
	}
	for _, it := range items {
		ac.Content = append(ac.Content, ContentBlock{
			Type:         it.Type,
			Text:         it.Text,
			Thinking:     it.Thinking,
			Signature:    it.Signature,
			ToolUseID:    it.ID,
			ToolName:     it.Name,
			ToolInputRaw: it.Input,
		})
	}
	return Event{Kind: KindAssistantComplete, Assistant: ac}
}

// decodeAPIError extracts a human message from the degenerate text block
// whose body begins "API Error: <code> <json>". Falls back to the raw text
// if the trailing JSON cannot be parsed.
func decodeAPIError(items []wireContentItem) *APIError {
	raw := ""
	for _, it := range items {
		if it.Type == "text" {
			raw = it.Text
			break
		}
	}
	const prefix = "API Error: "
	if !strings.HasPrefix(raw, prefix) {
		return &APIError{Message: raw, Raw: raw}
	}
	rest := strings.TrimPrefix(raw, prefix)
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) != 2 {
		return &APIError{Message: raw, Raw: raw}
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(fields[1]), &body); err != nil {
		return &APIError{Message: raw, Raw: raw}
	}
	msg := body.Error.Message
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		return &APIError{Message: raw, Raw: raw}
	}
	return &APIError{Message: fields[0] + ": " + msg, Raw: raw}
}

func decodeUser(env wireEnvelope) Event {
	var msg wireMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return Event{Kind: KindUnknown}
	}

	// content may be a bare string or an array.
	var asString string
	if err := json.Unmarshal(msg.Content, &asString); err == nil {
		return Event{Kind: KindUserOrToolResult, UserResult: &UserOrToolResult{IsText: true, Text: asString}}
	}

	var items []wireContentItem
	if err := json.Unmarshal(msg.Content, &items); err != nil {
		return Event{Kind: KindUnknown}
	}

	ur := &UserOrToolResult{}
	for _, it := range items {
		if it.Type != "tool_result" {
			continue
		}
		ur.ToolResults = append(ur.ToolResults, ToolResult{
			ToolUseID: it.ToolUseID,
			Text:      toolResultText(it.Content),
			IsError:   it.IsError,
		})
	}
	return Event{Kind: KindUserOrToolResult, UserResult: ur}
}

// toolResultText normalises a tool-result's content: a bare string passes
// through, an array of blocks has its text items concatenated with
// newlines.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var items []wireContentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	var parts []string
	for _, it := range items {
		if it.Text != "" {
			parts = append(parts, it.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func decodeTurnResult(env wireEnvelope) *TurnResult {
	tr := &TurnResult{Subtype: env.Subtype, Summary: env.Result}
	if len(env.ModelUsage) == 0 {
		return tr
	}
	var raw map[string]wireModelUsage
	if err := json.Unmarshal(env.ModelUsage, &raw); err != nil {
		return tr
	}
	tr.ModelUsage = make(map[string]ModelUsage, len(raw))
	for model, u := range raw {
		tr.ModelUsage[model] = ModelUsage{
			ContextWindow:            u.ContextWindow,
			InputTokens:              u.InputTokens,
			OutputTokens:             u.OutputTokens,
			CacheReadInputTokens:     u.CacheReadInputTokens,
			CacheCreationInputTokens: u.CacheCreationInputTokens,
			Cost:                     u.Cost,
		}
	}
	return tr
}
