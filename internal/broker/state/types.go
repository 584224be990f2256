// Package state folds a decoded agent event stream into session state
// (§4.C) and conflates bursts of small deltas before they reach the state
// builder (§4.D). This is the heaviest subsystem in the broker: it owns
// the turn model, message/tool-call bookkeeping, and the delta vocabulary
// fanned out to subscribers.
package state

import (
	"encoding/json"

	"github.com/spm1001/gueridon/internal/broker/decode"
)

type MessageKind int

const (
	UserText MessageKind = iota
	UserToolResult
	Assistant
	Synthetic
)

func (k MessageKind) String() string {
	switch k {
	case UserText:
		return "user-text"
	case UserToolResult:
		return "user-tool-result"
	case Assistant:
		return "assistant"
	case Synthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

type ToolCallStatus int

const (
	Running ToolCallStatus = iota
	ToolCompleted
	ToolErrored
)

func (s ToolCallStatus) String() string {
	switch s {
	case Running:
		return "running"
	case ToolCompleted:
		return "completed"
	case ToolErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ToolCall is shared by reference between a message's Content entries and
// the builder's by-id registry, so a tool-result arriving after the
// message has been committed still updates the same object callers hold.
type ToolCall struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	DisplayInput  string         `json:"displayInput"`
	InputRaw      string         `json:"inputRaw,omitempty"`
	Status        ToolCallStatus `json:"status"`
	Output        string         `json:"output,omitempty"`
	AskUserFilter bool           `json:"askUserFilter,omitempty"` // true if this is the ask-user-question tool
}

func (s ToolCallStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Clone returns an independent copy.
func (t *ToolCall) Clone() *ToolCall {
	c := *t
	return &c
}

// ContentItem is one entry of an assistant message's ordered content.
type ContentItem struct {
	Kind       string `json:"kind"` // "text" | "thinking" | "tool_call"
	Text       string `json:"text,omitempty"`
	Signature  string `json:"signature,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"` // key into the message's ToolCalls map
}

func (k MessageKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Message is a tagged record: user-text, user-tool-result, assistant, or
// synthetic (broker-injected).
type Message struct {
	Kind      MessageKind          `json:"kind"`
	ID        string               `json:"id,omitempty"` // assistant message id; empty for user/synthetic
	Text      string               `json:"text,omitempty"`
	Content   []ContentItem        `json:"content,omitempty"`
	ToolCalls map[string]*ToolCall `json:"toolCalls,omitempty"`
	Usage     decode.Usage         `json:"usage"`
	Synthetic bool                 `json:"synthetic,omitempty"`
}

// Clone returns a deep copy safe for a reader to retain independently of
// later mutation.
func (m *Message) Clone() *Message {
	c := *m
	if m.Content != nil {
		c.Content = append([]ContentItem(nil), m.Content...)
	}
	if m.ToolCalls != nil {
		c.ToolCalls = make(map[string]*ToolCall, len(m.ToolCalls))
		for k, v := range m.ToolCalls {
			c.ToolCalls[k] = v.Clone()
		}
	}
	return &c
}

type Status int

const (
	StatusWorking Status = iota
	StatusIdle
	StatusErr
)

func (s Status) String() string {
	switch s {
	case StatusWorking:
		return "working"
	case StatusIdle:
		return "idle"
	case StatusErr:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// SessionState is the full structured view of one session (§3).
type SessionState struct {
	SessionID      string                `json:"sessionId"`
	FolderName     string                `json:"folderName"`
	Model          string                `json:"model,omitempty"`
	ContextPercent int                   `json:"contextPercent"`
	Messages       []*Message            `json:"messages"`
	Streaming      *Message              `json:"streaming,omitempty"` // nullable: the in-progress assistant message
	Status         Status                `json:"status"`
	LastError      string                `json:"lastError,omitempty"`
	SlashCommands  []decode.SlashCommand `json:"slashCommands,omitempty"` // nil before first system-init
	Connected      bool                  `json:"connected"`
}

// Clone returns a deep copy of the session state, mirroring the
// copy-on-read contract used throughout this codebase so concurrent
// readers never observe a state object mutated out from under them.
func (s *SessionState) Clone() *SessionState {
	c := *s
	if s.Messages != nil {
		c.Messages = make([]*Message, len(s.Messages))
		for i, m := range s.Messages {
			c.Messages[i] = m.Clone()
		}
	}
	if s.Streaming != nil {
		c.Streaming = s.Streaming.Clone()
	}
	if s.SlashCommands != nil {
		c.SlashCommands = append([]decode.SlashCommand(nil), s.SlashCommands...)
	}
	return &c
}

// DeltaKind enumerates the wire delta vocabulary (§4.C).
type DeltaKind string

const (
	DeltaStatus    DeltaKind = "status"
	DeltaActivity  DeltaKind = "activity"
	DeltaContent   DeltaKind = "content"
	DeltaThinking  DeltaKind = "thinking_content"
	DeltaToolStart DeltaKind = "tool_start"
	DeltaToolDone  DeltaKind = "tool_complete"
	DeltaAPIError  DeltaKind = "api_error"
)

// Delta is a small structured record describing a change in session state.
// It carries no id or folder: the runtime wraps it in a replay.Frame with a
// monotonic sequence number before fan-out, and the websocket transport
// adds the folder name to the frame it sends.
type Delta struct {
	Kind             DeltaKind `json:"kind"`
	Index            int       `json:"index"`
	Text             string    `json:"text,omitempty"`
	ToolCallID       string    `json:"toolCallId,omitempty"`
	ToolName         string    `json:"toolName,omitempty"`
	ToolDisplayInput string    `json:"toolDisplayInput,omitempty"`
	ToolStatus       string    `json:"toolStatus,omitempty"`
	ToolOutput       string    `json:"toolOutput,omitempty"`
	StatusValue      string    `json:"statusValue,omitempty"`
}
