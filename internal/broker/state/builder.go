package state

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/spm1001/gueridon/internal/broker/decode"
)

// syntheticMarker matches the broker's own injected-message prefix. The
// accent is deliberate: it is unlikely to collide with ordinary bracketed
// user text like "[draft] fix the thing".
var syntheticMarker = regexp.MustCompile(`^\[guéridon:[a-zA-Z0-9_-]+\]\s*`)

func stripSyntheticMarker(text string) (stripped string, synthetic bool) {
	loc := syntheticMarker.FindStringIndex(text)
	if loc == nil || loc[0] != 0 {
		return text, false
	}
	return text[loc[1]:], true
}

type blockBuf struct {
	kind      string // text | thinking | tool_use
	text      strings.Builder
	signature strings.Builder
	toolID    string
	toolName  string
}

type pendingMsg struct {
	id      string
	content []ContentItem
	usage   decode.Usage
}

// Options configures a Builder.
type Options struct {
	Live                   bool
	ContextWindowDefault   int
	CompactionDropFraction float64
	CompactionMinTokens    int
}

// Builder folds a decoded event stream into a SessionState (§4.C) and
// raises the small side-effect callbacks the enclosing runtime needs
// (ask-user surfacing, compaction detection, cwd discovery). In replay
// mode (Live=false) the same folding logic runs but no deltas are emitted
// and no callbacks fire, so a replayed log reproduces identical state to
// the original live run without re-triggering one-shot side effects.
type Builder struct {
	opts Options

	OnDelta      func(Delta)
	OnAskUser    func(*ToolCall)
	OnCompaction func()
	OnCwdChange  func(string)

	state     *SessionState
	blocks    map[int]*blockBuf
	toolCalls map[string]*ToolCall
	pending   *pendingMsg

	lastAssistantUsage decode.Usage
	lastTurnTotalInput int
	haveLastTurnTotal  bool
}

func NewBuilder(folderName string, opts Options) *Builder {
	if opts.ContextWindowDefault <= 0 {
		opts.ContextWindowDefault = 200000
	}
	return &Builder{
		opts:      opts,
		state:     &SessionState{FolderName: folderName, Status: StatusIdle},
		blocks:    make(map[int]*blockBuf),
		toolCalls: make(map[string]*ToolCall),
	}
}

// Feed decodes and folds one raw stdout line.
func (b *Builder) Feed(line []byte) {
	b.Handle(decode.Decode(line))
}

// Snapshot returns a defensive copy of the current session state.
func (b *Builder) Snapshot() *SessionState {
	return b.state.Clone()
}

// Handle folds one already-decoded event into the session state.
func (b *Builder) Handle(ev decode.Event) {
	switch ev.Kind {
	case decode.KindSystemInit:
		b.handleSystemInit(ev.SystemInit)
	case decode.KindMessageStart:
		b.blocks = make(map[int]*blockBuf)
		b.state.Streaming = nil
	case decode.KindBlockStart:
		b.handleBlockStart(ev.BlockStart)
	case decode.KindBlockDelta:
		b.handleBlockDelta(ev.BlockDelta)
	case decode.KindBlockStop:
		b.handleBlockStop(ev.BlockStop)
	case decode.KindAssistantComplete:
		b.handleAssistantComplete(ev.Assistant)
	case decode.KindAPIErrorAssistant:
		b.handleAPIError(ev.APIError)
	case decode.KindUserOrToolResult:
		b.handleUserOrToolResult(ev.UserResult)
	case decode.KindTurnResult:
		b.handleTurnResult(ev.TurnResult)
	default:
		// message_delta, message_stop, and anything undecodable: no-op.
	}
}

func (b *Builder) emit(d Delta) {
	if b.opts.Live && b.OnDelta != nil {
		b.OnDelta(d)
	}
}

func (b *Builder) emitStatus() {
	b.emit(Delta{Kind: DeltaStatus, StatusValue: b.state.Status.String()})
}

func (b *Builder) handleSystemInit(si *decode.SystemInit) {
	b.state.Model = si.Model
	if si.SessionID != "" {
		b.state.SessionID = si.SessionID
	}
	if si.SlashCommands != nil {
		b.state.SlashCommands = si.SlashCommands
	}
	b.state.Status = StatusWorking
	if b.opts.Live && b.OnCwdChange != nil && si.Cwd != "" {
		b.OnCwdChange(si.Cwd)
	}
	b.emitStatus()
}

func (b *Builder) handleBlockStart(bs *decode.BlockStart) {
	buf := &blockBuf{kind: bs.Kind, toolID: bs.ID, toolName: bs.Name}
	b.blocks[bs.Index] = buf

	if bs.Kind == "tool_use" && bs.ID != "" {
		if _, ok := b.toolCalls[bs.ID]; !ok {
			b.toolCalls[bs.ID] = &ToolCall{
				ID:            bs.ID,
				Name:          bs.Name,
				Status:        Running,
				AskUserFilter: bs.Name == AskUserToolName,
			}
		}
	}

	if b.opts.Live {
		b.emit(Delta{Kind: DeltaActivity, Index: bs.Index, StatusValue: bs.Kind})
	}
	b.rebuildStreaming()
}

func (b *Builder) handleBlockDelta(bd *decode.BlockDelta) {
	buf, ok := b.blocks[bd.Index]
	if !ok {
		return
	}
	switch bd.Kind {
	case "text", "thinking", "input-json":
		buf.text.WriteString(bd.Text)
	case "signature":
		buf.signature.WriteString(bd.Text)
	}
	b.rebuildStreaming()
}

// rebuildStreaming rebuilds state.Streaming from the live block
// accumulator (§3: "current streaming message (nullable)"), reflecting
// the in-progress assistant message so a client attaching mid-turn sees
// something before the next assistant-complete/turn-result commits it.
func (b *Builder) rebuildStreaming() {
	if len(b.blocks) == 0 {
		b.state.Streaming = nil
		return
	}
	indices := make([]int, 0, len(b.blocks))
	for i := range b.blocks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	msg := &Message{Kind: Assistant}
	for _, i := range indices {
		buf := b.blocks[i]
		switch buf.kind {
		case "text":
			if buf.text.Len() > 0 {
				msg.Content = append(msg.Content, ContentItem{Kind: "text", Text: buf.text.String()})
			}
		case "thinking":
			if buf.text.Len() > 0 {
				msg.Content = append(msg.Content, ContentItem{Kind: "thinking", Text: buf.text.String()})
			}
		case "tool_use":
			if tc, ok := b.toolCalls[buf.toolID]; ok {
				msg.Content = append(msg.Content, ContentItem{Kind: "tool_call", ToolCallID: tc.ID})
			}
		}
	}
	b.state.Streaming = msg
}

func (b *Builder) handleBlockStop(bs *decode.BlockStop) {
	buf, ok := b.blocks[bs.Index]
	if !ok {
		return
	}
	delete(b.blocks, bs.Index)
	defer b.rebuildStreaming()

	switch buf.kind {
	case "text":
		if buf.text.Len() == 0 {
			return
		}
		b.emit(Delta{Kind: DeltaContent, Index: bs.Index, Text: buf.text.String()})
	case "thinking":
		if buf.text.Len() == 0 {
			return
		}
		b.emit(Delta{Kind: DeltaThinking, Index: bs.Index, Text: buf.text.String()})
	case "tool_use":
		tc, ok := b.toolCalls[buf.toolID]
		if !ok {
			return
		}
		if buf.text.Len() > 0 {
			tc.InputRaw = buf.text.String()
			tc.DisplayInput = displayInput(tc.Name, tc.InputRaw)
		}
		if tc.AskUserFilter {
			return
		}
		b.emit(Delta{
			Kind:             DeltaToolStart,
			Index:            bs.Index,
			ToolCallID:       tc.ID,
			ToolName:         tc.Name,
			ToolDisplayInput: tc.DisplayInput,
		})
	}
}

// handleAssistantComplete implements the message-id dedup and turn-local
// commit rules described in §4.C: a repeated id merges into the same
// pending message, a new id commits the previous pending message to the
// session's message list and opens a fresh one.
func (b *Builder) handleAssistantComplete(ac *decode.AssistantComplete) {
	b.lastAssistantUsage = ac.Usage

	switch {
	case b.pending == nil:
		b.pending = &pendingMsg{id: ac.MessageID}
		b.buildPendingContent(ac)
	case b.pending.id == ac.MessageID:
		b.pending.content = nil
		b.buildPendingContent(ac)
	default:
		b.commitPending()
		b.pending = &pendingMsg{id: ac.MessageID}
		b.buildPendingContent(ac)
	}
	b.pending.usage = ac.Usage
}

func (b *Builder) buildPendingContent(ac *decode.AssistantComplete) {
	for _, item := range ac.Content {
		switch item.Type {
		case "text":
			b.pending.content = append(b.pending.content, ContentItem{Kind: "text", Text: item.Text})
		case "thinking":
			b.pending.content = append(b.pending.content, ContentItem{Kind: "thinking", Text: item.Thinking, Signature: item.Signature})
		case "tool_use":
			tc := b.resolveToolCall(item)
			if tc.AskUserFilter && b.opts.Live {
				if b.OnAskUser != nil {
					b.OnAskUser(tc)
				}
				continue
			}
			b.pending.content = append(b.pending.content, ContentItem{Kind: "tool_call", ToolCallID: tc.ID})
		}
	}
}

func (b *Builder) resolveToolCall(item decode.ContentBlock) *ToolCall {
	tc, ok := b.toolCalls[item.ToolUseID]
	if !ok {
		tc = &ToolCall{
			ID:            item.ToolUseID,
			Name:          item.ToolName,
			Status:        Running,
			AskUserFilter: item.ToolName == AskUserToolName,
		}
		b.toolCalls[item.ToolUseID] = tc
	}
	if tc.Name == "" {
		tc.Name = item.ToolName
	}
	if len(item.ToolInputRaw) > 0 {
		tc.InputRaw = string(item.ToolInputRaw)
		tc.DisplayInput = displayInput(tc.Name, tc.InputRaw)
	}
	return tc
}

func (b *Builder) commitPending() {
	if b.pending == nil || b.pending.id == "" {
		return
	}
	msg := &Message{
		Kind:      Assistant,
		ID:        b.pending.id,
		Content:   b.pending.content,
		Usage:     b.pending.usage,
		ToolCalls: make(map[string]*ToolCall),
	}
	for _, item := range b.pending.content {
		if item.Kind != "tool_call" {
			continue
		}
		if tc, ok := b.toolCalls[item.ToolCallID]; ok {
			msg.ToolCalls[tc.ID] = tc
		}
	}
	b.state.Messages = append(b.state.Messages, msg)
	b.pending = nil
	b.state.Streaming = nil
}

func (b *Builder) handleAPIError(ae *decode.APIError) {
	b.state.Messages = append(b.state.Messages, &Message{
		Kind:    Assistant,
		Text:    ae.Message,
		Content: []ContentItem{{Kind: "text", Text: ae.Message}},
	})
	b.state.Status = StatusIdle
	b.state.LastError = ae.Message
	b.emit(Delta{Kind: DeltaAPIError, Text: ae.Message})
	b.emitStatus()
}

func (b *Builder) handleUserOrToolResult(ur *decode.UserOrToolResult) {
	if ur.IsText {
		text, synthetic := stripSyntheticMarker(ur.Text)
		kind := UserText
		if synthetic {
			kind = Synthetic
		}
		b.state.Messages = append(b.state.Messages, &Message{Kind: kind, Text: text, Synthetic: synthetic})
		return
	}

	for _, tr := range ur.ToolResults {
		tc, ok := b.toolCalls[tr.ToolUseID]
		if !ok {
			continue
		}
		if tc.AskUserFilter && b.opts.Live {
			continue
		}
		if tr.IsError {
			tc.Status = ToolErrored
		} else {
			tc.Status = ToolCompleted
		}
		tc.Output = tr.Text
		b.emit(Delta{
			Kind:       DeltaToolDone,
			ToolCallID: tc.ID,
			ToolStatus: tc.Status.String(),
			ToolOutput: tc.Output,
		})
	}
}

func (b *Builder) handleTurnResult(tr *decode.TurnResult) {
	b.commitPending()
	b.state.Status = StatusIdle

	window := b.opts.ContextWindowDefault
	var totalInput int
	haveUsage := false
	for _, mu := range tr.ModelUsage {
		if mu.ContextWindow > 0 {
			window = mu.ContextWindow
		}
		if mu.InputTokens > 0 || mu.CacheReadInputTokens > 0 || mu.CacheCreationInputTokens > 0 {
			totalInput = mu.InputTokens + mu.CacheReadInputTokens + mu.CacheCreationInputTokens
			haveUsage = true
		}
	}
	if !haveUsage {
		totalInput = b.lastAssistantUsage.InputTokens + b.lastAssistantUsage.CacheReadInputTokens + b.lastAssistantUsage.CacheCreationInputTokens
	}
	if window <= 0 {
		window = b.opts.ContextWindowDefault
	}
	if window > 0 {
		b.state.ContextPercent = 100 * totalInput / window
	}

	if b.haveLastTurnTotal && b.lastTurnTotalInput >= b.opts.CompactionMinTokens && b.lastTurnTotalInput > 0 {
		dropFrac := float64(b.lastTurnTotalInput-totalInput) / float64(b.lastTurnTotalInput)
		if dropFrac > b.opts.CompactionDropFraction {
			if b.opts.Live && b.OnCompaction != nil {
				b.OnCompaction()
			}
		}
	}
	b.lastTurnTotalInput = totalInput
	b.haveLastTurnTotal = true

	b.emitStatus()
}

// logEnvelope is the per-line wrapper used by the session log file
// (§6: "{source:\"cc\", event:<original child event>}"). UnwrapLogLine
// strips it when present so replay can feed the inner event straight into
// Decode; lines that are not wrapped pass through unchanged.
type logEnvelope struct {
	Source string          `json:"source"`
	Event  json.RawMessage `json:"event"`
}

func UnwrapLogLine(line []byte) []byte {
	var env logEnvelope
	if err := json.Unmarshal(line, &env); err == nil && env.Source != "" && len(env.Event) > 0 {
		return env.Event
	}
	return line
}
