package decode

import "testing"

func TestDecodeSystemInit(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","model":"m","session_id":"s1","cwd":"/x"}`)
	ev := Decode(line)
	if ev.Kind != KindSystemInit {
		t.Fatalf("Kind = %v, want KindSystemInit", ev.Kind)
	}
	if ev.SystemInit.Model != "m" || ev.SystemInit.SessionID != "s1" || ev.SystemInit.Cwd != "/x" {
		t.Errorf("unexpected SystemInit: %+v", ev.SystemInit)
	}
}

func TestDecodeSystemInitSlashCommandsAsStrings(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","model":"m","slash_commands":["/help","/clear"]}`)
	ev := Decode(line)
	if len(ev.SystemInit.SlashCommands) != 2 || ev.SystemInit.SlashCommands[0].Name != "/help" {
		t.Errorf("unexpected SlashCommands: %+v", ev.SystemInit.SlashCommands)
	}
}

func TestDecodeStreamBlockStartAndDelta(t *testing.T) {
	start := Decode([]byte(`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}`))
	if start.Kind != KindBlockStart || start.BlockStart.Kind != "text" {
		t.Fatalf("unexpected block start: %+v", start)
	}

	delta := Decode([]byte(`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}}`))
	if delta.Kind != KindBlockDelta || delta.BlockDelta.Text != "Hello " || delta.BlockDelta.Kind != "text" {
		t.Fatalf("unexpected block delta: %+v", delta)
	}

	stop := Decode([]byte(`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`))
	if stop.Kind != KindBlockStop || stop.BlockStop.Index != 0 {
		t.Fatalf("unexpected block stop: %+v", stop)
	}
}

func TestDecodeToolUseBlockStart(t *testing.T) {
	ev := Decode([]byte(`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"shell"}}}`))
	if ev.Kind != KindBlockStart {
		t.Fatalf("Kind = %v", ev.Kind)
	}
	if ev.BlockStart.ID != "t1" || ev.BlockStart.Name != "shell" || ev.BlockStart.Kind != "tool_use" {
		t.Errorf("unexpected BlockStart: %+v", ev.BlockStart)
	}
}

func TestDecodeInputJSONDelta(t *testing.T) {
	ev := Decode([]byte(`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"comma"}}}`))
	if ev.Kind != KindBlockDelta || ev.BlockDelta.Kind != "input-json" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDecodeAssistantComplete(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"Hello world"}],"usage":{"input_tokens":100,"output_tokens":2}}}`)
	ev := Decode(line)
	if ev.Kind != KindAssistantComplete {
		t.Fatalf("Kind = %v, want KindAssistantComplete", ev.Kind)
	}
	if ev.Assistant.MessageID != "m1" {
		t.Errorf("MessageID = %q", ev.Assistant.MessageID)
	}
	if len(ev.Assistant.Content) != 1 || ev.Assistant.Content[0].Text != "Hello world" {
		t.Errorf("unexpected Content: %+v", ev.Assistant.Content)
	}
	if ev.Assistant.Usage.InputTokens != 100 || ev.Assistant.Usage.OutputTokens != 2 {
		t.Errorf("unexpected Usage: %+v", ev.Assistant.Usage)
	}
}

func TestDecodeAssistantCompleteToolUse(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"id":"m1","content":[{"type":"tool_use","id":"t1","name":"shell","input":{"command":"ls -la"}}]}}`)
	ev := Decode(line)
	if ev.Kind != KindAssistantComplete {
		t.Fatalf("Kind = %v", ev.Kind)
	}
	cb := ev.Assistant.Content[0]
	if cb.Type != "tool_use" || cb.ToolUseID != "t1" || cb.ToolName != "shell" {
		t.Errorf("unexpected tool_use block: %+v", cb)
	}
	if string(cb.ToolInputRaw) != `{"command":"ls -la"}` {
		t.Errorf("unexpected ToolInputRaw: %s", cb.ToolInputRaw)
	}
}

func TestDecodeAPIErrorAssistant(t *testing.T) {
	line := []byte(`{"type":"assistant","isApiError":true,"message":{"id":"m1","content":[{"type":"text","text":"API Error: 529 {\"error\":{\"message\":\"overloaded\"}}"}]}}`)
	ev := Decode(line)
	if ev.Kind != KindAPIErrorAssistant {
		t.Fatalf("Kind = %v, want KindAPIErrorAssistant", ev.Kind)
	}
	if ev.APIError.Message != "529: overloaded" {
		t.Errorf("Message = %q", ev.APIError.Message)
	}
}

func TestDecodeAPIErrorAssistantFallback(t *testing.T) {
	line := []byte(`{"type":"assistant","isApiError":true,"message":{"id":"m1","content":[{"type":"text","text":"API Error: not json at all"}]}}`)
	ev := Decode(line)
	if ev.Kind != KindAPIErrorAssistant {
		t.Fatalf("Kind = %v", ev.Kind)
	}
	if ev.APIError.Message != "API Error: not json at all" {
		t.Errorf("Message = %q, want raw fallback", ev.APIError.Message)
	}
}

func TestDecodeUserTextMessage(t *testing.T) {
	line := []byte(`{"type":"user","message":{"role":"user","content":"hello"}}`)
	ev := Decode(line)
	if ev.Kind != KindUserOrToolResult || !ev.UserResult.IsText || ev.UserResult.Text != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDecodeUserToolResultArray(t *testing.T) {
	line := []byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"file1\nfile2"}]}}`)
	ev := Decode(line)
	if ev.Kind != KindUserOrToolResult {
		t.Fatalf("Kind = %v", ev.Kind)
	}
	if len(ev.UserResult.ToolResults) != 1 || ev.UserResult.ToolResults[0].Text != "file1\nfile2" {
		t.Errorf("unexpected ToolResults: %+v", ev.UserResult.ToolResults)
	}
}

func TestDecodeTurnResult(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","modelUsage":{"m":{"contextWindow":200000}}}`)
	ev := Decode(line)
	if ev.Kind != KindTurnResult {
		t.Fatalf("Kind = %v", ev.Kind)
	}
	if ev.TurnResult.Subtype != "success" {
		t.Errorf("Subtype = %q", ev.TurnResult.Subtype)
	}
	if ev.TurnResult.ModelUsage["m"].ContextWindow != 200000 {
		t.Errorf("ContextWindow = %d", ev.TurnResult.ModelUsage["m"].ContextWindow)
	}
}

func TestDecodeUnknownOnGarbage(t *testing.T) {
	if ev := Decode([]byte("not json at all")); ev.Kind != KindUnknown {
		t.Errorf("Kind = %v, want KindUnknown", ev.Kind)
	}
	if ev := Decode([]byte(`{"type":"something_else"}`)); ev.Kind != KindUnknown {
		t.Errorf("Kind = %v, want KindUnknown", ev.Kind)
	}
	if ev := Decode([]byte("")); ev.Kind != KindUnknown {
		t.Errorf("Kind = %v, want KindUnknown", ev.Kind)
	}
}
