package state

import "encoding/json"

// AskUserToolName is the tool whose calls are filtered out of live message
// content and surfaced instead through the builder's ask-user callback
// (§4.C). During replay it is left in place as an ordinary tool call.
const AskUserToolName = "ask-user-question"

// projectors maps a tool name to a field selector for its display input.
// This is the small, extensible lookup named in the design notes: most
// tools fall through to the generic fallback in displayInput.
var projectors = map[string]string{
	"Bash":      "command",
	"shell":     "command",
	"Read":      "file_path",
	"file-read": "file_path",
}

// displayInput extracts a short human-readable projection of a tool's
// parsed input for a given tool name. Known tools use their field; unknown
// tools fall back to a couple of common field names, then the raw JSON.
func displayInput(toolName string, rawInput string) string {
	if rawInput == "" {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(rawInput), &obj); err != nil {
		return rawInput
	}

	if field, ok := projectors[toolName]; ok {
		if v, ok := obj[field]; ok {
			return unquoteOrRaw(v)
		}
	}

	for _, fallback := range []string{"command", "file_path"} {
		if v, ok := obj[fallback]; ok {
			return unquoteOrRaw(v)
		}
	}

	return rawInput
}

func unquoteOrRaw(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
