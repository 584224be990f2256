package runtime

import "encoding/json"

// contextBand is the context-percent band used for the one-shot note
// prepended to the next prompt when the turn crosses into it (§4.E).
type contextBand int

const (
	bandNormal contextBand = iota
	bandAmber
	bandRed
)

func classifyBand(contextPercent int) contextBand {
	remaining := 100 - contextPercent
	switch {
	case remaining <= 10:
		return bandRed
	case remaining <= 20:
		return bandAmber
	default:
		return bandNormal
	}
}

// bandTracker tracks the current context band and whether a crossing note
// is still owed to the next prompt. It resets to normal on a real
// compaction, per §4.E.
type bandTracker struct {
	current contextBand
	pending contextBand // 0 (bandNormal) means nothing pending
	owed    bool
}

func (b *bandTracker) update(newBand contextBand) {
	if newBand == b.current {
		return
	}
	if newBand > b.current {
		b.pending = newBand
		b.owed = true
	}
	b.current = newBand
}

func (b *bandTracker) resetOnCompaction() {
	b.current = bandNormal
	b.pending = bandNormal
	b.owed = false
}

// consumeNote returns the pending band-crossing note text, if one is owed,
// and clears it (one-shot per crossing).
func (b *bandTracker) consumeNote() string {
	if !b.owed {
		return ""
	}
	b.owed = false
	switch b.pending {
	case bandAmber:
		return "[gueridon:system] Context window is at 20% or less remaining."
	case bandRed:
		return "[gueridon:system] Context window is at 10% or less remaining."
	default:
		return ""
	}
}

// prependNote puts note in front of the prompt: a text prompt gets it
// prefixed to its text, separated by a blank line; a content-array prompt
// gets it as a leading text block.
func prependNote(p PromptRequest, note string) PromptRequest {
	if len(p.Content) == 0 && p.Text != "" {
		p.Text = note + "\n\n" + p.Text
		return p
	}
	noteBlock, _ := json.Marshal(map[string]string{"type": "text", "text": note})
	p.Content = append([]json.RawMessage{noteBlock}, p.Content...)
	return p
}

// buildUserEnvelope builds the stdin envelope delivered to the child
// (§4.E): {type:"user", message:{role:"user", content: <text or
// content-array>}}.
func buildUserEnvelope(p PromptRequest) map[string]any {
	var content any
	if len(p.Content) > 0 {
		content = p.Content
	} else {
		content = p.Text
	}
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
}
