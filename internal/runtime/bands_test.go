package runtime

import (
	"encoding/json"
	"testing"
)

func TestClassifyBand(t *testing.T) {
	cases := []struct {
		pct  int
		want contextBand
	}{
		{0, bandNormal},
		{79, bandNormal},
		{80, bandAmber},
		{90, bandRed},
		{95, bandRed},
	}
	for _, c := range cases {
		if got := classifyBand(c.pct); got != c.want {
			t.Errorf("classifyBand(%d) = %v, want %v", c.pct, got, c.want)
		}
	}
}

func TestBandTrackerFiresOncePerCrossing(t *testing.T) {
	bt := &bandTracker{}
	bt.update(bandNormal)
	if note := bt.consumeNote(); note != "" {
		t.Fatalf("expected no note while still normal, got %q", note)
	}

	bt.update(bandAmber)
	note := bt.consumeNote()
	if note == "" {
		t.Fatal("expected a note on crossing into amber")
	}
	if again := bt.consumeNote(); again != "" {
		t.Errorf("expected the note to be one-shot, got a second note %q", again)
	}

	// Re-observing the same band (no new crossing) must not re-arm.
	bt.update(bandAmber)
	if again := bt.consumeNote(); again != "" {
		t.Errorf("expected no note from re-observing the same band, got %q", again)
	}
}

func TestBandTrackerResetsOnCompaction(t *testing.T) {
	bt := &bandTracker{}
	bt.update(bandRed)
	bt.resetOnCompaction()
	if bt.consumeNote() != "" {
		t.Error("expected no pending note after a compaction reset")
	}
	bt.update(bandAmber)
	if bt.consumeNote() == "" {
		t.Error("expected a fresh crossing note after reset, since band was reset to normal")
	}
}

func TestPrependNoteOnTextPrompt(t *testing.T) {
	p := PromptRequest{Text: "do the thing"}
	out := prependNote(p, "[gueridon:system] note")
	if out.Text != "[gueridon:system] note\n\ndo the thing" {
		t.Errorf("Text = %q", out.Text)
	}
}

func TestPrependNoteOnContentPrompt(t *testing.T) {
	block, _ := json.Marshal(map[string]string{"type": "text", "text": "do the thing"})
	p := PromptRequest{Content: []json.RawMessage{block}}
	out := prependNote(p, "[gueridon:system] note")
	if len(out.Content) != 2 {
		t.Fatalf("len(Content) = %d, want 2", len(out.Content))
	}
	var first map[string]string
	if err := json.Unmarshal(out.Content[0], &first); err != nil {
		t.Fatal(err)
	}
	if first["text"] != "[gueridon:system] note" {
		t.Errorf("first block = %+v, want the note leading", first)
	}
}

func TestBuildUserEnvelopeText(t *testing.T) {
	env := buildUserEnvelope(PromptRequest{Text: "hello"})
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "user" || decoded.Message.Role != "user" || decoded.Message.Content != "hello" {
		t.Errorf("decoded = %+v", decoded)
	}
}
