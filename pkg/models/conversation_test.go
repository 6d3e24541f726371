package models

import (
	"reflect"
	"testing"
)

func TestCleanupSynthesizesMissingOutput(t *testing.T) {
	conv := Conversation{
		NewUser("run it"),
		NewCode(`{"code":"print(1)"}`, "c1"),
		NewAssistant("moving on", ""),
	}

	cleaned := Cleanup(conv, false)

	if len(cleaned) != 4 {
		t.Fatalf("expected 4 events, got %d", len(cleaned))
	}
	if cleaned[2].Variant != VariantCodeOutput || cleaned[2].ID != "c1" || cleaned[2].Content != "" {
		t.Fatalf("expected synthetic empty CodeOutput c1, got %+v", cleaned[2])
	}
}

func TestCleanupAllowsInterveningImageAndHint(t *testing.T) {
	conv := Conversation{
		NewCode(`{"code":"plot()"}`, "c1"),
		NewImage("AAAA", "image/png", "c1_0"),
		NewServerHint(map[string]string{"thread_id": "t"}),
		NewCodeOutput("", "c1"),
	}

	cleaned := Cleanup(conv, false)

	if !reflect.DeepEqual(cleaned, conv) {
		t.Fatalf("cleanup changed an already-valid sequence: %+v", cleaned)
	}
}

func TestCleanupTrailingPendingCode(t *testing.T) {
	conv := Conversation{NewCode(`{"code":"x"}`, "c9")}

	cleaned := Cleanup(conv, false)

	if len(cleaned) != 2 || cleaned[1].Variant != VariantCodeOutput || cleaned[1].ID != "c9" {
		t.Fatalf("expected trailing synthetic output, got %+v", cleaned)
	}
}

func TestCleanupAppendsTerminal(t *testing.T) {
	conv := Conversation{NewUser("hi"), NewAssistant("hello", "")}

	cleaned := Cleanup(conv, true)

	last := cleaned[len(cleaned)-1]
	if last.Variant != VariantStreamEnd || last.Content != StreamEndUnexpected {
		t.Fatalf("expected unexpected-manner terminal, got %+v", last)
	}

	// Already terminated sequences stay untouched.
	again := Cleanup(cleaned, true)
	if len(again) != len(cleaned) {
		t.Fatalf("terminal appended twice")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	conv := Conversation{
		NewUser("go"),
		NewCode(`{"code":"a=1"}`, "c1"),
		NewCode(`{"code":"a=2"}`, "c2"),
		NewAssistant("done", ""),
	}

	once := Cleanup(conv, true)
	twice := Cleanup(once, true)

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("cleanup not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestNormalizeForPromptDropsMeta(t *testing.T) {
	conv := Conversation{
		NewUser("hi"),
		NewServerHint("x"),
		NewServerError("boom"),
		NewAssistant("hello", ""),
		NewStreamEnd(StreamEndNormal),
	}

	normalized := NormalizeForPrompt(conv, false)

	if len(normalized) != 2 {
		t.Fatalf("expected 2 events, got %+v", normalized)
	}
	for _, sv := range normalized {
		if sv.Variant.IsMeta() {
			t.Fatalf("meta variant survived: %+v", sv)
		}
	}

	withMeta := NormalizeForPrompt(conv, true)
	if len(withMeta) != len(conv) {
		t.Fatalf("include_meta dropped events: %+v", withMeta)
	}
}

func TestFilterForClient(t *testing.T) {
	conv := Conversation{
		NewPrompt(`[{"role":"system","content":"s"}]`),
		NewUser("hi"),
		NewStreamEnd(StreamEndNormal),
		NewUser("more"),
		NewAssistant("sure", ""),
		NewStreamEnd(StreamEndNormal),
	}

	filtered := FilterForClient(conv)

	if filtered[0].Variant == VariantPrompt {
		t.Fatal("prompt not removed")
	}
	var ends int
	for _, sv := range filtered {
		if sv.Variant == VariantStreamEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("expected exactly one trailing StreamEnd, got %d", ends)
	}
	if last := filtered[len(filtered)-1]; last.Variant != VariantStreamEnd || last.Content != StreamEndNormal {
		t.Fatalf("wrong terminal: %+v", last)
	}
}

func TestFilterForClientDropsUnexpectedTerminal(t *testing.T) {
	conv := Conversation{
		NewUser("hi"),
		NewStreamEnd(StreamEndUnexpected),
	}

	filtered := FilterForClient(conv)

	for _, sv := range filtered {
		if sv.Variant == VariantStreamEnd {
			t.Fatalf("unexpected-manner terminal should be elided: %+v", filtered)
		}
	}
}
