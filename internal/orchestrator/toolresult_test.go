package orchestrator

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/freva-org/frevagpt/pkg/models"
)

func TestParseInterpreterStdout(t *testing.T) {
	raw := `{"structuredContent":{"stdout":"1\n","stderr":"","result_repr":"","display_data":[],"error":""}}`

	parsed := ParseToolResult(raw, models.ToolCodeInterpreter, "c1")

	if parsed.IsError {
		t.Fatal("stdout-only result should not be an error")
	}
	if len(parsed.Variants) != 1 {
		t.Fatalf("expected one variant, got %+v", parsed.Variants)
	}
	out := parsed.Variants[0]
	if out.Variant != models.VariantCodeOutput || out.ID != "c1" || out.Content != "\n1\n" {
		t.Fatalf("wrong output: %+v", out)
	}
	if len(parsed.FollowUp) != 1 || parsed.FollowUp[0].Role != openai.ChatMessageRoleTool || parsed.FollowUp[0].ToolCallID != "c1" {
		t.Fatalf("wrong follow-up: %+v", parsed.FollowUp)
	}
}

func TestParseInterpreterEmptyResultStillEmitted(t *testing.T) {
	raw := `{"structuredContent":{"stdout":"","stderr":"","result_repr":"","display_data":[],"error":""}}`

	parsed := ParseToolResult(raw, models.ToolCodeInterpreter, "c1")

	if len(parsed.Variants) != 1 || parsed.Variants[0].Content != "" {
		t.Fatalf("empty output must still produce a CodeOutput: %+v", parsed.Variants)
	}
}

func TestParseInterpreterStderrMarksError(t *testing.T) {
	raw := `{"structuredContent":{"stdout":"","stderr":"Traceback","result_repr":"","display_data":[],"error":""}}`

	parsed := ParseToolResult(raw, models.ToolCodeInterpreter, "c1")

	if !parsed.IsError {
		t.Fatal("stderr should mark the result as an error")
	}
	if parsed.Variants[0].Content != "\nTraceback" {
		t.Fatalf("stderr not appended: %+v", parsed.Variants[0])
	}
}

func TestParseInterpreterDisplayData(t *testing.T) {
	raw := `{"structuredContent":{"stdout":"","stderr":"","result_repr":"","display_data":[{"image/png":"QkFTRTY0"},{"application/json":"{\"x\":1}"}],"error":""}}`

	parsed := ParseToolResult(raw, models.ToolCodeInterpreter, "c1")

	if len(parsed.Variants) != 3 {
		t.Fatalf("expected output, image, and json companion: %+v", parsed.Variants)
	}

	img := parsed.Variants[1]
	if img.Variant != models.VariantImage || img.ID != "c1_0" || img.Content != "QkFTRTY0" || img.Mime != "image/png" {
		t.Fatalf("wrong image: %+v", img)
	}

	jsonOut := parsed.Variants[2]
	if jsonOut.Variant != models.VariantCodeOutput || jsonOut.ID != "c1:json" {
		t.Fatalf("wrong json companion: %+v", jsonOut)
	}

	var announcements int
	for _, msg := range parsed.FollowUp {
		if msg.Role == openai.ChatMessageRoleUser {
			announcements++
		}
	}
	if announcements != 1 {
		t.Fatalf("expected one image announcement, got %+v", parsed.FollowUp)
	}
}

func TestParseInterpreterErrorField(t *testing.T) {
	raw := `{"error":"kernel died"}`

	parsed := ParseToolResult(raw, models.ToolCodeInterpreter, "c1")

	if !parsed.IsError {
		t.Fatal("error field should mark the result")
	}
	if parsed.Variants[0].Variant != models.VariantCodeOutput || parsed.Variants[0].Content != "kernel died" {
		t.Fatalf("wrong variant: %+v", parsed.Variants[0])
	}
}

func TestParseInterpreterNonJSONFallback(t *testing.T) {
	parsed := ParseToolResult("total garbage", models.ToolCodeInterpreter, "c1")

	if !parsed.IsError {
		t.Fatal("unparseable result should be an error")
	}
	if parsed.Variants[0].Content != "total garbage" {
		t.Fatalf("raw text dropped: %+v", parsed.Variants[0])
	}
}

func TestParseInterpreterContentBlocks(t *testing.T) {
	raw := `{"content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]}`

	parsed := ParseToolResult(raw, models.ToolCodeInterpreter, "c1")

	if parsed.IsError {
		t.Fatal("content result should not be an error")
	}
	if parsed.Variants[0].Content != "line one\nline two" {
		t.Fatalf("content blocks not flattened: %+v", parsed.Variants[0])
	}
}

func TestParseGenericTool(t *testing.T) {
	raw := `{"content":[{"type":"text","text":"three results"}]}`

	parsed := ParseToolResult(raw, "search", "t1")

	out := parsed.Variants[0]
	if out.Variant != models.VariantToolOutput || out.Name != "search" || out.ID != "t1" || out.Content != "three results" {
		t.Fatalf("wrong tool output: %+v", out)
	}
}

func TestParseGenericToolError(t *testing.T) {
	parsed := ParseToolResult(`{"error":"denied"}`, "search", "t1")

	if !parsed.IsError || parsed.Variants[0].Variant != models.VariantServerError {
		t.Fatalf("expected server error variant: %+v", parsed.Variants)
	}
}
