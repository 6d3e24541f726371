package models

import (
	"reflect"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestToChatMessagesBasicTurn(t *testing.T) {
	conv := Conversation{
		NewPrompt(`[{"role":"system","content":"be nice"},{"role":"assistant","content":"example"}]`),
		NewUser("hi"),
		NewAssistant("hello", "freva"),
	}

	msgs := ToChatMessages(conv, false, false)

	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %+v", msgs)
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "be nice" {
		t.Fatalf("prompt not expanded: %+v", msgs[0])
	}
	if msgs[2].Role != openai.ChatMessageRoleUser || msgs[2].Content != "hi" {
		t.Fatalf("user turn wrong: %+v", msgs[2])
	}
	if msgs[3].Name != "freva" {
		t.Fatalf("assistant name dropped: %+v", msgs[3])
	}
}

func TestToChatMessagesSkipsMalformedPromptEntries(t *testing.T) {
	conv := Conversation{
		NewPrompt(`[{"role":"wizard","content":"nope"},{"role":"user","content":"ok"}]`),
	}

	msgs := ToChatMessages(conv, false, false)

	if len(msgs) != 1 || msgs[0].Content != "ok" {
		t.Fatalf("expected only the valid entry, got %+v", msgs)
	}
}

func TestToChatMessagesCodePair(t *testing.T) {
	conv := Conversation{
		NewCode(`{"code":"print(1)"}`, "c1"),
		NewCodeOutput("1\n", "c1"),
	}

	msgs := ToChatMessages(conv, false, false)

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %+v", msgs)
	}
	call := msgs[0]
	if call.Role != openai.ChatMessageRoleAssistant || len(call.ToolCalls) != 1 {
		t.Fatalf("code call wrong: %+v", call)
	}
	tc := call.ToolCalls[0]
	if tc.ID != "c1" || tc.Function.Name != ToolCodeInterpreter || tc.Function.Arguments != `{"code":"print(1)"}` {
		t.Fatalf("tool call wrong: %+v", tc)
	}
	result := msgs[1]
	if result.Role != openai.ChatMessageRoleTool || result.ToolCallID != "c1" || result.Content != "1\n" {
		t.Fatalf("tool result wrong: %+v", result)
	}
}

func TestToChatMessagesWrapsBareCode(t *testing.T) {
	conv := Conversation{NewCode("print(1)", "c1")}

	msgs := ToChatMessages(conv, false, false)

	args := msgs[0].ToolCalls[0].Function.Arguments
	if args != `{"code":"print(1)"}` {
		t.Fatalf("bare code not wrapped: %s", args)
	}
}

func TestToChatMessagesToolOutputPair(t *testing.T) {
	conv := Conversation{
		NewUser("look it up"),
		NewToolOutput("42", "search", "s1"),
	}

	msgs := ToChatMessages(conv, false, false)

	if len(msgs) != 3 {
		t.Fatalf("expected user, call, result; got %+v", msgs)
	}
	call := msgs[1]
	if call.Role != openai.ChatMessageRoleAssistant || len(call.ToolCalls) != 1 {
		t.Fatalf("no tool_calls message ahead of the result: %+v", call)
	}
	tc := call.ToolCalls[0]
	if tc.ID != "s1" || tc.Function.Name != "search" {
		t.Fatalf("reconstructed call wrong: %+v", tc)
	}
	result := msgs[2]
	if result.Role != openai.ChatMessageRoleTool || result.ToolCallID != "s1" || result.Content != "42" {
		t.Fatalf("tool result wrong: %+v", result)
	}
}

func TestToChatMessagesImages(t *testing.T) {
	conv := Conversation{NewImage("QUJD", "image/png", "c1_0")}

	without := ToChatMessages(conv, false, false)
	if len(without) != 0 {
		t.Fatalf("image should be dropped without include_images: %+v", without)
	}

	with := ToChatMessages(conv, true, false)
	if len(with) != 1 || len(with[0].MultiContent) != 1 {
		t.Fatalf("image message wrong: %+v", with)
	}
	url := with[0].MultiContent[0].ImageURL.URL
	if !strings.HasPrefix(url, "data:image/png;base64,QUJD") {
		t.Fatalf("bad data url: %s", url)
	}
}

func TestToChatMessagesMeta(t *testing.T) {
	conv := Conversation{NewServerError("boom")}

	if msgs := ToChatMessages(conv, false, false); len(msgs) != 0 {
		t.Fatalf("meta leaked without include_meta: %+v", msgs)
	}

	msgs := ToChatMessages(conv, false, true)
	if len(msgs) != 1 || msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Name != "ServerError" {
		t.Fatalf("meta rendering wrong: %+v", msgs)
	}
}

func TestToChatMessagesIdempotent(t *testing.T) {
	conv := Conversation{
		NewUser("hi"),
		NewCode(`{"code":"x"}`, "c1"),
		NewCodeOutput("", "c1"),
		NewImage("QUJD", "image/png", "c1_0"),
	}

	first := ToChatMessages(conv, true, false)
	second := ToChatMessages(conv, true, false)

	if !reflect.DeepEqual(first, second) {
		t.Fatal("conversion is not stable across calls")
	}
}
