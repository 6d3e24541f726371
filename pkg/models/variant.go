// Package models provides the domain types for the FrevaGPT chatbot backend.
//
// The central type is StreamVariant, the tagged union every conversation is
// made of. A conversation is an ordered slice of variants; the same shape is
// streamed to clients, persisted, and converted back into chat-completion
// messages for the model.
package models

import (
	"encoding/json"
	"fmt"
)

// Variant identifies the kind of stream event.
type Variant string

const (
	// VariantPrompt is the initial system/examples prompt snapshot. Persisted
	// but never returned to clients.
	VariantPrompt Variant = "Prompt"

	// VariantUser is a user-authored message.
	VariantUser Variant = "User"

	// VariantAssistant is an assistant message or streamed fragment.
	VariantAssistant Variant = "Assistant"

	// VariantCode is a tool call to the code interpreter. Content carries the
	// raw argument JSON; ID correlates the call with its output.
	VariantCode Variant = "Code"

	// VariantCodeOutput is the result for a previous Code with matching ID.
	VariantCodeOutput Variant = "CodeOutput"

	// VariantImage is base64-encoded rich output bound to a call id.
	VariantImage Variant = "Image"

	// VariantToolOutput is generic output from tools other than the code
	// interpreter.
	VariantToolOutput Variant = "ToolOutput"

	// VariantServerHint carries out-of-band metadata (thread id, heartbeat
	// telemetry). Content is a JSON-encoded string of the inner object for
	// frontend compatibility.
	VariantServerHint Variant = "ServerHint"

	// VariantServerError reports a server-side failure, non-fatal to the
	// conversation.
	VariantServerError Variant = "ServerError"

	// VariantOpenAIError reports a failure of the model stream.
	VariantOpenAIError Variant = "OpenAIError"

	// VariantCodeError reports a hard failure of the code interpreter.
	VariantCodeError Variant = "CodeError"

	// VariantStreamEnd is the terminal marker for a stream segment.
	VariantStreamEnd Variant = "StreamEnd"
)

// Terminal messages used on the wire.
const (
	StreamEndNormal     = "Stream ended."
	StreamEndStopped    = "Stream is stopped by user."
	StreamEndCancelled  = "Cancelled."
	StreamEndError      = "Stream ended with an error."
	StreamEndUnexpected = "Stream ended in a very unexpected manner"
)

// StreamVariant is one element of a conversation's typed event stream.
//
// Field usage per variant:
//
//	Prompt      Content = JSON array of chat messages
//	User        Content = text
//	Assistant   Content = text, Name = assistant name
//	Code        Content = argument JSON, ID = call id
//	CodeOutput  Content = output, ID = call id
//	Image       Content = base64 payload, Mime, ID = call id + index suffix
//	ToolOutput  Content = output, Name = tool name, ID = call id
//	ServerHint  Content = JSON-encoded inner object
//	*Error      Content = message
//	StreamEnd   Content = message
type StreamVariant struct {
	Variant Variant
	Content string
	Name    string
	ID      string
	Mime    string
}

// Conversation is an ordered sequence of stream variants.
type Conversation []StreamVariant

// IsMeta reports whether the variant is out-of-band metadata rather than
// conversational content.
func (v Variant) IsMeta() bool {
	switch v {
	case VariantServerHint, VariantServerError, VariantOpenAIError, VariantCodeError, VariantStreamEnd:
		return true
	}
	return false
}

// NewPrompt wraps a prompt snapshot (a JSON array of chat messages).
func NewPrompt(payload string) StreamVariant {
	return StreamVariant{Variant: VariantPrompt, Content: payload}
}

// NewUser wraps a user message.
func NewUser(text string) StreamVariant {
	return StreamVariant{Variant: VariantUser, Content: text}
}

// NewAssistant wraps an assistant message or fragment.
func NewAssistant(text, name string) StreamVariant {
	return StreamVariant{Variant: VariantAssistant, Content: text, Name: name}
}

// NewCode wraps a code-interpreter call. args is the raw argument JSON.
func NewCode(args, id string) StreamVariant {
	return StreamVariant{Variant: VariantCode, Content: args, ID: id}
}

// NewCodeOutput wraps the result of a code-interpreter call.
func NewCodeOutput(output, id string) StreamVariant {
	return StreamVariant{Variant: VariantCodeOutput, Content: output, ID: id}
}

// NewImage wraps base64 rich output produced by a tool call.
func NewImage(b64, mime, id string) StreamVariant {
	return StreamVariant{Variant: VariantImage, Content: b64, Mime: mime, ID: id}
}

// NewToolOutput wraps generic tool output.
func NewToolOutput(output, toolName, id string) StreamVariant {
	return StreamVariant{Variant: VariantToolOutput, Content: output, Name: toolName, ID: id}
}

// NewServerHint JSON-encodes data into a ServerHint. Strings are passed
// through unchanged.
func NewServerHint(data any) StreamVariant {
	var content string
	switch d := data.(type) {
	case string:
		content = d
	default:
		encoded, err := json.Marshal(d)
		if err != nil {
			content = fmt.Sprintf("%v", d)
		} else {
			content = string(encoded)
		}
	}
	return StreamVariant{Variant: VariantServerHint, Content: content}
}

// NewServerError wraps a server-side failure message.
func NewServerError(message string) StreamVariant {
	return StreamVariant{Variant: VariantServerError, Content: message}
}

// NewOpenAIError wraps a model-stream failure message.
func NewOpenAIError(message string) StreamVariant {
	return StreamVariant{Variant: VariantOpenAIError, Content: message}
}

// NewCodeError wraps an interpreter hard-failure message.
func NewCodeError(message string) StreamVariant {
	return StreamVariant{Variant: VariantCodeError, Content: message}
}

// NewStreamEnd wraps a terminal marker.
func NewStreamEnd(message string) StreamVariant {
	return StreamVariant{Variant: VariantStreamEnd, Content: message}
}

// CodeText extracts the "code" field from a Code variant's argument JSON.
// Returns the raw content when the arguments do not parse.
func (sv StreamVariant) CodeText() string {
	if sv.Variant != VariantCode {
		return ""
	}
	var args struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(sv.Content), &args); err != nil || args.Code == "" {
		return sv.Content
	}
	return args.Code
}

// HintData decodes a ServerHint's inner object. Returns the raw string when
// the content is not JSON.
func (sv StreamVariant) HintData() any {
	var data any
	if err := json.Unmarshal([]byte(sv.Content), &data); err != nil {
		return sv.Content
	}
	return data
}
