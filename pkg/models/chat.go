package models

import (
	"encoding/json"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// ToolCodeInterpreter is the canonical name of the code-interpreter tool.
const ToolCodeInterpreter = "code_interpreter"

var chatRoles = map[string]bool{
	openai.ChatMessageRoleSystem:    true,
	openai.ChatMessageRoleUser:      true,
	openai.ChatMessageRoleAssistant: true,
	openai.ChatMessageRoleTool:      true,
}

// ToChatMessages converts a conversation into chat-completion messages for
// the model. Prompt snapshots are expanded in place; Image events become
// data-URL user messages when includeImages is set and are dropped
// otherwise; meta variants are rendered as named system messages only when
// includeMeta is set.
func ToChatMessages(conv Conversation, includeImages, includeMeta bool) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(conv))

	for _, sv := range conv {
		switch sv.Variant {
		case VariantPrompt:
			msgs = append(msgs, promptMessages(sv.Content)...)

		case VariantUser:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: sv.Content,
			})

		case VariantAssistant:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Name:    sv.Name,
				Content: sv.Content,
			})

		case VariantCode:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				Name: sv.Name,
				ToolCalls: []openai.ToolCall{{
					ID:   sv.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      ToolCodeInterpreter,
						Arguments: codeArguments(sv.Content),
					},
				}},
			})

		case VariantCodeOutput:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Name:       ToolCodeInterpreter,
				ToolCallID: sv.ID,
				Content:    sv.Content,
			})

		case VariantImage:
			if !includeImages {
				continue
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: DataURL(sv.Mime, sv.Content),
					},
				}},
			})

		case VariantToolOutput:
			// A tool-role message is only valid after the assistant message
			// carrying its tool_calls entry; history stores the output alone,
			// so the call is reconstructed in front of it.
			msgs = append(msgs,
				openai.ChatCompletionMessage{
					Role: openai.ChatMessageRoleAssistant,
					ToolCalls: []openai.ToolCall{{
						ID:   sv.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      sv.Name,
							Arguments: "{}",
						},
					}},
				},
				openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Name:       sv.Name,
					ToolCallID: sv.ID,
					Content:    sv.Content,
				})

		default:
			if includeMeta {
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleSystem,
					Name:    string(sv.Variant),
					Content: sv.Content,
				})
			}
		}
	}

	return msgs
}

// promptMessages expands a Prompt snapshot (a JSON array of chat messages)
// into completion messages. Malformed entries are skipped with a warning.
func promptMessages(payload string) []openai.ChatCompletionMessage {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		slog.Warn("prompt snapshot is not a message array", "error", err)
		return nil
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(raw))
	for i, entry := range raw {
		var msg openai.ChatCompletionMessage
		if err := json.Unmarshal(entry, &msg); err != nil {
			slog.Warn("skipping malformed prompt message", "index", i, "error", err)
			continue
		}
		if !chatRoles[msg.Role] {
			slog.Warn("skipping prompt message with unknown role", "index", i, "role", msg.Role)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// codeArguments returns the argument JSON for a code call. Content already
// holding a JSON object is passed through verbatim; plain code is wrapped.
func codeArguments(content string) string {
	if json.Valid([]byte(content)) {
		var probe map[string]any
		if json.Unmarshal([]byte(content), &probe) == nil {
			return content
		}
	}
	wrapped, err := json.Marshal(map[string]string{"code": content})
	if err != nil {
		return content
	}
	return string(wrapped)
}

// DataURL renders a base64 payload as an inline data URL.
func DataURL(mime, b64 string) string {
	if mime == "" {
		mime = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, b64)
}
