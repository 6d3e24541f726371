package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/freva-org/frevagpt/pkg/models"
)

// ParsedResult is the outcome of interpreting one tool response: the events
// to emit, the chat messages the model sees next turn, and whether the tool
// reported a failure.
type ParsedResult struct {
	Variants models.Conversation
	FollowUp []openai.ChatCompletionMessage
	IsError  bool
}

// Shapes the code interpreter returns. structuredContent is the rich form;
// content/text and bare error are fallbacks.
type interpreterResult struct {
	StructuredContent *struct {
		Stdout      string              `json:"stdout"`
		Stderr      string              `json:"stderr"`
		ResultRepr  string              `json:"result_repr"`
		DisplayData []map[string]string `json:"display_data"`
		Error       string              `json:"error"`
	} `json:"structuredContent"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError"`
	Error   json.RawMessage `json:"error"`
}

// ParseToolResult converts a raw JSON-RPC result into stream events and
// follow-up chat messages. callID correlates the events with the originating
// tool call; images get the zero-based index suffix.
func ParseToolResult(raw, toolName, callID string) ParsedResult {
	if toolName == models.ToolCodeInterpreter {
		return parseInterpreterResult(raw, callID)
	}
	return parseGenericResult(raw, toolName, callID)
}

func parseInterpreterResult(raw, callID string) ParsedResult {
	var result interpreterResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		output := strings.TrimSpace(raw)
		return ParsedResult{
			Variants: models.Conversation{models.NewCodeOutput(output, callID)},
			FollowUp: []openai.ChatCompletionMessage{toolMessage(models.ToolCodeInterpreter, callID, output)},
			IsError:  true,
		}
	}

	if sc := result.StructuredContent; sc != nil {
		var b strings.Builder
		if sc.Stdout != "" {
			b.WriteString("\n" + sc.Stdout)
		}
		if sc.ResultRepr != "" {
			b.WriteString("\n" + sc.ResultRepr)
		}
		if sc.Stderr != "" {
			b.WriteString("\n" + sc.Stderr)
		}
		if sc.Error != "" {
			b.WriteString("\n" + sc.Error)
		}
		output := b.String()

		parsed := ParsedResult{
			Variants: models.Conversation{models.NewCodeOutput(output, callID)},
			FollowUp: []openai.ChatCompletionMessage{toolMessage(models.ToolCodeInterpreter, callID, output)},
			IsError:  sc.Stderr != "" || sc.Error != "",
		}

		for i, item := range sc.DisplayData {
			if b64, ok := item["image/png"]; ok {
				imageID := fmt.Sprintf("%s_%d", callID, i)
				parsed.Variants = append(parsed.Variants, models.NewImage(b64, "image/png", imageID))
				parsed.FollowUp = append(parsed.FollowUp, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: fmt.Sprintf("The code produced an image (id %s), shown to the user.", imageID),
				})
			}
			if data, ok := item["application/json"]; ok {
				parsed.Variants = append(parsed.Variants, models.NewCodeOutput(data, callID+":json"))
			}
		}
		return parsed
	}

	if len(result.Error) > 0 {
		message := rawToText(result.Error)
		return ParsedResult{
			Variants: models.Conversation{models.NewCodeOutput(message, callID)},
			FollowUp: []openai.ChatCompletionMessage{toolMessage(models.ToolCodeInterpreter, callID, message)},
			IsError:  true,
		}
	}

	// Generic content form; the model still expects a tool result even when
	// it is empty.
	output := contentText(result.Content)
	return ParsedResult{
		Variants: models.Conversation{models.NewCodeOutput(output, callID)},
		FollowUp: []openai.ChatCompletionMessage{toolMessage(models.ToolCodeInterpreter, callID, output)},
		IsError:  result.IsError,
	}
}

func parseGenericResult(raw, toolName, callID string) ParsedResult {
	var result interpreterResult
	if err := json.Unmarshal([]byte(raw), &result); err == nil && len(result.Error) > 0 {
		message := fmt.Sprintf("tool %s failed: %s", toolName, rawToText(result.Error))
		return ParsedResult{
			Variants: models.Conversation{models.NewServerError(message)},
			FollowUp: []openai.ChatCompletionMessage{toolMessage(toolName, callID, message)},
			IsError:  true,
		}
	}

	output := raw
	if err := json.Unmarshal([]byte(raw), &result); err == nil && len(result.Content) > 0 {
		output = contentText(result.Content)
	}
	return ParsedResult{
		Variants: models.Conversation{models.NewToolOutput(output, toolName, callID)},
		FollowUp: []openai.ChatCompletionMessage{toolMessage(toolName, callID, output)},
		IsError:  result.IsError,
	}
}

// contentText flattens the "content" field, which arrives either as an array
// of {type, text} blocks or as a single {text} object.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	var single struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &single); err == nil && single.Text != "" {
		return single.Text
	}
	return rawToText(raw)
}

func rawToText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func toolMessage(toolName, callID, content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Name:       toolName,
		ToolCallID: callID,
		Content:    content,
	}
}
