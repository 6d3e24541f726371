package models

import (
	"encoding/json"
	"fmt"
)

// wireVariant is the on-the-wire shape of a stream variant:
//
//	{"variant": "<Tag>", "content": <payload>[, "id": "<call id>"]}
//
// Code and CodeOutput encode content as the two-element array
// [args_or_output, id]. Image additionally carries "mime", Assistant "name"
// and ToolOutput "tool_name". Decoding accepts both the array form and the
// canonical object form with a separate "id" field.
type wireVariant struct {
	Variant  Variant         `json:"variant"`
	Content  json.RawMessage `json:"content"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Mime     string          `json:"mime,omitempty"`
}

// MarshalJSON renders the wire form.
func (sv StreamVariant) MarshalJSON() ([]byte, error) {
	w := wireVariant{Variant: sv.Variant}

	switch sv.Variant {
	case VariantCode, VariantCodeOutput:
		pair, err := json.Marshal([2]string{sv.Content, sv.ID})
		if err != nil {
			return nil, err
		}
		w.Content = pair
	case VariantImage:
		content, err := json.Marshal(sv.Content)
		if err != nil {
			return nil, err
		}
		w.Content = content
		w.ID = sv.ID
		w.Mime = sv.Mime
	case VariantAssistant:
		content, err := json.Marshal(sv.Content)
		if err != nil {
			return nil, err
		}
		w.Content = content
		w.Name = sv.Name
	case VariantToolOutput:
		content, err := json.Marshal(sv.Content)
		if err != nil {
			return nil, err
		}
		w.Content = content
		w.ID = sv.ID
		w.ToolName = sv.Name
	default:
		content, err := json.Marshal(sv.Content)
		if err != nil {
			return nil, err
		}
		w.Content = content
	}

	return json.Marshal(w)
}

// UnmarshalJSON parses either wire form.
func (sv *StreamVariant) UnmarshalJSON(data []byte) error {
	var w wireVariant
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Variant == "" {
		return fmt.Errorf("stream variant: missing variant tag")
	}

	out := StreamVariant{
		Variant: w.Variant,
		ID:      w.ID,
		Mime:    w.Mime,
		Name:    w.Name,
	}
	if w.ToolName != "" {
		out.Name = w.ToolName
	}

	if len(w.Content) > 0 {
		var asString string
		if err := json.Unmarshal(w.Content, &asString); err == nil {
			out.Content = asString
		} else {
			var asPair []json.RawMessage
			if err := json.Unmarshal(w.Content, &asPair); err == nil {
				if len(asPair) > 0 {
					var first string
					if json.Unmarshal(asPair[0], &first) == nil {
						out.Content = first
					} else {
						out.Content = string(asPair[0])
					}
				}
				if len(asPair) > 1 && out.ID == "" {
					var second string
					if json.Unmarshal(asPair[1], &second) == nil {
						out.ID = second
					}
				}
			} else {
				// Inner objects (e.g. ServerHint data) are kept as their
				// JSON encoding.
				out.Content = string(w.Content)
			}
		}
	}

	*sv = out
	return nil
}

// DecodeConversation parses a JSON array of wire events.
func DecodeConversation(data []byte) (Conversation, error) {
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return conv, nil
}

// EncodeConversation renders a conversation as a JSON array of wire events.
func EncodeConversation(conv Conversation) ([]byte, error) {
	if conv == nil {
		conv = Conversation{}
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}
	return data, nil
}
