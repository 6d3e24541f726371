package models

import "log/slog"

// Cleanup repairs a conversation so that every Code event is answered by
// exactly one CodeOutput with the same id. Image and ServerHint events may
// intervene between a Code and its output; any other variant forces a
// synthetic empty CodeOutput to be inserted first. Mismatched output ids are
// logged and clear the pending call.
//
// When appendTerminal is set and the sequence does not already end with a
// StreamEnd, a StreamEnd with the "unexpected manner" message is appended.
//
// Cleanup is idempotent: applying it twice yields the same result.
func Cleanup(conv Conversation, appendTerminal bool) Conversation {
	out := make(Conversation, 0, len(conv))
	pending := ""

	for _, sv := range conv {
		switch sv.Variant {
		case VariantCode:
			if pending != "" {
				out = append(out, NewCodeOutput("", pending))
			}
			pending = sv.ID
			out = append(out, sv)
		case VariantCodeOutput:
			if pending != "" && sv.ID != pending {
				slog.Warn("code output id mismatch", "expected", pending, "got", sv.ID)
			}
			pending = ""
			out = append(out, sv)
		case VariantImage, VariantServerHint:
			out = append(out, sv)
		default:
			if pending != "" {
				out = append(out, NewCodeOutput("", pending))
				pending = ""
			}
			out = append(out, sv)
		}
	}
	if pending != "" {
		out = append(out, NewCodeOutput("", pending))
	}

	if appendTerminal {
		if len(out) == 0 || out[len(out)-1].Variant != VariantStreamEnd {
			out = append(out, NewStreamEnd(StreamEndUnexpected))
		}
	}
	return out
}

// NormalizeForPrompt prepares a conversation for prompt construction:
// Cleanup followed by dropping meta variants unless includeMeta is set.
func NormalizeForPrompt(conv Conversation, includeMeta bool) Conversation {
	cleaned := Cleanup(conv, false)
	if includeMeta {
		return cleaned
	}
	out := make(Conversation, 0, len(cleaned))
	for _, sv := range cleaned {
		if sv.Variant.IsMeta() {
			continue
		}
		out = append(out, sv)
	}
	return out
}

// FilterForClient prepares a stored conversation for return to clients:
// Prompt snapshots are removed and all StreamEnd markers are elided except a
// final one that did not end in an unexpected manner.
func FilterForClient(conv Conversation) Conversation {
	out := make(Conversation, 0, len(conv))
	for _, sv := range conv {
		switch sv.Variant {
		case VariantPrompt:
			continue
		case VariantStreamEnd:
			continue
		default:
			out = append(out, sv)
		}
	}
	if n := len(conv); n > 0 {
		last := conv[n-1]
		if last.Variant == VariantStreamEnd && last.Content != StreamEndUnexpected {
			out = append(out, last)
		}
	}
	return out
}
