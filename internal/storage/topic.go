package storage

import (
	"strings"

	"github.com/freva-org/frevagpt/pkg/models"
)

const maxTopicRunes = 80

// DeriveTopic summarizes a conversation as its first user turn, whitespace
// collapsed and truncated. Empty when the conversation has no user turn.
func DeriveTopic(conv models.Conversation) string {
	for _, sv := range conv {
		if sv.Variant != models.VariantUser {
			continue
		}
		topic := strings.Join(strings.Fields(sv.Content), " ")
		runes := []rune(topic)
		if len(runes) > maxTopicRunes {
			topic = string(runes[:maxTopicRunes-1]) + "…"
		}
		return topic
	}
	return ""
}
