// ABOUTME: Context trimming and prompt assembly for retrieval-augmented answers
// ABOUTME: Trimming is a message-count sliding window: oldest dropped first

package inference

import (
	"fmt"
	"strings"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/retrieval"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

const systemPrompt = `You are a security analyst assistant for a Wazuh deployment.
Answer using the referenced log excerpts when they are relevant and cite them as [n].
If the references do not contain the answer, say so plainly rather than guessing.`

// maxReferenceChars bounds each reference excerpt placed in the prompt.
const maxReferenceChars = 1200

// TrimContext keeps the last max user and assistant messages, in order.
// System records (command invocations, notices) never enter the prompt.
// Nothing is summarized.
func TrimContext(history []*store.Message, max int) []*store.Message {
	conv := make([]*store.Message, 0, len(history))
	for _, m := range history {
		if m.Role == store.RoleUser || m.Role == store.RoleAssistant {
			conv = append(conv, m)
		}
	}
	if max <= 0 {
		return nil
	}
	if len(conv) > max {
		conv = conv[len(conv)-max:]
	}
	return conv
}

// BuildPrompt assembles the system instructions, trimmed turns, and the
// query annotated with retrieved references.
func BuildPrompt(history []*store.Message, refs []retrieval.Result, query string) Prompt {
	turns := make([]Turn, 0, len(history))
	for _, m := range history {
		sp := SpeakerUser
		if m.Role == store.RoleAssistant {
			sp = SpeakerAssistant
		}
		turns = append(turns, Turn{Speaker: sp, Text: m.Content})
	}

	var sys strings.Builder
	sys.WriteString(systemPrompt)
	if len(refs) > 0 {
		sys.WriteString("\n\nReferences:\n")
		for i, r := range refs {
			fmt.Fprintf(&sys, "[%d] (%s) %s\n", i+1, r.Source, r.Snippet(maxReferenceChars))
		}
	} else {
		sys.WriteString("\n\nNo log references were retrieved for this question.")
	}

	return Prompt{System: sys.String(), Turns: turns, Query: query}
}
