package tools

import (
	"github.com/dawei-ai/dawei/internal/conversation"
)

// dedupWindow is how many recent assistant messages the duplicate guard
// inspects.
const dedupWindow = 3

// IsDuplicateCall reports whether the model just repeated an identical
// tool call: same name and byte-identical raw arguments within the last
// three assistant messages. Catching this breaks repetition loops before
// they burn a whole turn budget.
func IsDuplicateCall(history []conversation.Message, call conversation.ToolCall) bool {
	seen := 0
	for i := len(history) - 1; i >= 0 && seen < dedupWindow; i-- {
		msg := history[i]
		if msg.Role != conversation.RoleAssistant {
			continue
		}
		seen++
		for _, prev := range msg.ToolCalls {
			if prev.Function.Name == call.Function.Name &&
				prev.Function.Arguments == call.Function.Arguments {
				return true
			}
		}
	}
	return false
}
