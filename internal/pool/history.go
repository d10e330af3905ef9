package pool

import (
	"github.com/avnigashi/lllms/internal/runtime"
	"github.com/avnigashi/lllms/pkg/types"
)

// buildHistory converts wire messages into canonical history. All system
// content is merged into a single leading item, blank-line separated.
// Function-result messages are skipped here; the turn engine splices them
// against the instance's pending-call table.
func buildHistory(msgs []types.ChatMessage) []runtime.ChatHistoryItem {
	var system string
	var items []runtime.ChatHistoryItem
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case types.RoleUser:
			items = append(items, runtime.UserItem(m.Content))
		case types.RoleAssistant:
			items = append(items, runtime.ModelItem(runtime.ModelSegment{Text: m.Content}))
		}
	}
	if system != "" {
		items = append([]runtime.ChatHistoryItem{runtime.SystemItem(system)}, items...)
	}
	return items
}

// itemsMatch compares one canonical item against another for prefix purposes.
// Model items match on their literal text; function-call records the caller
// never sees do not break the match.
func itemsMatch(a, b runtime.ChatHistoryItem) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == runtime.KindModel {
		return a.ResponseText() == b.ResponseText()
	}
	return a.Text == b.Text
}

// commonPrefixLen is the affinity score: the number of leading canonical
// items shared between an instance's history and an incoming conversation.
func commonPrefixLen(have, want []runtime.ChatHistoryItem) int {
	n := 0
	for n < len(have) && n < len(want) && itemsMatch(have[n], want[n]) {
		n++
	}
	return n
}
