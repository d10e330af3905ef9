package runtime

import (
	"encoding/json"
	"strings"
)

// History item kinds.
const (
	KindSystem = "system"
	KindUser   = "user"
	KindModel  = "model"
)

// FunctionCallRecord is a resolved function call inside a model response.
type FunctionCallRecord struct {
	Name        string
	Description string
	Params      json.RawMessage
	Result      json.RawMessage
	// Raw is the call+result in the model's native syntax.
	Raw string
}

// ModelSegment is one piece of a model response: literal text or a function
// call record. Exactly one field is set.
type ModelSegment struct {
	Text string
	Call *FunctionCallRecord
}

// ChatHistoryItem is the canonical history form consumed by the engine.
// Kind selects the variant: system and user carry Text, model carries
// Response segments.
type ChatHistoryItem struct {
	Kind     string
	Text     string
	Response []ModelSegment
}

func SystemItem(text string) ChatHistoryItem { return ChatHistoryItem{Kind: KindSystem, Text: text} }
func UserItem(text string) ChatHistoryItem   { return ChatHistoryItem{Kind: KindUser, Text: text} }

// ModelItem builds a model item from segments; no segments means an empty
// placeholder generation will write into.
func ModelItem(segments ...ModelSegment) ChatHistoryItem {
	return ChatHistoryItem{Kind: KindModel, Response: segments}
}

// ResponseText concatenates the literal text segments of a model item.
func (it ChatHistoryItem) ResponseText() string {
	if it.Kind != KindModel {
		return ""
	}
	var b strings.Builder
	for _, seg := range it.Response {
		if seg.Call == nil {
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}

// CloneHistory deep-copies a history slice so two owners can append
// independently.
func CloneHistory(items []ChatHistoryItem) []ChatHistoryItem {
	out := make([]ChatHistoryItem, len(items))
	for i, it := range items {
		out[i] = it
		if it.Response != nil {
			out[i].Response = make([]ModelSegment, len(it.Response))
			copy(out[i].Response, it.Response)
		}
	}
	return out
}
