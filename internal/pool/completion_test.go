package pool

import (
	"context"
	"strings"
	"testing"

	"github.com/avnigashi/lllms/internal/runtime"
	"github.com/avnigashi/lllms/pkg/types"
)

func TestCompletionHappyPath(t *testing.T) {
	eng := newFakeEngine()
	eng.complete = func(prompt string) (runtime.CompletionOutcome, error) {
		return runtime.CompletionOutcome{Text: "echo: " + prompt, StopReason: runtime.StopEOGToken}, nil
	}
	p := newTestPool(t, eng, 1, "m1")
	defer p.Dispose()

	var chunks []string
	res, err := p.Completion(context.Background(), types.CompletionRequest{
		Model:  "m1",
		Prompt: "tell me something",
	}, func(text string) { chunks = append(chunks, text) })
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if !strings.Contains(res.Text, "tell me something") {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.FinishReason != types.FinishEOGToken {
		t.Fatalf("expected eogToken, got %q", res.FinishReason)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected streamed output")
	}
	if res.Usage.PromptTokens == 0 || res.Usage.CompletionTokens == 0 {
		t.Fatalf("missing usage: %+v", res.Usage)
	}
}

// A completion never disturbs warm chat state on the same instance.
func TestCompletionPreservesChatState(t *testing.T) {
	eng := newFakeEngine()
	p := newTestPool(t, eng, 1, "m1")
	defer p.Dispose()

	// Warm the instance with a chat turn.
	if _, err := p.Chat(context.Background(), chatReq("m1", userMsg("warm me")), nil); err != nil {
		t.Fatalf("chat: %v", err)
	}
	ctxBefore := func() int {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return eng.contexts
	}()

	if _, err := p.Completion(context.Background(), types.CompletionRequest{
		Model: "m1", Prompt: "raw", Seed: 7,
	}, nil); err != nil {
		t.Fatalf("completion: %v", err)
	}

	// Warm state forces the completion onto a transient context.
	ctxAfter := func() int {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return eng.contexts
	}()
	if ctxAfter != ctxBefore+1 {
		t.Fatalf("expected a transient completion context, got %d -> %d", ctxBefore, ctxAfter)
	}

	// The warm prefix is still there for the follow-up chat.
	var gotHist []runtime.ChatHistoryItem
	eng.generate = func(ctx context.Context, n int, history []runtime.ChatHistoryItem, opts runtime.GenerateOptions) (runtime.GenerateOutcome, error) {
		gotHist = history
		return answer(history, "again"), nil
	}
	req := chatReq("m1",
		userMsg("warm me"),
		types.ChatMessage{Role: types.RoleAssistant, Content: "ok"},
		userMsg("more"),
	)
	if _, err := p.Chat(context.Background(), req, nil); err != nil {
		t.Fatalf("chat 2: %v", err)
	}
	if len(gotHist) == 0 || gotHist[0].Text != "warm me" {
		t.Fatalf("warm history lost after completion: %+v", gotHist)
	}
}

func TestEmbeddingFiltersStrings(t *testing.T) {
	eng := newFakeEngine()
	p := newTestPool(t, eng, 1, "m1")
	defer p.Dispose()

	res, err := p.Embedding(context.Background(), types.EmbeddingRequest{
		Model: "m1",
		Input: []any{"alpha", 5, "beta gamma", map[string]any{"x": 1}},
	})
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if len(res.Vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(res.Vectors))
	}
	// One token per whitespace field in the fake tokenizer.
	if res.PromptTokens != 3 {
		t.Fatalf("expected 3 prompt tokens, got %d", res.PromptTokens)
	}
}

// The embedding context is created once and reused.
func TestEmbeddingContextIsLazySingleton(t *testing.T) {
	eng := newFakeEngine()
	p := newTestPool(t, eng, 1, "m1")
	defer p.Dispose()

	for i := 0; i < 3; i++ {
		if _, err := p.Embedding(context.Background(), types.EmbeddingRequest{
			Model: "m1", Input: []any{"x"},
		}); err != nil {
			t.Fatalf("embedding %d: %v", i, err)
		}
	}
	eng.mu.Lock()
	embedders := eng.embedders
	eng.mu.Unlock()
	if embedders != 1 {
		t.Fatalf("expected one embedding context, got %d", embedders)
	}
}
