package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/avnigashi/lllms/internal/runtime"
	"github.com/avnigashi/lllms/pkg/types"
)

// createModelFile creates a small weight file and returns its path.
func createModelFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}
	return p
}

// generateFunc scripts one generation round. call counts rounds within the
// lifetime of a model instance, starting at 0.
type generateFunc func(ctx context.Context, call int, history []runtime.ChatHistoryItem, opts runtime.GenerateOptions) (runtime.GenerateOutcome, error)

// fakeEngine is an in-memory inference engine. Each loaded model gets a
// serial id so tests can tell instances apart.
type fakeEngine struct {
	mu       sync.Mutex
	loadErr  error
	loadGate chan struct{} // when set, LoadModel blocks until closed
	generate generateFunc
	complete func(prompt string) (runtime.CompletionOutcome, error)

	loads     int
	live      int
	maxLive   int
	contexts  int
	embedders int
}

func newFakeEngine() *fakeEngine { return &fakeEngine{} }

func (e *fakeEngine) LoadModel(ctx context.Context, spec runtime.ModelSpec) (runtime.Model, error) {
	if gate := e.loadGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		err := e.loadErr
		e.loadErr = nil
		return nil, err
	}
	e.loads++
	e.live++
	if e.live > e.maxLive {
		e.maxLive = e.live
	}
	return &fakeModel{eng: e, id: e.loads, path: spec.Path}, nil
}

func (e *fakeEngine) liveModels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

type fakeModel struct {
	eng  *fakeEngine
	id   int
	path string
	gen  int // generation rounds served, across chats
}

func (m *fakeModel) NewContext(ctx context.Context, spec runtime.ContextSpec) (runtime.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.eng.mu.Lock()
	m.eng.contexts++
	m.eng.mu.Unlock()
	c := &fakeContext{model: m}
	c.seq = &fakeSequence{c: c}
	return c, nil
}

func (m *fakeModel) NewEmbeddingContext(ctx context.Context, spec runtime.ContextSpec) (runtime.EmbeddingContext, error) {
	m.eng.mu.Lock()
	m.eng.embedders++
	m.eng.mu.Unlock()
	return &fakeEmbedder{}, nil
}

func (m *fakeModel) CompileGrammar(source string) (runtime.Grammar, error) {
	if source == "" {
		return nil, fmt.Errorf("empty grammar")
	}
	return source, nil
}

func (m *fakeModel) Tokenize(text string) []runtime.Token {
	fields := strings.Fields(text)
	out := make([]runtime.Token, len(fields))
	for i := range fields {
		out[i] = runtime.Token(i)
	}
	return out
}

func (m *fakeModel) Detokenize(tokens []runtime.Token) string {
	return fmt.Sprintf("<%d tokens>", len(tokens))
}

func (m *fakeModel) Close() error {
	m.eng.mu.Lock()
	m.eng.live--
	m.eng.mu.Unlock()
	return nil
}

type fakeContext struct {
	model  *fakeModel
	seq    *fakeSequence
	closed bool
}

func (c *fakeContext) Sequence() runtime.Sequence { return c.seq }
func (c *fakeContext) Close() error {
	c.closed = true
	return nil
}

type fakeSequence struct {
	c      *fakeContext
	input  atomic.Int64
	output atomic.Int64
}

func (s *fakeSequence) Meter() runtime.TokenMeter { return s }
func (s *fakeSequence) InputTokens() int64        { return s.input.Load() }
func (s *fakeSequence) OutputTokens() int64       { return s.output.Load() }
func (s *fakeSequence) ClearHistory()             {}

func (s *fakeSequence) NewChat() (runtime.Chat, error) {
	return &fakeChat{seq: s}, nil
}

func (s *fakeSequence) Complete(ctx context.Context, prompt string, opts runtime.CompletionOptions, onToken runtime.TokenCallback) (runtime.CompletionOutcome, error) {
	if err := ctx.Err(); err != nil {
		return runtime.CompletionOutcome{}, err
	}
	s.input.Add(int64(len(strings.Fields(prompt))))
	if fn := s.c.model.eng.complete; fn != nil {
		out, err := fn(prompt)
		if err == nil {
			s.output.Add(int64(len(strings.Fields(out.Text))))
			if onToken != nil {
				onToken(nil, out.Text)
			}
		}
		return out, err
	}
	text := "completed"
	s.output.Add(1)
	if onToken != nil {
		onToken(nil, text)
	}
	return runtime.CompletionOutcome{Text: text, StopReason: runtime.StopEOGToken}, nil
}

type fakeChat struct {
	seq *fakeSequence
}

// answer builds the default outcome: clone the history and fold text into
// the trailing model item.
func answer(history []runtime.ChatHistoryItem, text string, calls ...runtime.FunctionCall) runtime.GenerateOutcome {
	clean := runtime.CloneHistory(history)
	appendToTrailingModel(&clean, runtime.ModelSegment{Text: text})
	stop := runtime.StopEOGToken
	if len(calls) > 0 {
		stop = runtime.StopFunctionCalls
	}
	return runtime.GenerateOutcome{
		FunctionCalls:  calls,
		LastEvaluation: runtime.LastEvaluation{CleanHistory: clean, ContextWindow: runtime.CloneHistory(clean)},
		StopReason:     stop,
	}
}

func (ch *fakeChat) Generate(ctx context.Context, history []runtime.ChatHistoryItem, opts runtime.GenerateOptions) (runtime.GenerateOutcome, error) {
	model := ch.seq.c.model
	eng := model.eng
	call := model.gen
	model.gen++

	ch.seq.input.Add(int64(len(history)))

	var out runtime.GenerateOutcome
	var err error
	if eng.generate != nil {
		out, err = eng.generate(ctx, call, history, opts)
	} else {
		out = answer(history, "ok")
	}
	if err != nil {
		return runtime.GenerateOutcome{}, err
	}
	if text := trailingModelText(out.LastEvaluation.CleanHistory); text != "" && opts.OnToken != nil {
		opts.OnToken(nil, text)
	}
	ch.seq.output.Add(int64(len(out.LastEvaluation.CleanHistory)))

	if opts.StopOnAbortSignal && ctx.Err() != nil {
		out.StopReason = runtime.StopAbort
		out.FunctionCalls = nil
	}
	return out, err
}

func (ch *fakeChat) Preload(ctx context.Context, history []runtime.ChatHistoryItem) (runtime.LastEvaluation, error) {
	out := answer(append(runtime.CloneHistory(history), runtime.ModelItem()), "")
	return out.LastEvaluation, nil
}

func (ch *fakeChat) RenderFunctionResult(name string, params, result json.RawMessage) string {
	return fmt.Sprintf("[%s(%s) -> %s]", name, params, result)
}

func (ch *fakeChat) Close() error { return nil }

type fakeEmbedder struct{ closed bool }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []float32{float32(len(text))}, nil
}

func (f *fakeEmbedder) Close() error {
	f.closed = true
	return nil
}

// newTestPool wires a pool over the fake engine with the given models.
func newTestPool(t *testing.T, eng *fakeEngine, concurrency int, models ...string) *Pool {
	t.Helper()
	dir := t.TempDir()
	cfgs := make(map[string]types.ModelConfig, len(models))
	for _, name := range models {
		cfgs[name] = types.ModelConfig{File: createModelFile(t, dir, name+".gguf")}
	}
	return New(Config{
		Concurrency: concurrency,
		ModelsDir:   dir,
		Models:      cfgs,
		Logger:      zerolog.Nop(),
	}, eng, nil)
}

// newTestPoolWith is newTestPool with full model configs. Entries with
// neither a file path nor a URL get a weight file created for them.
func newTestPoolWith(t *testing.T, eng *fakeEngine, concurrency int, models map[string]types.ModelConfig) *Pool {
	t.Helper()
	dir := t.TempDir()
	for name, mc := range models {
		if mc.File == "" && mc.URL == "" {
			mc.File = createModelFile(t, dir, name+".gguf")
			models[name] = mc
		}
	}
	return New(Config{
		Concurrency: concurrency,
		ModelsDir:   dir,
		Models:      models,
		Logger:      zerolog.Nop(),
	}, eng, nil)
}

func userMsg(text string) types.ChatMessage {
	return types.ChatMessage{Role: types.RoleUser, Content: text}
}
