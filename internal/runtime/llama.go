//go:build llama

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	llama "github.com/go-skynet/go-llama.cpp"

	"github.com/avnigashi/lllms/pkg/types"
)

// llama.cpp-backed engine via go-llama.cpp. The binding ties context size to
// model load, so NewContext is where weights are actually mapped. It does not
// decode native function-call syntax: GenerateOutcome.FunctionCalls is always
// empty, and grammars pass through as raw GBNF source.

type llamaEngine struct{}

// NewLlamaEngine returns the llama.cpp-backed engine.
func NewLlamaEngine() Engine { return llamaEngine{} }

func (llamaEngine) LoadModel(ctx context.Context, spec ModelSpec) (Model, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &llamaModel{spec: spec}, nil
}

type llamaModel struct {
	spec ModelSpec
	// base is lazily created for tokenize calls that arrive before any
	// context exists.
	base *llama.LLama
}

func (m *llamaModel) load(ctxSize int, embeddings bool) (*llama.LLama, error) {
	var opts []llama.ModelOption
	if ctxSize > 0 {
		opts = append(opts, llama.SetContext(ctxSize))
	}
	if m.spec.GPULayers > 0 {
		opts = append(opts, llama.SetGPULayers(m.spec.GPULayers))
	}
	if m.spec.MemLock {
		opts = append(opts, llama.EnableMLock)
	}
	if embeddings {
		opts = append(opts, llama.EnableEmbeddings)
	}
	return llama.New(m.spec.Path, opts...)
}

func (m *llamaModel) NewContext(ctx context.Context, spec ContextSpec) (Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := m.load(spec.ContextSize, false)
	if err != nil {
		return nil, err
	}
	c := &llamaContext{model: m, l: l, spec: spec}
	c.seq = &llamaSequence{c: c}
	return c, nil
}

func (m *llamaModel) NewEmbeddingContext(ctx context.Context, spec ContextSpec) (EmbeddingContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := m.load(spec.ContextSize, true)
	if err != nil {
		return nil, err
	}
	return &llamaEmbedding{l: l}, nil
}

func (m *llamaModel) CompileGrammar(source string) (Grammar, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("empty grammar source")
	}
	// go-llama.cpp consumes GBNF source directly at predict time.
	return source, nil
}

func (m *llamaModel) Tokenize(text string) []Token {
	if m.base == nil {
		m.base, _ = m.load(512, false)
	}
	if m.base == nil {
		return nil
	}
	_, ids, err := m.base.TokenizeString(text, llama.SetTokens(0))
	if err != nil {
		return nil
	}
	out := make([]Token, len(ids))
	for i, id := range ids {
		out[i] = Token(id)
	}
	return out
}

func (m *llamaModel) Detokenize(tokens []Token) string {
	// The binding has no public detokenizer; generation callbacks already
	// carry text, so this only serves diagnostics.
	return fmt.Sprintf("<%d tokens>", len(tokens))
}

func (m *llamaModel) Close() error {
	if m.base != nil {
		m.base.Free()
		m.base = nil
	}
	return nil
}

type llamaContext struct {
	model *llamaModel
	l     *llama.LLama
	spec  ContextSpec
	seq   *llamaSequence
}

func (c *llamaContext) Sequence() Sequence { return c.seq }

func (c *llamaContext) Close() error {
	if c.l != nil {
		c.l.Free()
		c.l = nil
	}
	return nil
}

type llamaSequence struct {
	c      *llamaContext
	input  atomic.Int64
	output atomic.Int64
}

func (s *llamaSequence) Meter() TokenMeter   { return s }
func (s *llamaSequence) InputTokens() int64  { return s.input.Load() }
func (s *llamaSequence) OutputTokens() int64 { return s.output.Load() }
func (s *llamaSequence) ClearHistory()       {}

func (s *llamaSequence) NewChat() (Chat, error) {
	if s.c.l == nil {
		return nil, ErrContextUnusable
	}
	return &llamaChat{seq: s}, nil
}

func (s *llamaSequence) predictOptions(sp types.SamplingParams, stop []string, grammar string) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(maxInt(1, sp.MaxTokens)),
		llama.SetThreads(maxInt(1, s.c.spec.Threads)),
	}
	if sp.Temperature > 0 {
		po = append(po, llama.SetTemperature(float32(sp.Temperature)))
	}
	if sp.TopP > 0 {
		po = append(po, llama.SetTopP(float32(sp.TopP)))
	}
	if sp.TopK > 0 {
		po = append(po, llama.SetTopK(sp.TopK))
	}
	if sp.FrequencyPenalty > 0 {
		po = append(po, llama.SetPenalty(float32(1+sp.FrequencyPenalty)))
	}
	if sp.Seed != 0 {
		po = append(po, llama.SetSeed(int(sp.Seed)))
	}
	if len(stop) > 0 {
		po = append(po, llama.SetStopWords(stop...))
	}
	if grammar != "" {
		po = append(po, llama.WithGrammar(grammar))
	}
	return po
}

// predict runs one llama.cpp prediction with streaming and abort handling.
func (s *llamaSequence) predict(ctx context.Context, prompt string, sp types.SamplingParams, stop []string, grammar string, onToken TokenCallback) (string, string, error) {
	l := s.c.l
	if l == nil {
		return "", "", ErrContextUnusable
	}
	s.input.Add(int64(len(s.c.model.Tokenize(prompt))))
	reason := StopEOGToken
	generated := 0
	l.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			reason = StopAbort
			return false
		default:
		}
		generated++
		s.output.Add(1)
		if onToken != nil {
			onToken(nil, tok)
		}
		return true
	})
	out, err := l.Predict(prompt, s.predictOptions(sp, stop, grammar)...)
	if err != nil {
		if ctx.Err() != nil {
			return out, StopAbort, nil
		}
		return "", "", err
	}
	if sp.MaxTokens > 0 && generated >= sp.MaxTokens {
		reason = StopMaxTokens
	}
	return out, reason, nil
}

func (s *llamaSequence) Complete(ctx context.Context, prompt string, opts CompletionOptions, onToken TokenCallback) (CompletionOutcome, error) {
	text, reason, err := s.predict(ctx, prompt, opts.Sampling, opts.Stop, "", onToken)
	if err != nil {
		return CompletionOutcome{}, err
	}
	return CompletionOutcome{Text: text, StopReason: reason}, nil
}

type llamaChat struct {
	seq    *llamaSequence
	closed bool
}

func (ch *llamaChat) Generate(ctx context.Context, history []ChatHistoryItem, opts GenerateOptions) (GenerateOutcome, error) {
	if ch.closed {
		return GenerateOutcome{}, ErrContextUnusable
	}
	grammar, _ := opts.Grammar.(string)
	text, reason, err := ch.seq.predict(ctx, renderPrompt(history), opts.Sampling, opts.StopTriggers, grammar, opts.OnToken)
	if err != nil {
		return GenerateOutcome{}, err
	}
	// Fold the generated text into the trailing model item.
	clean := CloneHistory(history)
	if n := len(clean); n > 0 && clean[n-1].Kind == KindModel {
		clean[n-1].Response = append(clean[n-1].Response, ModelSegment{Text: text})
	} else {
		clean = append(clean, ModelItem(ModelSegment{Text: text}))
	}
	return GenerateOutcome{
		LastEvaluation: LastEvaluation{CleanHistory: clean, ContextWindow: CloneHistory(clean)},
		StopReason:     reason,
	}, nil
}

func (ch *llamaChat) Preload(ctx context.Context, history []ChatHistoryItem) (LastEvaluation, error) {
	out, err := ch.Generate(ctx, append(CloneHistory(history), ModelItem()), GenerateOptions{
		Sampling: types.SamplingParams{MaxTokens: 1},
	})
	if err != nil {
		return LastEvaluation{}, err
	}
	return out.LastEvaluation, nil
}

func (ch *llamaChat) RenderFunctionResult(name string, params, result json.RawMessage) string {
	var b strings.Builder
	b.WriteString("[[call: ")
	b.WriteString(name)
	b.WriteString("(")
	b.Write(params)
	b.WriteString(") -> ")
	b.Write(result)
	b.WriteString("]]")
	return b.String()
}

func (ch *llamaChat) Close() error {
	ch.closed = true
	return nil
}

// renderPrompt flattens canonical history into a plain chat template.
func renderPrompt(history []ChatHistoryItem) string {
	var b strings.Builder
	for _, it := range history {
		switch it.Kind {
		case KindSystem:
			b.WriteString("### System:\n" + it.Text + "\n")
		case KindUser:
			b.WriteString("### User:\n" + it.Text + "\n")
		case KindModel:
			b.WriteString("### Assistant:\n")
			for _, seg := range it.Response {
				if seg.Call != nil {
					b.WriteString(seg.Call.Raw)
				} else {
					b.WriteString(seg.Text)
				}
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

type llamaEmbedding struct {
	l *llama.LLama
}

func (e *llamaEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.l == nil {
		return nil, ErrContextUnusable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.l.Embeddings(text)
}

func (e *llamaEmbedding) Close() error {
	if e.l != nil {
		e.l.Free()
		e.l = nil
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
