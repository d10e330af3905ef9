// Package runtime abstracts the underlying LLM inference engine. The pool
// treats everything here as an opaque capability: tensor math, tokenization
// and KV-cache management live behind these interfaces.
package runtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/avnigashi/lllms/pkg/types"
)

// Token is one vocabulary id.
type Token int32

// TokenCallback receives streamed tokens together with their detokenized text.
type TokenCallback func(tokens []Token, text string)

// ErrContextUnusable is returned (or wrapped) by an engine when a context can
// no longer serve requests and the owning instance must be disposed.
var ErrContextUnusable = errors.New("inference context unusable")

// Engine is the entrypoint: it loads model weights from disk.
type Engine interface {
	LoadModel(ctx context.Context, spec ModelSpec) (Model, error)
}

// ModelSpec carries load-time options.
type ModelSpec struct {
	Path      string
	GPU       string // auto, metal, cuda, vulkan
	GPULayers int
	MemLock   bool
}

// Model is one set of loaded weights.
type Model interface {
	// NewContext creates a generation context with a single sequence.
	NewContext(ctx context.Context, spec ContextSpec) (Context, error)
	// NewEmbeddingContext creates a context usable only for embeddings.
	NewEmbeddingContext(ctx context.Context, spec ContextSpec) (EmbeddingContext, error)
	// CompileGrammar compiles a grammar source for use in GenerateOptions.
	CompileGrammar(source string) (Grammar, error)
	Tokenize(text string) []Token
	Detokenize(tokens []Token) string
	Close() error
}

// ContextSpec carries context-creation options.
type ContextSpec struct {
	ContextSize int
	Seed        int64
	Threads     int
	BatchSize   int
}

// Context owns KV-cache state for one decoding stream.
type Context interface {
	// Sequence returns the context's single decoding sequence.
	Sequence() Sequence
	Close() error
}

// Sequence is a single decoding stream. Chat and completion requests against
// the same sequence must not overlap.
type Sequence interface {
	// NewChat binds a fresh chat wrapper to the sequence.
	NewChat() (Chat, error)
	// Complete generates a raw completion for the prompt.
	Complete(ctx context.Context, prompt string, opts CompletionOptions, onToken TokenCallback) (CompletionOutcome, error)
	// ClearHistory resets the sequence's cached evaluation state.
	ClearHistory()
	// Meter exposes cumulative token counters for this sequence.
	Meter() TokenMeter
}

// TokenMeter exposes cumulative used input/output token counts.
type TokenMeter interface {
	InputTokens() int64
	OutputTokens() int64
}

// Grammar is an engine-compiled grammar handle. Opaque to callers.
type Grammar interface{}

// FunctionDecl is a function offered to the model for one generation round.
type FunctionDecl struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// FunctionCall is a call the model emitted during generation.
type FunctionCall struct {
	Name string
	// Raw JSON argument object.
	Params json.RawMessage
	// Raw is the call in the model's native function-call syntax.
	Raw string
}

// LastEvaluation is the engine-owned handle that lets the next generation
// resume the prefix KV cache without re-ingesting shared history. Callers
// thread it back verbatim and never inspect ContextShift.
type LastEvaluation struct {
	// CleanHistory is the canonical history after the turn, with partial
	// output folded in.
	CleanHistory []ChatHistoryItem
	// ContextWindow is the history as it sits in the context window.
	ContextWindow []ChatHistoryItem
	// ContextShift is engine-defined context-shift metadata.
	ContextShift any
}

// Engine stop reasons, mapped to API finish reasons by the turn engine.
const (
	StopFunctionCalls     = "functionCalls"
	StopGenerationTrigger = "stopGenerationTrigger"
	StopCustomTrigger     = "customStopTrigger"
	StopMaxTokens         = "maxTokens"
	StopEOGToken          = "eogToken"
	StopAbort             = "abort"
)

// GenerateOptions parameterizes one chat generation round.
type GenerateOptions struct {
	Sampling     types.SamplingParams
	TokenBias    map[string]float64
	StopTriggers []string

	TrimWhitespaceSuffix bool
	// StopOnAbortSignal makes ctx cancellation return partial output with
	// StopAbort instead of an error.
	StopOnAbortSignal bool

	// Grammar and Functions are mutually exclusive; Grammar wins upstream.
	Grammar                  Grammar
	Functions                []FunctionDecl
	DocumentFunctionParams   bool
	MaxParallelFunctionCalls int

	// Prefix-cache anchor from the previous round, if any.
	LastEvaluation *LastEvaluation
	// Minimum overlap ratio with the previous context window below which the
	// engine performs a context shift instead of reuse.
	MinOverlapToPreventContextShift float64

	OnToken TokenCallback
}

// GenerateOutcome is the result of one generation round.
type GenerateOutcome struct {
	// Calls emitted by the model, in emission order. Empty when the model
	// produced a final answer.
	FunctionCalls  []FunctionCall
	LastEvaluation LastEvaluation
	StopReason     string
}

// Chat drives multi-turn generation against a sequence.
type Chat interface {
	// Generate runs one round: evaluates history, samples until a stop
	// condition, streams tokens via opts.OnToken.
	Generate(ctx context.Context, history []ChatHistoryItem, opts GenerateOptions) (GenerateOutcome, error)
	// Preload evaluates history and completes an empty user turn so later
	// requests with matching prefixes hit a warm cache.
	Preload(ctx context.Context, history []ChatHistoryItem) (LastEvaluation, error)
	// RenderFunctionResult renders a resolved call in the model's native
	// function-call syntax for splicing into history.
	RenderFunctionResult(name string, params, result json.RawMessage) string
	Close() error
}

// CompletionOptions parameterizes a raw completion.
type CompletionOptions struct {
	Sampling types.SamplingParams
	Stop     []string
}

// CompletionOutcome is the result of a raw completion.
type CompletionOutcome struct {
	Text       string
	StopReason string
}

// EmbeddingContext computes embedding vectors.
type EmbeddingContext interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}
