package pool

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/avnigashi/lllms/internal/runtime"
	"github.com/avnigashi/lllms/pkg/types"
)

// pendingCall is a surfaced function call awaiting a function-result message.
// Entries are bound to the instance and die with it.
type pendingCall struct {
	Name        string
	Description string
	Params      json.RawMessage
}

// instance owns one loaded model, one generation context with a single
// sequence, and the warm per-conversation state the pool routes toward.
// Leased to exactly one request at a time.
type instance struct {
	cfg    types.ModelConfig
	model  runtime.Model
	genCtx runtime.Context
	chat   runtime.Chat

	grammars map[string]runtime.Grammar

	// Warm state. history is canonical; lastEval is the engine-owned
	// prefix-cache anchor from the previous successful turn.
	history  []runtime.ChatHistoryItem
	lastEval *runtime.LastEvaluation
	pending  map[string]pendingCall

	// Lazily created on the first embedding request.
	embed runtime.EmbeddingContext

	log zerolog.Logger
}

// newInstance loads the model, creates its context and chat, compiles the
// configured grammars, and runs the optional preload. The weight file must
// already exist; the pool runs the downloader first.
func newInstance(ctx context.Context, eng runtime.Engine, cfg types.ModelConfig, log zerolog.Logger) (*instance, error) {
	spec := runtime.ModelSpec{Path: cfg.File}
	if cfg.Engine != nil {
		spec.GPU = cfg.Engine.GPU
		spec.GPULayers = cfg.Engine.GPULayers
		spec.MemLock = cfg.Engine.MemLock
	}
	model, err := eng.LoadModel(ctx, spec)
	if err != nil {
		return nil, ErrResource("load model "+cfg.Name, err)
	}

	in := &instance{
		cfg:      cfg,
		model:    model,
		grammars: make(map[string]runtime.Grammar, len(cfg.Grammars)),
		pending:  make(map[string]pendingCall),
		log:      log.With().Str("model", cfg.Name).Logger(),
	}
	if err := in.createChat(ctx, in.contextSpec(0, 0, 0)); err != nil {
		_ = model.Close()
		return nil, err
	}
	for name, src := range cfg.Grammars {
		g, err := model.CompileGrammar(src)
		if err != nil {
			in.dispose()
			return nil, ErrResource("compile grammar "+name, err)
		}
		in.grammars[name] = g
	}
	if err := in.runPreload(ctx); err != nil {
		in.dispose()
		return nil, err
	}
	return in, nil
}

func (in *instance) contextSpec(seed int64, threads, batch int) runtime.ContextSpec {
	spec := runtime.ContextSpec{ContextSize: in.cfg.ContextSize, Seed: seed, Threads: threads, BatchSize: batch}
	if e := in.cfg.Engine; e != nil {
		if spec.Threads == 0 {
			spec.Threads = e.CPUThreads
		}
		if spec.BatchSize == 0 {
			spec.BatchSize = e.BatchSize
		}
	}
	return spec
}

func (in *instance) createChat(ctx context.Context, spec runtime.ContextSpec) error {
	genCtx, err := in.model.NewContext(ctx, spec)
	if err != nil {
		return ErrResource("create context for "+in.cfg.Name, err)
	}
	chat, err := genCtx.Sequence().NewChat()
	if err != nil {
		_ = genCtx.Close()
		return ErrResource("create chat for "+in.cfg.Name, err)
	}
	in.genCtx = genCtx
	in.chat = chat
	return nil
}

// runPreload feeds configured seed messages through the engine's
// load-and-complete path so matching prefixes hit a warm cache.
func (in *instance) runPreload(ctx context.Context) error {
	if in.cfg.Preload == nil || len(in.cfg.Preload.Messages) == 0 {
		return nil
	}
	hist := buildHistory(in.cfg.Preload.Messages)
	le, err := in.chat.Preload(ctx, hist)
	if err != nil {
		return ErrResource("preload "+in.cfg.Name, err)
	}
	in.history = le.CleanHistory
	in.lastEval = &le
	return nil
}

// resetChat drops the warm context: dispose the chat and its context,
// recreate a fresh sequence, clear history, lastEval and pending calls.
func (in *instance) resetChat(ctx context.Context) error {
	if in.chat != nil {
		_ = in.chat.Close()
	}
	if in.genCtx != nil {
		_ = in.genCtx.Close()
	}
	in.chat = nil
	in.genCtx = nil
	in.history = nil
	in.lastEval = nil
	in.pending = make(map[string]pendingCall)
	return in.createChat(ctx, in.contextSpec(0, 0, 0))
}

// commit stores the outcome of a successful turn.
func (in *instance) commit(hist []runtime.ChatHistoryItem, le runtime.LastEvaluation) {
	in.history = hist
	in.lastEval = &le
}

func (in *instance) dispose() {
	if in.embed != nil {
		_ = in.embed.Close()
		in.embed = nil
	}
	if in.chat != nil {
		_ = in.chat.Close()
		in.chat = nil
	}
	if in.genCtx != nil {
		_ = in.genCtx.Close()
		in.genCtx = nil
	}
	if in.model != nil {
		_ = in.model.Close()
		in.model = nil
	}
	in.history = nil
	in.lastEval = nil
	in.pending = nil
}
