package pool

import (
	"context"

	"github.com/avnigashi/lllms/internal/runtime"
	"github.com/avnigashi/lllms/pkg/types"
)

// runCompletion serves a raw text completion on the instance. It never
// mutates the chat history or lastEvaluation: when the instance holds warm
// chat state its sequence is not free, so the completion runs on a transient
// context created with the request's seed/threads/batch overrides.
func (in *instance) runCompletion(ctx context.Context, req types.CompletionRequest, onChunk ChunkFunc) (types.CompletionResult, error) {
	var seq runtime.Sequence
	if in.lastEval == nil {
		seq = in.genCtx.Sequence()
		seq.ClearHistory()
	} else {
		tmp, err := in.model.NewContext(ctx, in.contextSpec(req.Seed, req.CPUThreads, req.BatchSize))
		if err != nil {
			return types.CompletionResult{}, ErrResource("create completion context for "+in.cfg.Name, err)
		}
		defer tmp.Close()
		seq = tmp.Sequence()
	}

	meter := seq.Meter()
	inBefore, outBefore := meter.InputTokens(), meter.OutputTokens()

	opts := runtime.CompletionOptions{
		Sampling: req.Sampling.Merge(in.cfg.Defaults),
		Stop:     req.Stop,
	}
	if req.Seed != 0 {
		opts.Sampling.Seed = req.Seed
	}
	var onToken runtime.TokenCallback
	if onChunk != nil {
		onToken = func(_ []runtime.Token, text string) { onChunk(text) }
	}
	out, err := seq.Complete(ctx, req.Prompt, opts, onToken)
	if err != nil {
		return types.CompletionResult{}, err
	}

	usage := types.Usage{
		PromptTokens:     int(meter.InputTokens() - inBefore),
		CompletionTokens: int(meter.OutputTokens() - outBefore),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	tokensTotal.WithLabelValues(in.cfg.Name, "input").Add(float64(usage.PromptTokens))
	tokensTotal.WithLabelValues(in.cfg.Name, "output").Add(float64(usage.CompletionTokens))

	return types.CompletionResult{
		Text:         out.Text,
		FinishReason: mapStopReason(out.StopReason),
		Usage:        usage,
	}, nil
}
