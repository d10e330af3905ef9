package pool

import (
	"context"

	"github.com/avnigashi/lllms/pkg/types"
)

// runEmbedding computes one vector per string input. Non-string entries in
// the heterogeneous input array are dropped silently. The embedding context
// is created on first use and lives with the instance.
func (in *instance) runEmbedding(ctx context.Context, req types.EmbeddingRequest) (types.EmbeddingResult, error) {
	if in.embed == nil {
		ec, err := in.model.NewEmbeddingContext(ctx, in.contextSpec(0, 0, 0))
		if err != nil {
			return types.EmbeddingResult{}, ErrResource("create embedding context for "+in.cfg.Name, err)
		}
		in.embed = ec
	}

	res := types.EmbeddingResult{}
	for _, raw := range req.Input {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		res.PromptTokens += len(in.model.Tokenize(text))
		vec, err := in.embed.Embed(ctx, text)
		if err != nil {
			return types.EmbeddingResult{}, err
		}
		res.Vectors = append(res.Vectors, vec)
	}
	tokensTotal.WithLabelValues(in.cfg.Name, "input").Add(float64(res.PromptTokens))
	return res, nil
}
