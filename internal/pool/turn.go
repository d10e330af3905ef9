package pool

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/avnigashi/lllms/internal/runtime"
	"github.com/avnigashi/lllms/pkg/types"
)

// ChunkFunc receives streamed generation output in emission order.
type ChunkFunc func(text string)

// minimumOverlapToPreventContextShift is the overlap hint handed to the
// engine together with the previous context window.
const minimumOverlapToPreventContextShift = 0.5

// maxParallelFunctionCalls bounds how many calls the model may emit in one
// round when functions are offered.
const maxParallelFunctionCalls = 2

// turnState drives the chat turn machine.
type turnState int

const (
	stateGenerating turnState = iota
	stateResolvingCalls
	stateSurfacingCalls
	stateDone
)

// turn executes one API-level chat request against a leased instance,
// interleaving model generation with host-side function resolution.
type turn struct {
	in      *instance
	req     types.ChatRequest
	defs    map[string]types.FunctionDef
	grammar runtime.Grammar
	onChunk ChunkFunc

	hist     []runtime.ChatHistoryItem
	window   []runtime.ChatHistoryItem
	lastEval *runtime.LastEvaluation
	calls    []runtime.FunctionCall

	res types.ChatResult
}

// runChatTurn serves req on in. The instance's warm state is only committed
// on a successful round boundary; an abort leaves the previous turn's clean
// history in place.
func (in *instance) runChatTurn(ctx context.Context, req types.ChatRequest, onChunk ChunkFunc) (types.ChatResult, error) {
	t := &turn{in: in, req: req, onChunk: onChunk}

	t.defs = make(map[string]types.FunctionDef, len(in.cfg.Functions)+len(req.Functions))
	for name, def := range in.cfg.Functions {
		t.defs[name] = def
	}
	for name, def := range req.Functions {
		t.defs[name] = def
	}

	// Grammar wins over functions when both are supplied; a grammar name
	// that was never compiled is a configuration error.
	if req.Grammar != "" {
		g, ok := in.grammars[req.Grammar]
		if !ok {
			return types.ChatResult{}, ErrUnknownGrammar(in.cfg.Name, req.Grammar)
		}
		t.grammar = g
	}

	if err := t.assemble(ctx); err != nil {
		return types.ChatResult{}, err
	}

	meter := in.genCtx.Sequence().Meter()
	inBefore, outBefore := meter.InputTokens(), meter.OutputTokens()

	state := stateGenerating
	for state != stateDone {
		var err error
		switch state {
		case stateGenerating:
			state, err = t.generate(ctx)
		case stateResolvingCalls:
			state, err = t.resolveCalls(ctx)
		case stateSurfacingCalls:
			state = t.surfaceCalls()
		}
		if err != nil {
			return types.ChatResult{}, err
		}
	}

	t.res.Usage = types.Usage{
		PromptTokens:     int(meter.InputTokens() - inBefore),
		CompletionTokens: int(meter.OutputTokens() - outBefore),
	}
	t.res.Usage.TotalTokens = t.res.Usage.PromptTokens + t.res.Usage.CompletionTokens
	tokensTotal.WithLabelValues(in.cfg.Name, "input").Add(float64(t.res.Usage.PromptTokens))
	tokensTotal.WithLabelValues(in.cfg.Name, "output").Add(float64(t.res.Usage.CompletionTokens))
	return t.res, nil
}

// assemble builds the working history: reuse the instance's warm prefix when
// the request overlaps it, splice function-result messages against the
// pending-call table, and make sure the trailing item is a model item for
// generation to write into.
func (t *turn) assemble(ctx context.Context) error {
	in := t.in
	want := buildHistory(t.req.Messages)

	overlap := commonPrefixLen(in.history, want)
	if t.req.ResetContext || (len(in.history) > 0 && overlap == 0) {
		if err := in.resetChat(ctx); err != nil {
			return err
		}
		overlap = 0
	}

	// Keep the instance's richer prefix (it carries function-call records
	// the wire form flattens away) and take the rest from the request.
	hist := runtime.CloneHistory(in.history[:overlap])
	hist = append(hist, want[overlap:]...)

	for _, m := range t.req.Messages {
		if m.Role != types.RoleFunction {
			continue
		}
		pc, ok := in.pending[m.CallID]
		if !ok {
			in.log.Warn().Str("call_id", m.CallID).Str("name", m.Name).Msg("dropping function result with unknown call id")
			continue
		}
		result, _ := json.Marshal(m.Content)
		rec := runtime.FunctionCallRecord{
			Name:        pc.Name,
			Description: pc.Description,
			Params:      pc.Params,
			Result:      result,
			Raw:         in.chat.RenderFunctionResult(pc.Name, pc.Params, result),
		}
		if n := len(hist); n == 0 || hist[n-1].Kind != runtime.KindModel {
			hist = append(hist, runtime.ModelItem())
		}
		last := &hist[len(hist)-1]
		last.Response = append(last.Response, runtime.ModelSegment{Call: &rec})
		delete(in.pending, m.CallID)
	}

	if n := len(hist); n == 0 || hist[n-1].Kind != runtime.KindModel {
		hist = append(hist, runtime.ModelItem())
	}
	t.hist = hist
	t.lastEval = in.lastEval
	if in.lastEval != nil {
		t.window = in.lastEval.ContextWindow
	}
	return nil
}

func (t *turn) generateOptions() runtime.GenerateOptions {
	opts := runtime.GenerateOptions{
		Sampling:             t.req.Sampling.Merge(t.in.cfg.Defaults),
		TokenBias:            t.req.TokenBias,
		StopTriggers:         t.req.Stop,
		TrimWhitespaceSuffix: false,
		StopOnAbortSignal:    true,
		LastEvaluation:       t.lastEval,

		MinOverlapToPreventContextShift: minimumOverlapToPreventContextShift,
	}
	if t.onChunk != nil {
		opts.OnToken = func(_ []runtime.Token, text string) { t.onChunk(text) }
	}
	if t.grammar != nil {
		opts.Grammar = t.grammar
		return opts
	}
	if len(t.defs) > 0 {
		names := make([]string, 0, len(t.defs))
		for name := range t.defs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			def := t.defs[name]
			opts.Functions = append(opts.Functions, runtime.FunctionDecl{
				Name:        name,
				Description: def.Description,
				Parameters:  def.Parameters,
			})
		}
		opts.DocumentFunctionParams = true
		opts.MaxParallelFunctionCalls = maxParallelFunctionCalls
	}
	return opts
}

func (t *turn) generate(ctx context.Context) (turnState, error) {
	out, err := t.in.chat.Generate(ctx, t.hist, t.generateOptions())
	if err != nil {
		return stateDone, err
	}
	t.hist = out.LastEvaluation.CleanHistory
	t.window = out.LastEvaluation.ContextWindow
	t.lastEval = &out.LastEvaluation

	if len(out.FunctionCalls) == 0 {
		t.res.Content = trailingModelText(t.hist)
		t.res.FinishReason = mapStopReason(out.StopReason)
		if out.StopReason != runtime.StopAbort {
			// An aborted turn is not committed; the instance keeps the
			// clean history of its last successful turn.
			t.in.commit(t.hist, out.LastEvaluation)
		}
		return stateDone, nil
	}

	for _, c := range out.FunctionCalls {
		if _, ok := t.defs[c.Name]; !ok {
			return stateDone, ErrProtocol("model invoked undefined function: " + c.Name)
		}
	}
	t.calls = out.FunctionCalls
	return stateResolvingCalls, nil
}

// resolveCalls executes the leading evocable prefix of the emitted calls in
// parallel and folds the results into both the working history and the
// context-window mirror. Trailing evocable calls that sit behind a
// non-evocable one are NOT executed here; they are surfaced with the
// remainder, preserving emission order.
func (t *turn) resolveCalls(ctx context.Context) (turnState, error) {
	k := 0
	for k < len(t.calls) && t.defs[t.calls[k].Name].Evocable() {
		k++
	}

	results := make([]json.RawMessage, k)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < k; i++ {
		i := i
		call := t.calls[i]
		handler := t.defs[call.Name].Handler
		g.Go(func() error {
			v, err := handler(gctx, call.Params)
			if err != nil {
				return err
			}
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			results[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stateDone, err
	}

	for i := 0; i < k; i++ {
		call := t.calls[i]
		rec := runtime.FunctionCallRecord{
			Name:        call.Name,
			Description: t.defs[call.Name].Description,
			Params:      call.Params,
			Result:      results[i],
			Raw:         call.Raw,
		}
		t.appendSegment(runtime.ModelSegment{Call: &rec})
	}

	if k == len(t.calls) {
		t.calls = nil
		return stateGenerating, nil
	}
	t.calls = t.calls[k:]
	return stateSurfacingCalls, nil
}

// surfaceCalls hands the non-evocable remainder to the caller: each call gets
// a fresh opaque id the follow-up function-result message must echo.
func (t *turn) surfaceCalls() turnState {
	for _, call := range t.calls {
		id := uuid.NewString()
		t.in.pending[id] = pendingCall{
			Name:        call.Name,
			Description: t.defs[call.Name].Description,
			Params:      call.Params,
		}
		t.res.FunctionCalls = append(t.res.FunctionCalls, types.FunctionCallRef{
			ID:         id,
			Name:       call.Name,
			Parameters: call.Params,
		})
	}
	t.calls = nil
	t.res.Content = ""
	t.res.FinishReason = types.FinishFunctionCall
	t.in.commit(t.hist, *t.lastEval)
	return stateDone
}

// appendSegment adds a segment to the trailing model item of the working
// history and mirrors it into the context window so prefix-cache state stays
// consistent.
func (t *turn) appendSegment(seg runtime.ModelSegment) {
	appendToTrailingModel(&t.hist, seg)
	if t.window != nil {
		appendToTrailingModel(&t.window, seg)
		t.lastEval.ContextWindow = t.window
	}
	t.lastEval.CleanHistory = t.hist
}

func appendToTrailingModel(hist *[]runtime.ChatHistoryItem, seg runtime.ModelSegment) {
	h := *hist
	if n := len(h); n == 0 || h[n-1].Kind != runtime.KindModel {
		h = append(h, runtime.ModelItem())
	}
	h[len(h)-1].Response = append(h[len(h)-1].Response, seg)
	*hist = h
}

func trailingModelText(hist []runtime.ChatHistoryItem) string {
	if n := len(hist); n > 0 && hist[n-1].Kind == runtime.KindModel {
		return hist[n-1].ResponseText()
	}
	return ""
}

// mapStopReason translates engine stop codes to API finish reasons.
func mapStopReason(stop string) string {
	switch stop {
	case runtime.StopFunctionCalls:
		return types.FinishFunctionCall
	case runtime.StopGenerationTrigger, runtime.StopCustomTrigger:
		return types.FinishStopTrigger
	default:
		return stop
	}
}
