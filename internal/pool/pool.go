// Package pool owns every model instance. It bounds concurrency, routes each
// request to an instance with warm state for the caller's prior turns, and
// coordinates admission, cancellation and orderly shutdown.
package pool

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avnigashi/lllms/internal/download"
	"github.com/avnigashi/lllms/internal/runtime"
	"github.com/avnigashi/lllms/pkg/types"
)

const defaultConcurrency = 1

// Config holds pool construction parameters.
type Config struct {
	// Global cap on live instances across all models.
	Concurrency int
	// Directory weight files are downloaded into when a model has a URL but
	// no explicit file path.
	ModelsDir string
	// Named model configurations.
	Models map[string]types.ModelConfig
	Logger zerolog.Logger
}

type slotState string

const (
	slotLoading  slotState = "loading"
	slotIdle     slotState = "idle"
	slotBusy     slotState = "busy"
	slotEvicting slotState = "evicting"
)

// slot is one pool entry: an instance plus its lease state.
type slot struct {
	model    string
	inst     *instance
	state    slotState
	lastUsed time.Time
}

// waiter is a queued request. Both channels are buffered so a dispatcher
// never blocks on a caller that already gave up.
type waiter struct {
	model string
	ready chan *slot
	fail  chan error
}

// Pool multiplexes named model configurations onto a bounded set of
// long-lived instances.
type Pool struct {
	cfg Config
	eng runtime.Engine
	dl  *download.Downloader
	log zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	cond      *sync.Cond
	slots     []*slot
	queue     []*waiter
	draining  bool
	evictions uint64
	loads     uint64
	started   time.Time
}

// New builds a Pool. Models with a URL but no file path get one derived from
// the URL inside cfg.ModelsDir.
func New(cfg Config, eng runtime.Engine, dl *download.Downloader) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	models := make(map[string]types.ModelConfig, len(cfg.Models))
	for name, mc := range cfg.Models {
		mc.Name = name
		if mc.File == "" && mc.URL != "" {
			mc.File = filepath.Join(cfg.ModelsDir, derivedFilename(mc.URL))
		}
		models[name] = mc
	}
	cfg.Models = models

	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		eng:     eng,
		dl:      dl,
		log:     cfg.Logger,
		baseCtx: baseCtx,
		cancel:  cancel,
		started: time.Now(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// derivedFilename is the last path element of the source URL.
func derivedFilename(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}

// Chat serves one chat-completion request, streaming output via onChunk.
func (p *Pool) Chat(ctx context.Context, req types.ChatRequest, onChunk ChunkFunc) (types.ChatResult, error) {
	if _, ok := p.cfg.Models[req.Model]; !ok {
		return types.ChatResult{}, ErrUnknownModel(req.Model)
	}
	s, err := p.acquire(ctx, req.Model, buildHistory(req.Messages))
	if err != nil {
		return types.ChatResult{}, err
	}
	jctx, stop := joinContexts(ctx, p.baseCtx)
	res, err := s.inst.runChatTurn(jctx, req, onChunk)
	stop()
	p.release(s, err)
	return res, err
}

// Completion serves a raw text completion.
func (p *Pool) Completion(ctx context.Context, req types.CompletionRequest, onChunk ChunkFunc) (types.CompletionResult, error) {
	if _, ok := p.cfg.Models[req.Model]; !ok {
		return types.CompletionResult{}, ErrUnknownModel(req.Model)
	}
	s, err := p.acquire(ctx, req.Model, nil)
	if err != nil {
		return types.CompletionResult{}, err
	}
	jctx, stop := joinContexts(ctx, p.baseCtx)
	res, err := s.inst.runCompletion(jctx, req, onChunk)
	stop()
	p.release(s, err)
	return res, err
}

// Embedding computes embedding vectors.
func (p *Pool) Embedding(ctx context.Context, req types.EmbeddingRequest) (types.EmbeddingResult, error) {
	if _, ok := p.cfg.Models[req.Model]; !ok {
		return types.EmbeddingResult{}, ErrUnknownModel(req.Model)
	}
	s, err := p.acquire(ctx, req.Model, nil)
	if err != nil {
		return types.EmbeddingResult{}, err
	}
	jctx, stop := joinContexts(ctx, p.baseCtx)
	res, err := s.inst.runEmbedding(jctx, req)
	stop()
	p.release(s, err)
	return res, err
}

// Models lists the configured models.
func (p *Pool) Models() []types.ModelInfo {
	out := make([]types.ModelInfo, 0, len(p.cfg.Models))
	for _, mc := range p.cfg.Models {
		out = append(out, types.ModelInfo{
			Name:        mc.Name,
			File:        mc.File,
			ContextSize: mc.ContextSize,
			Present:     fileExists(mc.File),
		})
	}
	return out
}

// Status snapshots slot states, queue depth and counters.
func (p *Pool) Status() types.StatusResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp := types.StatusResponse{
		QueueDepth:     len(p.queue),
		Concurrency:    p.cfg.Concurrency,
		EvictionsTotal: p.evictions,
		LoadsTotal:     p.loads,
		Draining:       p.draining,
		UptimeSeconds:  int64(time.Since(p.started).Seconds()),
	}
	for _, s := range p.slots {
		st := types.SlotStatus{
			Model:    s.model,
			State:    string(s.state),
			LastUsed: s.lastUsed.Unix(),
		}
		if s.inst != nil {
			st.PendingCalls = len(s.inst.pending)
		}
		if s.state == slotBusy {
			resp.Inflight++
		}
		resp.Slots = append(resp.Slots, st)
	}
	return resp
}

// Ready reports whether the pool accepts requests.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.draining
}

// acquire selects or creates an instance for model, waiting in the FIFO
// queue when the concurrency cap is reached. The returned slot is leased
// (busy) and must be handed back through release.
func (p *Pool) acquire(ctx context.Context, model string, want []runtime.ChatHistoryItem) (*slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrShuttingDown()
	}

	if s := p.pickIdleLocked(model, want); s != nil {
		s.state = slotBusy
		p.mu.Unlock()
		return s, nil
	}

	if len(p.slots) < p.cfg.Concurrency {
		s := &slot{model: model, state: slotLoading, lastUsed: time.Now()}
		p.slots = append(p.slots, s)
		p.loads++
		liveInstances.Set(float64(len(p.slots)))
		loadsTotal.WithLabelValues(model).Inc()
		p.mu.Unlock()

		jctx, stop := joinContexts(ctx, p.baseCtx)
		inst, err := p.spawn(jctx, model)
		stop()
		p.mu.Lock()
		if err != nil {
			p.removeSlotLocked(s)
			p.dispatchFreedCapacityLocked()
			p.mu.Unlock()
			return nil, err
		}
		s.inst = inst
		s.state = slotBusy
		p.mu.Unlock()
		return s, nil
	}

	w := &waiter{model: model, ready: make(chan *slot, 1), fail: make(chan error, 1)}

	// Cap reached. An idle slot of another model can be evicted right away;
	// otherwise wait for a release to dispatch us.
	if s := p.lruIdleLocked(); s != nil {
		s.state = slotEvicting
		p.evictions++
		evictionsTotal.Inc()
		p.mu.Unlock()
		go p.replaceSlot(s, w)
	} else {
		p.queue = append(p.queue, w)
		queueDepth.Set(float64(len(p.queue)))
		p.mu.Unlock()
	}

	select {
	case s := <-w.ready:
		return s, nil
	case err := <-w.fail:
		return nil, err
	case <-ctx.Done():
		if p.removeWaiter(w) {
			return nil, ctx.Err()
		}
		// Already dequeued by a dispatcher; a slot or error is on its way.
		select {
		case s := <-w.ready:
			p.release(s, nil)
		case <-w.fail:
		}
		return nil, ctx.Err()
	}
}

// lruIdleLocked returns the least-recently-used idle slot of any model.
func (p *Pool) lruIdleLocked() *slot {
	var lru *slot
	for _, s := range p.slots {
		if s.state != slotIdle {
			continue
		}
		if lru == nil || s.lastUsed.Before(lru.lastUsed) {
			lru = s
		}
	}
	return lru
}

// pickIdleLocked applies the affinity rule: best common-prefix score wins
// when any overlap exists (ties to the most recently used), otherwise the
// least-recently-used idle slot of the model.
func (p *Pool) pickIdleLocked(model string, want []runtime.ChatHistoryItem) *slot {
	var best *slot
	bestScore := 0
	var lru *slot
	for _, s := range p.slots {
		if s.model != model || s.state != slotIdle {
			continue
		}
		if lru == nil || s.lastUsed.Before(lru.lastUsed) {
			lru = s
		}
		score := 0
		if s.inst != nil && len(want) > 0 {
			score = commonPrefixLen(s.inst.history, want)
		}
		if score >= 1 && (best == nil || score > bestScore ||
			(score == bestScore && s.lastUsed.After(best.lastUsed))) {
			best = s
			bestScore = score
		}
	}
	if best != nil {
		return best
	}
	return lru
}

// spawn makes sure the weight file exists, then constructs the instance.
func (p *Pool) spawn(ctx context.Context, model string) (*instance, error) {
	mc := p.cfg.Models[model]
	if p.dl != nil {
		if err := p.dl.Ensure(ctx, mc.File, mc.URL); err != nil {
			return nil, ErrResource("model file for "+model, err)
		}
	} else if !fileExists(mc.File) {
		return nil, ErrResource("model file for "+model, download.ErrNoSource)
	}
	start := time.Now()
	inst, err := newInstance(ctx, p.eng, mc, p.log)
	if err != nil {
		return nil, err
	}
	p.log.Info().Str("model", model).Dur("dur", time.Since(start)).Msg("instance loaded")
	return inst, nil
}

// release returns a leased slot. It dispatches the oldest matching queued
// request first; with only non-matching requests queued, the slot's instance
// is evicted and replaced for the oldest request's model.
func (p *Pool) release(s *slot, reqErr error) {
	// A failed chat reset leaves the instance without a usable context;
	// treat it like an unusable context report.
	unusable := errors.Is(reqErr, runtime.ErrContextUnusable) ||
		(s.inst != nil && s.inst.chat == nil)

	p.mu.Lock()
	s.lastUsed = time.Now()

	if p.draining || unusable {
		s.state = slotEvicting
		inst := s.inst
		p.mu.Unlock()
		if inst != nil {
			inst.dispose()
		}
		p.mu.Lock()
		p.removeSlotLocked(s)
		p.dispatchFreedCapacityLocked()
		p.mu.Unlock()
		return
	}

	// Oldest queued request for this slot's model.
	for i, w := range p.queue {
		if w.model == s.model {
			p.dequeueLocked(i)
			s.state = slotBusy
			p.mu.Unlock()
			w.ready <- s
			return
		}
	}

	// No match: serve the oldest queued request by replacing the instance.
	if len(p.queue) > 0 {
		w := p.queue[0]
		p.dequeueLocked(0)
		s.state = slotEvicting
		p.evictions++
		evictionsTotal.Inc()
		p.mu.Unlock()
		go p.replaceSlot(s, w)
		return
	}

	s.state = slotIdle
	p.mu.Unlock()
}

// replaceSlot disposes the slot's instance and spawns a fresh one for the
// waiter's model, handing the slot over on success.
func (p *Pool) replaceSlot(s *slot, w *waiter) {
	old := s.model
	if s.inst != nil {
		s.inst.dispose()
		s.inst = nil
	}
	p.mu.Lock()
	p.loads++
	loadsTotal.WithLabelValues(w.model).Inc()
	p.mu.Unlock()
	inst, err := p.spawn(p.baseCtx, w.model)
	p.mu.Lock()
	if err != nil || p.draining {
		p.removeSlotLocked(s)
		p.dispatchFreedCapacityLocked()
		p.mu.Unlock()
		if inst != nil {
			inst.dispose()
		}
		if err == nil {
			err = ErrShuttingDown()
		}
		w.fail <- err
		return
	}
	s.model = w.model
	s.inst = inst
	s.state = slotBusy
	s.lastUsed = time.Now()
	p.mu.Unlock()
	p.log.Debug().Str("from", old).Str("to", w.model).Msg("slot evicted and replaced")
	w.ready <- s
}

// Dispose drains the pool: queued requests fail, in-flight requests are
// aborted, and every instance is disposed. Blocks until no slots remain.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.draining {
		for len(p.slots) > 0 {
			p.cond.Wait()
		}
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.cancel()
	for _, w := range p.queue {
		w.fail <- ErrShuttingDown()
	}
	p.queue = nil
	queueDepth.Set(0)

	var idle []*slot
	for _, s := range p.slots {
		if s.state == slotIdle {
			s.state = slotEvicting
			idle = append(idle, s)
		}
	}
	p.mu.Unlock()

	for _, s := range idle {
		if s.inst != nil {
			s.inst.dispose()
		}
		p.mu.Lock()
		p.removeSlotLocked(s)
		p.mu.Unlock()
	}

	p.mu.Lock()
	for len(p.slots) > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
	p.log.Info().Msg("pool disposed")
}

// dispatchFreedCapacityLocked hands capacity freed by a removed slot to the
// oldest queued request, spawning a fresh slot for its model. Without this a
// waiter could outlive every slot that might have released.
func (p *Pool) dispatchFreedCapacityLocked() {
	if p.draining || len(p.queue) == 0 || len(p.slots) >= p.cfg.Concurrency {
		return
	}
	w := p.queue[0]
	p.dequeueLocked(0)
	s := &slot{model: w.model, state: slotLoading, lastUsed: time.Now()}
	p.slots = append(p.slots, s)
	liveInstances.Set(float64(len(p.slots)))
	go p.replaceSlot(s, w)
}

func (p *Pool) removeSlotLocked(target *slot) {
	for i, s := range p.slots {
		if s == target {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			break
		}
	}
	liveInstances.Set(float64(len(p.slots)))
	p.cond.Broadcast()
}

func (p *Pool) dequeueLocked(i int) {
	p.queue = append(p.queue[:i], p.queue[i+1:]...)
	queueDepth.Set(float64(len(p.queue)))
}

// removeWaiter pulls w out of the queue; false means a dispatcher already
// claimed it.
func (p *Pool) removeWaiter(w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.queue {
		if q == w {
			p.dequeueLocked(i)
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

// joinContexts cancels the returned context when either parent is done.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() { stop(); cancel() }
}
