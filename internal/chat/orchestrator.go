package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-chat/internal/conversation"
	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/logging"
	"github.com/tokligence/tokligence-chat/internal/provider"
	"github.com/tokligence/tokligence-chat/internal/stream"
)

// Failure reasons reported to subscribers for conditions the orchestrator detects itself.
const (
	ReasonTimeout  = "generation timed out"
	ReasonShutdown = "server shutting down"
)

var (
	errTimedOut     = errors.New(ReasonTimeout)
	errShuttingDown = errors.New(ReasonShutdown)
)

// Resolver picks the provider for a model id.
type Resolver interface {
	Resolve(model string) (provider.Provider, error)
}

// Recorder receives generation outcomes, typically for metrics.
type Recorder interface {
	GenerationFinished(p provider.Type, status stream.Status)
	PersistFailed()
}

type nopRecorder struct{}

func (nopRecorder) GenerationFinished(provider.Type, stream.Status) {}
func (nopRecorder) PersistFailed()                                  {}

// RunRequest describes one generation.
type RunRequest struct {
	ConversationID string
	UserID         string // only reported to hooks
	History        []provider.Message
	ModelID        string
	SystemPrompt   string
	TurnID         string      // generated when empty
	Initiator      stream.Sink // optional
}

// OrchestratorConfig tunes an Orchestrator.
type OrchestratorConfig struct {
	Timeout  time.Duration // 0 disables the watchdog
	Logger   *logging.Logger
	Recorder Recorder
	Hooks    *hooks.Dispatcher
}

// Orchestrator drives one provider stream per conversation through the
// registry and records the resulting assistant turn.
type Orchestrator struct {
	registry *stream.Registry
	repo     *conversation.Repository
	resolver Resolver
	timeout  time.Duration
	logger   *logging.Logger
	recorder Recorder
	hooks    *hooks.Dispatcher

	mu      sync.Mutex
	closing bool
	running map[string]*generation
	wg      sync.WaitGroup
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(registry *stream.Registry, repo *conversation.Repository, resolver Resolver, cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		repo:     repo,
		resolver: resolver,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		hooks:    cfg.Hooks,
		running:  make(map[string]*generation),
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	return o
}

type generation struct {
	req    RunRequest
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Run performs a generation and returns once it is terminal and recorded.
// If the conversation is already generating, the initiator is attached to
// that stream instead and Run returns immediately. Run never returns an
// error: failures are delivered to subscribers and logged.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) {
	if g := o.begin(ctx, req); g != nil {
		o.execute(g)
	}
}

// Start is Run with the generation moved to its own goroutine. The stream is
// registered before Start returns. It reports whether a new generation began.
func (o *Orchestrator) Start(ctx context.Context, req RunRequest) bool {
	g := o.begin(ctx, req)
	if g == nil {
		return false
	}
	go o.execute(g)
	return true
}

func (o *Orchestrator) begin(ctx context.Context, req RunRequest) *generation {
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		if req.Initiator != nil {
			_ = req.Initiator.Send(stream.Failed(ReasonShutdown))
			req.Initiator.Close()
		}
		return nil
	}
	if !o.registry.StartStream(req.ConversationID, req.TurnID) {
		o.mu.Unlock()
		if req.Initiator != nil && o.registry.Attach(req.ConversationID, req.Initiator) == nil {
			req.Initiator.Close()
		}
		return nil
	}
	// Requests may carry values; cancellation comes only from the watchdog and Shutdown.
	gctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	g := &generation{req: req, ctx: gctx, cancel: cancel}
	o.running[req.ConversationID] = g
	o.wg.Add(1)
	o.mu.Unlock()

	if req.Initiator != nil {
		if err := req.Initiator.Send(stream.Connected(req.TurnID)); err != nil {
			req.Initiator.Close()
		} else {
			o.registry.Subscribe(req.ConversationID, req.Initiator)
		}
	}
	o.logger.Infof("generation start conversation=%s turn=%s model=%s", req.ConversationID, req.TurnID, req.ModelID)
	return g
}

func (o *Orchestrator) execute(g *generation) {
	defer o.wg.Done()
	defer func() {
		// The stream is released before persisting, so a newer generation
		// of the same conversation may already own the entry.
		o.mu.Lock()
		if o.running[g.req.ConversationID] == g {
			delete(o.running, g.req.ConversationID)
		}
		o.mu.Unlock()
		g.cancel(nil)
	}()

	id := g.req.ConversationID
	local, kind, err := o.generate(g)
	text := local
	if snap, ok := o.registry.Snapshot(id); ok {
		text = snap.Accumulated
	}
	ctx := context.WithoutCancel(g.ctx)

	// The assistant turn is in memory before subscribers see the terminal
	// event, so a follow-up message always finds it in the history.
	if err != nil {
		appended := text != "" && o.appendAssistant(ctx, g.req, text)
		o.registry.FailStream(id, failureReason(err))
		o.recorder.GenerationFinished(kind, stream.StatusFailed)
		o.publish(hooks.EventGenerationFailed, g.req, kind, text, failureReason(err))
		o.logger.Warnf("generation failed conversation=%s turn=%s: %v", id, g.req.TurnID, err)
		if appended {
			o.persist(ctx, id)
		}
		return
	}

	appended := o.appendAssistant(ctx, g.req, text)
	if appended {
		o.applyTitle(ctx, id)
	}
	o.registry.CompleteStream(id)
	o.recorder.GenerationFinished(kind, stream.StatusCompleted)
	o.publish(hooks.EventGenerationCompleted, g.req, kind, text, "")
	o.logger.Infof("generation done conversation=%s turn=%s chars=%d", id, g.req.TurnID, len(text))
	if appended {
		o.persist(ctx, id)
	}
}

// generate streams the provider response into the registry and returns the
// text it produced, independent of what the registry still holds.
func (o *Orchestrator) generate(g *generation) (string, provider.Type, error) {
	p, err := o.resolver.Resolve(g.req.ModelID)
	if err != nil {
		return "", "", err
	}
	ctx := g.ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.timeout, errTimedOut)
		defer cancel()
	}

	var b strings.Builder
	ch, err := p.StreamCompletion(ctx, provider.Request{
		Model:        g.req.ModelID,
		Messages:     g.req.History,
		SystemPrompt: g.req.SystemPrompt,
	})
	if err != nil {
		return "", p.Name(), o.interrupted(ctx, err)
	}
	for chunk := range ch {
		if chunk.Err != nil {
			return b.String(), p.Name(), o.interrupted(ctx, chunk.Err)
		}
		b.WriteString(chunk.Text)
		o.registry.AppendDelta(g.req.ConversationID, chunk.Text)
	}
	if ctx.Err() != nil {
		return b.String(), p.Name(), o.interrupted(ctx, ctx.Err())
	}
	return b.String(), p.Name(), nil
}

// interrupted prefers the cancellation cause over the error it produced.
func (o *Orchestrator) interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
	}
	return err
}

func (o *Orchestrator) publish(t hooks.EventType, req RunRequest, kind provider.Type, text, reason string) {
	meta := map[string]any{
		"turn_id":  req.TurnID,
		"model_id": req.ModelID,
		"provider": string(kind),
		"chars":    len(text),
	}
	if reason != "" {
		meta["reason"] = reason
	}
	o.hooks.Publish(hooks.Event{Type: t, UserID: req.UserID, ConversationID: req.ConversationID, Metadata: meta})
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, errTimedOut):
		return ReasonTimeout
	case errors.Is(err, errShuttingDown):
		return ReasonShutdown
	}
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}

func (o *Orchestrator) appendAssistant(ctx context.Context, req RunRequest, text string) bool {
	turn := conversation.Turn{ID: req.TurnID, Role: conversation.RoleAssistant, Text: text}
	if _, err := o.repo.AppendTurn(ctx, req.ConversationID, turn); err != nil {
		o.logger.Warnf("append assistant turn conversation=%s: %v", req.ConversationID, err)
		return false
	}
	return true
}

// persist checkpoints the conversation. A failure is logged and counted; the
// conversation stays usable from memory.
func (o *Orchestrator) persist(ctx context.Context, id string) {
	if err := o.repo.Persist(ctx, id); err != nil {
		o.recorder.PersistFailed()
		o.logger.Errorf("persist conversation=%s: %v", id, err)
	}
}

// applyTitle names an untitled conversation after its first user message.
func (o *Orchestrator) applyTitle(ctx context.Context, id string) {
	conv, err := o.repo.Get(ctx, id)
	if err != nil || conv.Title != conversation.DefaultTitle {
		return
	}
	first, ok := conv.FirstUserTurn()
	if !ok {
		return
	}
	if title := GenerateTitle(first.Text); title != "" {
		if err := o.repo.UpdateTitle(ctx, id, title); err != nil {
			o.logger.Warnf("set title conversation=%s: %v", id, err)
		}
	}
}

// Shutdown stops accepting generations, cancels the running ones and waits
// for them to record their partial output or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	for _, g := range o.running {
		g.cancel(errShuttingDown)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
